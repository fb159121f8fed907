// Package pipeline runs one monthly analytics extraction end to end:
// normalize parameters, resolve the connection, query DHIS2, pivot the
// long table and write the wide CSV into the workspace.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/dhis2-extract/pkg/client"
	"github.com/Sternrassler/dhis2-extract/pkg/config"
	"github.com/Sternrassler/dhis2-extract/pkg/connection"
	"github.com/Sternrassler/dhis2-extract/pkg/export"
	"github.com/Sternrassler/dhis2-extract/pkg/extract"
	"github.com/Sternrassler/dhis2-extract/pkg/history"
	"github.com/Sternrassler/dhis2-extract/pkg/logging"
	"github.com/Sternrassler/dhis2-extract/pkg/reshape"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhis2_pipeline_runs_total",
		Help: "Extraction runs by outcome",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dhis2_pipeline_duration_seconds",
		Help:    "End-to-end extraction duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	rowsWritten = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dhis2_pipeline_rows",
		Help: "Rows written by the last extraction",
	})
)

// Deps are the collaborators a run needs.
type Deps struct {
	// Resolver turns the connection id into URL and credentials.
	Resolver connection.Resolver

	// Client configures the DHIS2 client; a zero value means
	// client.DefaultConfig(UserAgent).
	Client client.Config

	// History records the run when set.
	History *history.Store

	// Logger defaults to the global "pipeline" component logger.
	Logger *zerolog.Logger
}

// UserAgent is sent when Deps.Client has none.
const UserAgent = "dhis2-extract/0.1"

// Result describes a finished extraction.
type Result struct {
	RunID      uuid.UUID
	OutputPath string
	Rows       int
	Columns    []string
	Periods    []string
	Variables  []string
}

// Run executes the extraction described by cfg.
func Run(ctx context.Context, cfg config.Pipeline, deps Deps) (*Result, error) {
	if deps.Resolver == nil {
		return nil, fmt.Errorf("pipeline: connection resolver is required")
	}

	base := logging.NewLogger("pipeline")
	if deps.Logger != nil {
		base = *deps.Logger
	}

	runID := uuid.New()
	logger := logging.WithRun(base, runID, cfg.ConnectionID)
	start := time.Now()

	var store *history.Store
	if deps.History != nil {
		if _, err := deps.History.Start(ctx, history.Run{
			ID:           runID,
			Pipeline:     config.PipelineName,
			ConnectionID: cfg.ConnectionID,
			Criteria:     summarize(cfg),
			StartedAt:    start,
		}); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run start")
		} else {
			store = deps.History
		}
	}

	res, err := run(ctx, cfg, deps, logger)

	status := history.StatusSucceeded
	if err != nil {
		status = history.StatusFailed
		logger.Error().Err(err).Msg("Extraction failed")
	}
	runsTotal.WithLabelValues(string(status)).Inc()
	runDuration.Observe(time.Since(start).Seconds())

	if store != nil {
		rows, path := 0, ""
		if res != nil {
			rows, path = res.Rows, res.OutputPath
		}
		// The run's context may be cancelled already.
		if ferr := store.Finish(context.WithoutCancel(ctx), runID, rows, path, err); ferr != nil {
			logger.Warn().Err(ferr).Msg("Failed to record run result")
		}
	}

	if err != nil {
		return nil, err
	}
	res.RunID = runID
	rowsWritten.Set(float64(res.Rows))
	return res, nil
}

func run(ctx context.Context, cfg config.Pipeline, deps Deps, logger zerolog.Logger) (*Result, error) {
	criteria, err := extract.NewCriteria(cfg.Vars, cfg.YearBegin, cfg.YearEnd, cfg.MonthBegin, cfg.MonthEnd, cfg.AdminLevel)
	if err != nil {
		return nil, fmt.Errorf("normalize parameters: %w", err)
	}
	logger.Info().Strs("variables", criteria.Variables).Msg("Variables to extract")
	logger.Info().Strs("periods", criteria.Periods).Msg("Periods to extract")
	logger.Info().Str("admin_level", criteria.AdminLevel).Msg("Administrative level to extract")

	conn, err := deps.Resolver.Resolve(ctx, cfg.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("resolve connection: %w", err)
	}

	clientCfg := deps.Client
	if clientCfg.UserAgent == "" {
		defaults := client.DefaultConfig(UserAgent)
		clientCfg.UserAgent = defaults.UserAgent
		if clientCfg.Timeout == 0 {
			clientCfg.Timeout = defaults.Timeout
		}
		if clientCfg.CacheTTL == 0 {
			clientCfg.CacheTTL = defaults.CacheTTL
		}
	}
	if clientCfg.Logger == nil {
		clientCfg.Logger = &logger
	}
	dhis2, err := client.New(conn, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	long, err := dhis2.Analytics(ctx, criteria.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	logger.Info().
		Int("rows", len(long.Rows)).
		Strs("columns", reshape.ColumnNames(long)).
		Msg("Received data in long format")

	wide, err := reshape.Pivot(long, reshape.ColumnData, reshape.ColumnValue)
	if err != nil {
		return nil, fmt.Errorf("reshape: %w", err)
	}

	writer := export.NewCSVWriter(cfg.Workspace.OutputDir())
	path, err := writer.Write(cfg.ConnectionID, wide)
	if err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	logger.Info().
		Str("path", path).
		Int("rows", len(wide.Rows)).
		Int("columns", len(wide.Columns)).
		Msg("Wrote wide table")

	return &Result{
		OutputPath: path,
		Rows:       len(wide.Rows),
		Columns:    wide.Columns,
		Periods:    criteria.Periods,
		Variables:  criteria.Variables,
	}, nil
}

func summarize(cfg config.Pipeline) string {
	return fmt.Sprintf("dx=%s pe=%04d%02d..%04d%02d ou=%s",
		cfg.Vars, cfg.YearBegin, cfg.MonthBegin, cfg.YearEnd, cfg.MonthEnd, cfg.AdminLevel)
}
