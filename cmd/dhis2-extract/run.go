package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/dhis2-extract/pkg/cache"
	"github.com/Sternrassler/dhis2-extract/pkg/client"
	"github.com/Sternrassler/dhis2-extract/pkg/config"
	"github.com/Sternrassler/dhis2-extract/pkg/connection"
	"github.com/Sternrassler/dhis2-extract/pkg/history"
	"github.com/Sternrassler/dhis2-extract/pkg/logging"
	"github.com/Sternrassler/dhis2-extract/pkg/metrics"
	"github.com/Sternrassler/dhis2-extract/pkg/pipeline"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// connectionsFile is looked up in the workspace when --connections is unset.
const connectionsFile = "connections.yaml"

type runOptions struct {
	configPath      string
	workspace       string
	connections     string
	redisURL        string
	cacheTTL        time.Duration
	maxRetries      int
	timeout         time.Duration
	allowNonSuccess bool
	historyDB       string
	pushgateway     string
	params          map[string]*string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{params: map[string]*string{}}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one extraction",
		Example: `  dhis2-extract run --workspace /data --connection-id iulia-bdi \
    --extraction-vars nAQnroqvf3T,B9KO90o3CSH --extraction-year-begin 2023 --extraction-month-begin 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "YAML file with pipeline parameters")
	f.StringVar(&opts.workspace, "workspace", getEnv("WORKSPACE_FILES_PATH", ""), "Workspace files root")
	f.StringVar(&opts.connections, "connections", getEnv("DHIS2_CONNECTIONS", ""), "YAML connection store (default <workspace>/"+connectionsFile+")")
	f.StringVar(&opts.redisURL, "redis-url", getEnv("REDIS_URL", ""), "Redis address or URL for the response cache (empty disables caching)")
	f.DurationVar(&opts.cacheTTL, "cache-ttl", cache.DefaultTTL, "Cache lifetime when DHIS2 sends no freshness headers")
	f.IntVar(&opts.maxRetries, "max-retries", 0, "Extra attempts on server and network errors")
	f.DurationVar(&opts.timeout, "timeout", 60*time.Second, "Timeout of a single HTTP request")
	f.BoolVar(&opts.allowNonSuccess, "allow-non-success", false, "Log non-2xx responses and continue instead of failing")
	f.StringVar(&opts.historyDB, "history-db", getEnv("HISTORY_DB", ""), "SQLite run history (empty disables it)")
	f.StringVar(&opts.pushgateway, "pushgateway", getEnv("PUSHGATEWAY_URL", ""), "Prometheus Pushgateway URL")

	for _, p := range config.Parameters {
		help := p.Name
		if p.Help != "" {
			help += ". " + p.Help
		}
		opts.params[p.Key] = f.String(flagName(p.Key), p.Default, help)
	}

	return cmd
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

func loadPipeline(cmd *cobra.Command, opts *runOptions) (config.Pipeline, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return config.Pipeline{}, err
		}
	}

	for _, p := range config.Parameters {
		if !cmd.Flags().Changed(flagName(p.Key)) {
			continue
		}
		if err := cfg.Set(p.Key, *opts.params[p.Key]); err != nil {
			return config.Pipeline{}, err
		}
	}
	if opts.workspace != "" {
		cfg.Workspace.FilesPath = opts.workspace
	}

	if err := cfg.Validate(); err != nil {
		return config.Pipeline{}, fmt.Errorf("invalid parameters: %w", err)
	}
	return cfg, nil
}

// newResolver prefers the YAML store and falls back to environment variables.
func newResolver(connectionsPath, workspace string) (connection.Resolver, error) {
	chain := connection.Chain{}

	path := connectionsPath
	if path == "" {
		candidate := filepath.Join(workspace, connectionsFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		store, err := connection.LoadFile(path)
		if err != nil {
			return nil, err
		}
		chain = append(chain, store)
	}

	return append(chain, connection.EnvResolver{}), nil
}

func newRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		var err error
		if opts, err = redis.ParseURL(addr); err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

func runExtract(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()
	logger := logging.NewLogger("cli")

	cfg, err := loadPipeline(cmd, opts)
	if err != nil {
		return err
	}

	resolver, err := newResolver(opts.connections, cfg.Workspace.FilesPath)
	if err != nil {
		return err
	}

	clientCfg := client.DefaultConfig(pipeline.UserAgent)
	clientCfg.MaxRetries = opts.maxRetries
	clientCfg.Timeout = opts.timeout
	clientCfg.AllowNonSuccess = opts.allowNonSuccess
	clientCfg.CacheTTL = opts.cacheTTL

	if opts.redisURL != "" {
		rdb, err := newRedisClient(ctx, opts.redisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		clientCfg.Cache = cache.NewManager(rdb)
		logger.Info().Str("redis", rdb.Options().Addr).Msg("Response cache enabled")
	}

	deps := pipeline.Deps{Resolver: resolver, Client: clientCfg}
	if opts.historyDB != "" {
		store, err := history.Open(opts.historyDB)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.History = store
	}

	res, runErr := pipeline.Run(ctx, cfg, deps)

	if opts.pushgateway != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := metrics.Push(pushCtx, opts.pushgateway, "dhis2-extract",
			map[string]string{"connection_id": cfg.ConnectionID}); err != nil {
			logger.Warn().Err(err).Msg("Failed to push metrics")
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("extraction interrupted: %w", runErr)
		}
		return runErr
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.OutputPath)
	return nil
}
