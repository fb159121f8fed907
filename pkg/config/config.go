// Package config holds the extraction pipeline's parameters and workspace
// layout, loaded from YAML and overridden by command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Sternrassler/dhis2-extract/pkg/extract"
	"gopkg.in/yaml.v3"
)

// PipelineName identifies runs of this pipeline in logs and history.
const PipelineName = "dhis2-monthly-extract"

// DefaultProject is the workspace sub-directory outputs are written under.
const DefaultProject = "bdi_ir"

// ParamType is the declared type of a pipeline parameter.
type ParamType string

const (
	TypeString ParamType = "str"
	TypeInt    ParamType = "int"
)

// Parameter describes one user-facing pipeline parameter.
type Parameter struct {
	Key      string
	Name     string
	Type     ParamType
	Default  string
	Required bool
	Help     string
}

// Parameter keys.
const (
	KeyVars         = "extraction_vars"
	KeyYearBegin    = "extraction_year_begin"
	KeyYearEnd      = "extraction_year_end"
	KeyMonthBegin   = "extraction_month_begin"
	KeyMonthEnd     = "extraction_month_end"
	KeyAdminLevel   = "extraction_admin_level"
	KeyConnectionID = "connection_id"
)

// Parameters is the pipeline's parameter table, in display order.
var Parameters = []Parameter{
	{Key: KeyVars, Name: "Variables to extract", Type: TypeString, Default: "nAQnroqvf3T,B9KO90o3CSH", Required: true,
		Help: "Comma-separated DHIS2 data element or indicator UIDs"},
	{Key: KeyYearBegin, Name: "First year", Type: TypeInt, Default: "2023", Required: true},
	{Key: KeyYearEnd, Name: "Last year", Type: TypeInt, Default: "2024", Required: true},
	{Key: KeyMonthBegin, Name: "First month of the first year", Type: TypeInt, Default: "2", Required: true},
	{Key: KeyMonthEnd, Name: "Last month of the last year", Type: TypeInt, Default: "10", Required: true},
	{Key: KeyAdminLevel, Name: "Administrative level", Type: TypeString, Default: "LEVEL-NJZ7J4g91OS", Required: true,
		Help: "Organisation unit dimension, e.g. LEVEL-<uid> or an org unit UID"},
	{Key: KeyConnectionID, Name: "DHIS2 connection", Type: TypeString, Default: "iulia-bdi", Required: true,
		Help: "Identifier of the workspace connection to extract from"},
}

// Pipeline is one extraction run's parameters.
type Pipeline struct {
	Vars         string    `yaml:"extraction_vars"`
	YearBegin    int       `yaml:"extraction_year_begin"`
	YearEnd      int       `yaml:"extraction_year_end"`
	MonthBegin   int       `yaml:"extraction_month_begin"`
	MonthEnd     int       `yaml:"extraction_month_end"`
	AdminLevel   string    `yaml:"extraction_admin_level"`
	ConnectionID string    `yaml:"connection_id"`
	Workspace    Workspace `yaml:"workspace"`
}

// Workspace locates the shared file store outputs are written to.
type Workspace struct {
	FilesPath string `yaml:"files_path"`
	Project   string `yaml:"project"`
}

// OutputDir returns {FilesPath}/{Project}/outputs.
func (w Workspace) OutputDir() string {
	project := w.Project
	if project == "" {
		project = DefaultProject
	}
	return filepath.Join(w.FilesPath, project, "outputs")
}

// Default returns a pipeline populated from the Parameters defaults.
func Default() Pipeline {
	p := Pipeline{Workspace: Workspace{FilesPath: ".", Project: DefaultProject}}
	for _, param := range Parameters {
		if err := p.Set(param.Key, param.Default); err != nil {
			panic(fmt.Sprintf("config: bad default for %s: %v", param.Key, err))
		}
	}
	return p
}

// Set assigns a parameter by key from its string form.
func (p *Pipeline) Set(key, value string) error {
	intField := func(dst *int) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, value)
		}
		*dst = n
		return nil
	}

	switch key {
	case KeyVars:
		p.Vars = value
	case KeyYearBegin:
		return intField(&p.YearBegin)
	case KeyYearEnd:
		return intField(&p.YearEnd)
	case KeyMonthBegin:
		return intField(&p.MonthBegin)
	case KeyMonthEnd:
		return intField(&p.MonthEnd)
	case KeyAdminLevel:
		p.AdminLevel = value
	case KeyConnectionID:
		p.ConnectionID = value
	default:
		return fmt.Errorf("unknown parameter %q", key)
	}
	return nil
}

// Load reads a YAML file over Default(). Unknown keys are rejected.
func Load(path string) (Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config contents over Default().
func Parse(data []byte) (Pipeline, error) {
	p := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Pipeline{}, fmt.Errorf("parse config: %w", err)
	}
	return p, nil
}

// Validate checks required parameters and the date bounds.
func (p Pipeline) Validate() error {
	var errs []error
	if p.Vars == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyVars))
	}
	if p.AdminLevel == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyAdminLevel))
	}
	if p.ConnectionID == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyConnectionID))
	}
	if p.Workspace.FilesPath == "" {
		errs = append(errs, errors.New("workspace files_path is required"))
	}
	if _, err := extract.GenerateMonthlyPeriods(p.YearBegin, p.YearEnd, p.MonthBegin, p.MonthEnd); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
