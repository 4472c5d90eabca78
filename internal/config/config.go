package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical defaults file.
// It is the single source of truth for the stage parameters used when a
// site config leaves them out.
const DefaultConfigPath = "config/covariates.defaults.json"

// EnvWhiteboxBinary overrides engine.binary when set.
const EnvWhiteboxBinary = "COVARIATES_WHITEBOX"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration for a covariate run. Every field is
// optional; the Get* accessors supply defaults, so partial configs are safe.
type Config struct {
	WorkingDir *string `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	InputDir   *string `json:"input_dir,omitempty" yaml:"input_dir,omitempty"`
	OutputDir  *string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`

	// Inputs maps the external artifacts (dem, slope, dsm) to paths relative
	// to InputDir. Outputs overrides the file name of any produced artifact,
	// relative to OutputDir.
	Inputs  map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	Run     RunConfig     `json:"run" yaml:"run"`
	Watch   WatchConfig   `json:"watch" yaml:"watch"`
	License LicenseConfig `json:"license" yaml:"license"`

	Smoothing    SmoothingParams    `json:"smoothing" yaml:"smoothing"`
	Breaching    BreachingParams    `json:"breaching" yaml:"breaching"`
	Streams      StreamParams       `json:"streams" yaml:"streams"`
	DInf         DInfParams         `json:"dinf" yaml:"dinf"`
	Stochastic   StochasticParams   `json:"stochastic" yaml:"stochastic"`
	Canopy       CanopyParams       `json:"canopy" yaml:"canopy"`
	Daylight     DaylightParams     `json:"daylight" yaml:"daylight"`
	Hillshade    HillshadeParams    `json:"hillshade" yaml:"hillshade"`
	DepthToWater DepthToWaterParams `json:"depth_to_water" yaml:"depth_to_water"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a Config with all fields unset.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a .json, .yaml or .yml file no larger than
// 1MB and validates it.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	// Relative working directories are taken relative to the config file.
	if cfg.WorkingDir != nil && *cfg.WorkingDir != "" && !filepath.IsAbs(*cfg.WorkingDir) {
		cfg.WorkingDir = ptrString(filepath.Join(filepath.Dir(cleanPath), *cfg.WorkingDir))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and its parents up to the repository
// root. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/engine/whitebox/
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every section of the configuration.
func (c *Config) Validate() error {
	for name := range c.Inputs {
		switch name {
		case "dem", "slope", "dsm":
		default:
			return fmt.Errorf("unknown input %q (want dem, slope or dsm)", name)
		}
	}
	for name, p := range c.Inputs {
		if p == "" {
			return fmt.Errorf("input %q has an empty path", name)
		}
	}
	for name, p := range c.Outputs {
		if p == "" {
			return fmt.Errorf("output %q has an empty path", name)
		}
	}

	checks := []func() error{
		c.Engine.Validate,
		c.Run.Validate,
		c.Watch.Validate,
		c.License.Validate,
		c.Smoothing.Validate,
		c.Breaching.Validate,
		c.Streams.Validate,
		c.Stochastic.Validate,
		c.Canopy.Validate,
		c.Daylight.Validate,
		c.Hillshade.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// GetWorkingDir returns the working directory or the current directory.
func (c *Config) GetWorkingDir() string {
	if c.WorkingDir == nil || *c.WorkingDir == "" {
		return "."
	}
	return *c.WorkingDir
}

// GetInputDir returns the input directory resolved against the working directory.
func (c *Config) GetInputDir() string {
	dir := "inputs"
	if c.InputDir != nil && *c.InputDir != "" {
		dir = *c.InputDir
	}
	return c.resolve(dir)
}

// GetOutputDir returns the output directory resolved against the working directory.
func (c *Config) GetOutputDir() string {
	dir := "outputs"
	if c.OutputDir != nil && *c.OutputDir != "" {
		dir = *c.OutputDir
	}
	return c.resolve(dir)
}

// GetInput returns the configured file for an input artifact, relative to
// the input directory.
func (c *Config) GetInput(name string) string {
	if p, ok := c.Inputs[name]; ok {
		return p
	}
	return name + ".tif"
}

// GetOutput returns the configured override for a produced artifact, or def.
func (c *Config) GetOutput(name, def string) string {
	if p, ok := c.Outputs[name]; ok {
		return p
	}
	return def
}

// StateDir is where the ledger, report and quicklooks live by default.
func (c *Config) StateDir() string {
	return c.resolve(".covariates")
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.GetWorkingDir(), p)
}

// WatchConfig controls the input watcher.
type WatchConfig struct {
	Debounce *string `json:"debounce,omitempty" yaml:"debounce,omitempty"` // duration string like "2s"
}

// Validate checks the debounce duration.
func (w *WatchConfig) Validate() error {
	if w.Debounce != nil && *w.Debounce != "" {
		d, err := time.ParseDuration(*w.Debounce)
		if err != nil {
			return fmt.Errorf("invalid watch.debounce '%s': %w", *w.Debounce, err)
		}
		if d < 0 {
			return fmt.Errorf("watch.debounce must be non-negative, got %s", d)
		}
	}
	return nil
}

// GetDebounce returns the quiet period before a change triggers a run.
func (w *WatchConfig) GetDebounce() time.Duration {
	if w.Debounce == nil || *w.Debounce == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(*w.Debounce)
	if err != nil {
		return 2 * time.Second
	}
	return d
}
