package config

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/banshee-data/terrain.covariates/internal/units"
)

// EngineConfig configures the external raster engine invocation.
type EngineConfig struct {
	Binary   *string `json:"binary,omitempty" yaml:"binary,omitempty"`
	MaxProcs *int    `json:"max_procs,omitempty" yaml:"max_procs,omitempty"` // -1 uses every core
	Verbose  *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Compress *bool   `json:"compress,omitempty" yaml:"compress,omitempty"`
	Timeout  *string `json:"timeout,omitempty" yaml:"timeout,omitempty"` // per tool, "" means none
}

// Validate checks the engine section.
func (e *EngineConfig) Validate() error {
	if e.MaxProcs != nil && *e.MaxProcs != -1 && *e.MaxProcs < 1 {
		return fmt.Errorf("engine.max_procs must be -1 or positive, got %d", *e.MaxProcs)
	}
	if e.Timeout != nil && *e.Timeout != "" {
		if _, err := time.ParseDuration(*e.Timeout); err != nil {
			return fmt.Errorf("invalid engine.timeout '%s': %w", *e.Timeout, err)
		}
	}
	return nil
}

// GetBinary returns the engine executable, preferring the environment override.
func (e *EngineConfig) GetBinary(getenv func(string) string) string {
	if getenv != nil {
		if v := getenv(EnvWhiteboxBinary); v != "" {
			return v
		}
	}
	if e.Binary == nil || *e.Binary == "" {
		return "whitebox_tools"
	}
	return *e.Binary
}

// GetMaxProcs returns the max_procs value or the default.
func (e *EngineConfig) GetMaxProcs() int {
	if e.MaxProcs == nil {
		return -1
	}
	return *e.MaxProcs
}

// GetVerbose returns the verbose value or the default.
func (e *EngineConfig) GetVerbose() bool {
	if e.Verbose == nil {
		return true
	}
	return *e.Verbose
}

// GetCompress returns the compress value or the default.
func (e *EngineConfig) GetCompress() bool {
	if e.Compress == nil {
		return true
	}
	return *e.Compress
}

// GetTimeout returns the per-tool timeout; zero means none.
func (e *EngineConfig) GetTimeout() time.Duration {
	if e.Timeout == nil || *e.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*e.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// Skip policies for stages whose outputs already exist.
const (
	SkipValid  = "valid"
	SkipExists = "exists"
	SkipNever  = "never"
)

// RunConfig controls orchestration behaviour.
type RunConfig struct {
	SkipPolicy      *string  `json:"skip_policy,omitempty" yaml:"skip_policy,omitempty"`
	Parallel        *bool    `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	MaxParallel     *int     `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	KeepGoing       *bool    `json:"keep_going,omitempty" yaml:"keep_going,omitempty"`
	Stages          []string `json:"stages,omitempty" yaml:"stages,omitempty"` // empty runs every enabled stage
	Quicklooks      *bool    `json:"quicklooks,omitempty" yaml:"quicklooks,omitempty"`
	Ledger          *bool    `json:"ledger,omitempty" yaml:"ledger,omitempty"`
	LedgerPath      *string  `json:"ledger_path,omitempty" yaml:"ledger_path,omitempty"`
	ReportPath      *string  `json:"report_path,omitempty" yaml:"report_path,omitempty"`
	MetricsTextfile *string  `json:"metrics_textfile,omitempty" yaml:"metrics_textfile,omitempty"`
}

// Validate checks the run section.
func (r *RunConfig) Validate() error {
	if r.SkipPolicy != nil {
		switch *r.SkipPolicy {
		case SkipValid, SkipExists, SkipNever:
		default:
			return fmt.Errorf("run.skip_policy must be one of valid, exists, never; got %q", *r.SkipPolicy)
		}
	}
	if r.MaxParallel != nil && *r.MaxParallel < 1 {
		return fmt.Errorf("run.max_parallel must be at least 1, got %d", *r.MaxParallel)
	}
	return nil
}

// GetSkipPolicy returns the skip_policy value or the default.
func (r *RunConfig) GetSkipPolicy() string {
	if r.SkipPolicy == nil || *r.SkipPolicy == "" {
		return SkipValid
	}
	return *r.SkipPolicy
}

// GetParallel returns the parallel value or the default.
func (r *RunConfig) GetParallel() bool {
	if r.Parallel == nil {
		return false
	}
	return *r.Parallel
}

// GetMaxParallel returns the max_parallel value or the default.
func (r *RunConfig) GetMaxParallel() int {
	if r.MaxParallel == nil {
		return 2
	}
	return *r.MaxParallel
}

// GetKeepGoing returns the keep_going value or the default.
func (r *RunConfig) GetKeepGoing() bool {
	if r.KeepGoing == nil {
		return false
	}
	return *r.KeepGoing
}

// GetQuicklooks returns the quicklooks value or the default.
func (r *RunConfig) GetQuicklooks() bool {
	if r.Quicklooks == nil {
		return false
	}
	return *r.Quicklooks
}

// GetLedger returns the ledger value or the default.
func (r *RunConfig) GetLedger() bool {
	if r.Ledger == nil {
		return true
	}
	return *r.Ledger
}

// LedgerFile returns the ledger database path.
func (c *Config) LedgerFile() string {
	if c.Run.LedgerPath == nil || *c.Run.LedgerPath == "" {
		return c.resolve(".covariates/runs.db")
	}
	return c.resolve(*c.Run.LedgerPath)
}

// ReportFile returns the HTML report path. An explicit empty string disables it.
func (c *Config) ReportFile() string {
	if c.Run.ReportPath == nil {
		return c.resolve(".covariates/report.html")
	}
	if *c.Run.ReportPath == "" {
		return ""
	}
	return c.resolve(*c.Run.ReportPath)
}

// MetricsFile returns the Prometheus textfile path, or "" when disabled.
func (c *Config) MetricsFile() string {
	if c.Run.MetricsTextfile == nil || *c.Run.MetricsTextfile == "" {
		return ""
	}
	return c.resolve(*c.Run.MetricsTextfile)
}

// LicenseConfig configures the optional end-of-run license check-in.
type LicenseConfig struct {
	Enabled       *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Endpoint      *string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	CredentialEnv *string `json:"credential_env,omitempty" yaml:"credential_env,omitempty"`
	Timeout       *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks the license section. Credentials never live in the file.
func (l *LicenseConfig) Validate() error {
	if !l.GetEnabled() {
		return nil
	}
	u, err := url.Parse(l.GetEndpoint())
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("license.endpoint must be an http(s) URL, got %q", l.GetEndpoint())
	}
	if l.GetCredentialEnv() == "" {
		return fmt.Errorf("license.credential_env must name an environment variable")
	}
	if l.Timeout != nil && *l.Timeout != "" {
		if _, err := time.ParseDuration(*l.Timeout); err != nil {
			return fmt.Errorf("invalid license.timeout '%s': %w", *l.Timeout, err)
		}
	}
	return nil
}

// GetEnabled returns the enabled value or the default.
func (l *LicenseConfig) GetEnabled() bool {
	if l.Enabled == nil {
		return false
	}
	return *l.Enabled
}

// GetEndpoint returns the check-in URL.
func (l *LicenseConfig) GetEndpoint() string {
	if l.Endpoint == nil {
		return ""
	}
	return *l.Endpoint
}

// GetCredentialEnv returns the environment variable holding the credential.
func (l *LicenseConfig) GetCredentialEnv() string {
	if l.CredentialEnv == nil {
		return "COVARIATES_LICENSE_KEY"
	}
	return *l.CredentialEnv
}

// GetTimeout returns the request timeout.
func (l *LicenseConfig) GetTimeout() time.Duration {
	if l.Timeout == nil || *l.Timeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(*l.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// SmoothingParams configures feature-preserving smoothing.
type SmoothingParams struct {
	FilterSize          *int     `json:"filter_size,omitempty" yaml:"filter_size,omitempty"`
	NormalDiffThreshold *float64 `json:"normal_diff_threshold,omitempty" yaml:"normal_diff_threshold,omitempty"` // degrees
	Iterations          *int     `json:"iterations,omitempty" yaml:"iterations,omitempty"`
}

// Validate checks the smoothing parameters.
func (s *SmoothingParams) Validate() error {
	if s.FilterSize != nil && *s.FilterSize < 3 {
		return fmt.Errorf("smoothing.filter_size must be at least 3, got %d", *s.FilterSize)
	}
	if s.NormalDiffThreshold != nil && (*s.NormalDiffThreshold <= 0 || *s.NormalDiffThreshold > 90) {
		return fmt.Errorf("smoothing.normal_diff_threshold must be in (0, 90], got %f", *s.NormalDiffThreshold)
	}
	if s.Iterations != nil && *s.Iterations < 1 {
		return fmt.Errorf("smoothing.iterations must be at least 1, got %d", *s.Iterations)
	}
	return nil
}

// GetFilterSize returns the filter_size value or the default.
func (s *SmoothingParams) GetFilterSize() int {
	if s.FilterSize == nil {
		return 10
	}
	return *s.FilterSize
}

// GetNormalDiffThreshold returns the normal_diff_threshold value or the default.
func (s *SmoothingParams) GetNormalDiffThreshold() float64 {
	if s.NormalDiffThreshold == nil {
		return 8.0
	}
	return *s.NormalDiffThreshold
}

// GetIterations returns the iterations value or the default.
func (s *SmoothingParams) GetIterations() int {
	if s.Iterations == nil {
		return 3
	}
	return *s.Iterations
}

// BreachingParams configures least-cost depression breaching.
type BreachingParams struct {
	MaxDist  *int  `json:"max_dist,omitempty" yaml:"max_dist,omitempty"` // cells
	FillDeps *bool `json:"fill_deps,omitempty" yaml:"fill_deps,omitempty"`
}

// Validate checks the breaching parameters.
func (b *BreachingParams) Validate() error {
	if b.MaxDist != nil && *b.MaxDist < 1 {
		return fmt.Errorf("breaching.max_dist must be at least 1, got %d", *b.MaxDist)
	}
	return nil
}

// GetMaxDist returns the max_dist value or the default.
func (b *BreachingParams) GetMaxDist() int {
	if b.MaxDist == nil {
		return 7
	}
	return *b.MaxDist
}

// GetFillDeps returns the fill_deps value or the default.
func (b *BreachingParams) GetFillDeps() bool {
	if b.FillDeps == nil {
		return false
	}
	return *b.FillDeps
}

// StreamParams configures stream extraction from D8 accumulation.
type StreamParams struct {
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// Validate checks the stream parameters.
func (s *StreamParams) Validate() error {
	if s.Threshold != nil && *s.Threshold < 0 {
		return fmt.Errorf("streams.threshold must be non-negative, got %f", *s.Threshold)
	}
	return nil
}

// GetThreshold returns the threshold value or the default.
func (s *StreamParams) GetThreshold() float64 {
	if s.Threshold == nil {
		return 12
	}
	return *s.Threshold
}

// DInfParams configures D-infinity flow accumulation.
type DInfParams struct {
	Log *bool `json:"log,omitempty" yaml:"log,omitempty"`
}

// GetLog returns the log value or the default.
func (d *DInfParams) GetLog() bool {
	if d.Log == nil {
		return false
	}
	return *d.Log
}

// StochasticParams configures stochastic depression analysis.
type StochasticParams struct {
	RMSE       *float64 `json:"rmse,omitempty" yaml:"rmse,omitempty"`
	Range      *float64 `json:"range,omitempty" yaml:"range,omitempty"`
	Iterations *int     `json:"iterations,omitempty" yaml:"iterations,omitempty"`
}

// Validate checks the stochastic parameters.
func (s *StochasticParams) Validate() error {
	if s.RMSE != nil && *s.RMSE <= 0 {
		return fmt.Errorf("stochastic.rmse must be positive, got %f", *s.RMSE)
	}
	if s.Range != nil && *s.Range <= 0 {
		return fmt.Errorf("stochastic.range must be positive, got %f", *s.Range)
	}
	if s.Iterations != nil && *s.Iterations < 1 {
		return fmt.Errorf("stochastic.iterations must be at least 1, got %d", *s.Iterations)
	}
	return nil
}

// GetRMSE returns the rmse value or the default.
func (s *StochasticParams) GetRMSE() float64 {
	if s.RMSE == nil {
		return 1.63
	}
	return *s.RMSE
}

// GetRange returns the range value or the default.
func (s *StochasticParams) GetRange() float64 {
	if s.Range == nil {
		return 90
	}
	return *s.Range
}

// GetIterations returns the iterations value or the default.
func (s *StochasticParams) GetIterations() int {
	if s.Iterations == nil {
		return 100
	}
	return *s.Iterations
}

// Canopy height policies for cells where the DSM lies below the DEM.
const (
	NegativeKeep   = "keep"
	NegativeClamp  = "clamp"
	NegativeNoData = "nodata"
)

// CanopyParams configures the canopy height model.
type CanopyParams struct {
	NegativePolicy *string `json:"negative_policy,omitempty" yaml:"negative_policy,omitempty"`
}

// Validate checks the canopy parameters.
func (c *CanopyParams) Validate() error {
	switch c.GetNegativePolicy() {
	case NegativeKeep, NegativeClamp, NegativeNoData:
		return nil
	}
	return fmt.Errorf("canopy.negative_policy must be one of keep, clamp, nodata; got %q", c.GetNegativePolicy())
}

// GetNegativePolicy returns the negative_policy value or the default.
func (c *CanopyParams) GetNegativePolicy() string {
	if c.NegativePolicy == nil || *c.NegativePolicy == "" {
		return NegativeKeep
	}
	return *c.NegativePolicy
}

var utcOffsetPattern = regexp.MustCompile(`^(UTC)?[+-]\d{2}:\d{2}$`)

// DaylightParams configures the time-in-daylight model.
type DaylightParams struct {
	Lat        *float64 `json:"lat,omitempty" yaml:"lat,omitempty"`
	Long       *float64 `json:"long,omitempty" yaml:"long,omitempty"`
	AzFraction *float64 `json:"az_fraction,omitempty" yaml:"az_fraction,omitempty"` // degrees
	MaxDist    *float64 `json:"max_dist,omitempty" yaml:"max_dist,omitempty"`       // map units
	UTCOffset  *string  `json:"utc_offset,omitempty" yaml:"utc_offset,omitempty"`
	Timezone   *string  `json:"timezone,omitempty" yaml:"timezone,omitempty"` // IANA name, alternative to utc_offset
	StartDay   *int     `json:"start_day,omitempty" yaml:"start_day,omitempty"`
	EndDay     *int     `json:"end_day,omitempty" yaml:"end_day,omitempty"`
	StartTime  *string  `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime    *string  `json:"end_time,omitempty" yaml:"end_time,omitempty"`
}

// Validate checks the daylight parameters. Latitude and longitude are
// site-specific and have no default; Located reports whether they are set.
func (d *DaylightParams) Validate() error {
	if d.Lat != nil && (*d.Lat < -90 || *d.Lat > 90) {
		return fmt.Errorf("daylight.lat must be in [-90, 90], got %f", *d.Lat)
	}
	if d.Long != nil && (*d.Long < -180 || *d.Long > 180) {
		return fmt.Errorf("daylight.long must be in [-180, 180], got %f", *d.Long)
	}
	if az := d.GetAzFraction(); az <= 0 || az >= 360 {
		return fmt.Errorf("daylight.az_fraction must be in (0, 360), got %f", az)
	}
	if d.GetMaxDist() <= 0 {
		return fmt.Errorf("daylight.max_dist must be positive, got %f", d.GetMaxDist())
	}
	if d.Timezone != nil && *d.Timezone != "" {
		if d.UTCOffset != nil && *d.UTCOffset != "" {
			return fmt.Errorf("set daylight.utc_offset or daylight.timezone, not both")
		}
		if !units.IsTimezoneValid(*d.Timezone) {
			return fmt.Errorf("daylight.timezone %q is not in the tz database", *d.Timezone)
		}
	}
	if !utcOffsetPattern.MatchString(d.GetUTCOffset()) {
		return fmt.Errorf("daylight.utc_offset must look like -05:00 or UTC+01:00, got %q", d.GetUTCOffset())
	}
	start, end := d.GetStartDay(), d.GetEndDay()
	if start < 1 || start > 366 || end < 1 || end > 366 {
		return fmt.Errorf("daylight days must be in [1, 366], got %d..%d", start, end)
	}
	if start > end {
		return fmt.Errorf("daylight.start_day %d is after end_day %d", start, end)
	}
	st, err := time.Parse("15:04:05", d.GetStartTime())
	if err != nil {
		return fmt.Errorf("invalid daylight.start_time '%s': %w", d.GetStartTime(), err)
	}
	et, err := time.Parse("15:04:05", d.GetEndTime())
	if err != nil {
		return fmt.Errorf("invalid daylight.end_time '%s': %w", d.GetEndTime(), err)
	}
	if !st.Before(et) {
		return fmt.Errorf("daylight.start_time %s must be before end_time %s", d.GetStartTime(), d.GetEndTime())
	}
	return nil
}

// Located reports whether the site coordinates are configured.
func (d *DaylightParams) Located() bool {
	return d.Lat != nil && d.Long != nil
}

// GetLat returns the site latitude. Callers check Located first.
func (d *DaylightParams) GetLat() float64 {
	if d.Lat == nil {
		return 0
	}
	return *d.Lat
}

// GetLong returns the site longitude. Callers check Located first.
func (d *DaylightParams) GetLong() float64 {
	if d.Long == nil {
		return 0
	}
	return *d.Long
}

// GetAzFraction returns the az_fraction value or the default.
func (d *DaylightParams) GetAzFraction() float64 {
	if d.AzFraction == nil {
		return 15.0
	}
	return *d.AzFraction
}

// GetMaxDist returns the max_dist value or the default.
func (d *DaylightParams) GetMaxDist() float64 {
	if d.MaxDist == nil {
		return 100.0
	}
	return *d.MaxDist
}

// GetUTCOffset returns utc_offset, the standard-time offset of timezone in
// the current year, or the default.
func (d *DaylightParams) GetUTCOffset() string {
	if d.UTCOffset != nil && *d.UTCOffset != "" {
		return *d.UTCOffset
	}
	if d.Timezone != nil && *d.Timezone != "" {
		if off, err := units.StandardOffset(*d.Timezone, time.Now().Year()); err == nil {
			return off
		}
	}
	return "-05:00"
}

// GetStartDay returns the start_day value or the default.
func (d *DaylightParams) GetStartDay() int {
	if d.StartDay == nil {
		return 91
	}
	return *d.StartDay
}

// GetEndDay returns the end_day value or the default.
func (d *DaylightParams) GetEndDay() int {
	if d.EndDay == nil {
		return 273
	}
	return *d.EndDay
}

// GetStartTime returns the start_time value or the default.
func (d *DaylightParams) GetStartTime() string {
	if d.StartTime == nil || *d.StartTime == "" {
		return "00:00:00"
	}
	return *d.StartTime
}

// GetEndTime returns the end_time value or the default.
func (d *DaylightParams) GetEndTime() string {
	if d.EndTime == nil || *d.EndTime == "" {
		return "23:59:59"
	}
	return *d.EndTime
}

// HillshadeParams configures the optional hillshade of the corrected DEM.
type HillshadeParams struct {
	Enabled  *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Azimuth  *float64 `json:"azimuth,omitempty" yaml:"azimuth,omitempty"`
	Altitude *float64 `json:"altitude,omitempty" yaml:"altitude,omitempty"`
}

// Validate checks the hillshade parameters.
func (h *HillshadeParams) Validate() error {
	if az := h.GetAzimuth(); az < 0 || az >= 360 {
		return fmt.Errorf("hillshade.azimuth must be in [0, 360), got %f", az)
	}
	if alt := h.GetAltitude(); alt < 0 || alt > 90 {
		return fmt.Errorf("hillshade.altitude must be in [0, 90], got %f", alt)
	}
	return nil
}

// GetEnabled returns the enabled value or the default.
func (h *HillshadeParams) GetEnabled() bool {
	if h.Enabled == nil {
		return false
	}
	return *h.Enabled
}

// GetAzimuth returns the azimuth value or the default.
func (h *HillshadeParams) GetAzimuth() float64 {
	if h.Azimuth == nil {
		return 315
	}
	return *h.Azimuth
}

// GetAltitude returns the altitude value or the default.
func (h *HillshadeParams) GetAltitude() float64 {
	if h.Altitude == nil {
		return 30
	}
	return *h.Altitude
}

// DepthToWaterParams toggles the optional depth-to-water index.
type DepthToWaterParams struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// GetEnabled returns the enabled value or the default.
func (d *DepthToWaterParams) GetEnabled() bool {
	if d.Enabled == nil {
		return false
	}
	return *d.Enabled
}
