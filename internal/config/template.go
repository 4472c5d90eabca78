package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns a Config with every field populated from the Get*
// defaults. The daylight site coordinates are an example location and must
// be replaced for other study areas.
func DefaultConfig() *Config {
	empty := EmptyConfig()
	return &Config{
		WorkingDir: ptrString("."),
		InputDir:   ptrString("inputs"),
		OutputDir:  ptrString("outputs"),
		Inputs: map[string]string{
			"dem":   empty.GetInput("dem"),
			"slope": empty.GetInput("slope"),
			"dsm":   empty.GetInput("dsm"),
		},
		Engine: EngineConfig{
			Binary:   ptrString(empty.Engine.GetBinary(nil)),
			MaxProcs: ptrInt(empty.Engine.GetMaxProcs()),
			Verbose:  ptrBool(empty.Engine.GetVerbose()),
			Compress: ptrBool(empty.Engine.GetCompress()),
		},
		Run: RunConfig{
			SkipPolicy:  ptrString(empty.Run.GetSkipPolicy()),
			Parallel:    ptrBool(empty.Run.GetParallel()),
			MaxParallel: ptrInt(empty.Run.GetMaxParallel()),
			KeepGoing:   ptrBool(empty.Run.GetKeepGoing()),
			Quicklooks:  ptrBool(empty.Run.GetQuicklooks()),
			Ledger:      ptrBool(empty.Run.GetLedger()),
		},
		Watch: WatchConfig{Debounce: ptrString(empty.Watch.GetDebounce().String())},
		License: LicenseConfig{
			Enabled:       ptrBool(false),
			CredentialEnv: ptrString(empty.License.GetCredentialEnv()),
		},
		Smoothing: SmoothingParams{
			FilterSize:          ptrInt(empty.Smoothing.GetFilterSize()),
			NormalDiffThreshold: ptrFloat64(empty.Smoothing.GetNormalDiffThreshold()),
			Iterations:          ptrInt(empty.Smoothing.GetIterations()),
		},
		Breaching: BreachingParams{
			MaxDist:  ptrInt(empty.Breaching.GetMaxDist()),
			FillDeps: ptrBool(empty.Breaching.GetFillDeps()),
		},
		Streams: StreamParams{Threshold: ptrFloat64(empty.Streams.GetThreshold())},
		DInf:    DInfParams{Log: ptrBool(empty.DInf.GetLog())},
		Stochastic: StochasticParams{
			RMSE:       ptrFloat64(empty.Stochastic.GetRMSE()),
			Range:      ptrFloat64(empty.Stochastic.GetRange()),
			Iterations: ptrInt(empty.Stochastic.GetIterations()),
		},
		Canopy: CanopyParams{NegativePolicy: ptrString(empty.Canopy.GetNegativePolicy())},
		Daylight: DaylightParams{
			Lat:        ptrFloat64(44.938),
			Long:       ptrFloat64(-82.495),
			AzFraction: ptrFloat64(empty.Daylight.GetAzFraction()),
			MaxDist:    ptrFloat64(empty.Daylight.GetMaxDist()),
			UTCOffset:  ptrString(empty.Daylight.GetUTCOffset()),
			StartDay:   ptrInt(empty.Daylight.GetStartDay()),
			EndDay:     ptrInt(empty.Daylight.GetEndDay()),
			StartTime:  ptrString(empty.Daylight.GetStartTime()),
			EndTime:    ptrString(empty.Daylight.GetEndTime()),
		},
		Hillshade: HillshadeParams{
			Enabled:  ptrBool(false),
			Azimuth:  ptrFloat64(empty.Hillshade.GetAzimuth()),
			Altitude: ptrFloat64(empty.Hillshade.GetAltitude()),
		},
		DepthToWater: DepthToWaterParams{Enabled: ptrBool(false)},
	}
}

// Encode renders a config in the format implied by ext (.json, .yaml, .yml).
func Encode(cfg *Config, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
}

// WriteTemplate writes DefaultConfig to path, choosing the encoding from the
// file extension. An existing file is only replaced when overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	data, err := Encode(DefaultConfig(), filepath.Ext(path))
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}
