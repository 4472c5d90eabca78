// Package artifact stores the named rasters and vectors passed between
// pipeline stages. Stage outputs are written to a staging area, committed by
// rename, and described by a JSON manifest that records how they were made.
package artifact

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies an artifact.
type Kind string

const (
	// KindInput is an external input such as the DEM. Inputs have no manifest.
	KindInput Kind = "input"
	// KindRaster is a single-file raster produced by a stage.
	KindRaster Kind = "raster"
	// KindVector is a vector dataset whose primary file has sidecars (.shx, .dbf, ...).
	KindVector Kind = "vector"
)

// Def declares an artifact and where it lives.
type Def struct {
	Name string
	Kind Kind
	// Path is absolute, or relative to the working directory for inputs and
	// to the output directory otherwise. It must lie inside that directory.
	Path string
}

// Manifest describes a committed artifact.
type Manifest struct {
	Artifact      string            `json:"artifact"`
	Stage         string            `json:"stage"`
	Files         []string          `json:"files"` // primary first
	SHA256        string            `json:"sha256"`
	Size          int64             `json:"size"`
	Params        string            `json:"params_fingerprint"`
	Inputs        map[string]string `json:"inputs,omitempty"` // artifact -> sha256 at production time
	RunID         string            `json:"run_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	EngineVersion string            `json:"engine_version,omitempty"`
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Artifact == "" {
		return nil, fmt.Errorf("manifest has no artifact name")
	}
	return &m, nil
}

// Policy decides when existing outputs let a stage be skipped.
type Policy string

const (
	// PolicyValid skips when the files, checksum, parameters and inputs all match the manifest.
	PolicyValid Policy = "valid"
	// PolicyExists skips whenever the primary file is present.
	PolicyExists Policy = "exists"
	// PolicyNever always recomputes.
	PolicyNever Policy = "never"
)

// ParsePolicy maps a config value to a Policy. The empty string is PolicyValid.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyValid:
		return PolicyValid, nil
	case PolicyExists, PolicyNever:
		return Policy(s), nil
	}
	return PolicyValid, fmt.Errorf("unknown skip policy %q", s)
}

// Expect is what a stage would produce now, compared against a manifest.
type Expect struct {
	Policy Policy
	Params string
	Inputs map[string]string
}
