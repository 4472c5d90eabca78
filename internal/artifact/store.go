package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/terrain.covariates/internal/fsutil"
	"github.com/banshee-data/terrain.covariates/internal/security"
)

const (
	stagingDir  = ".staging"
	manifestDir = ".manifest"
)

// ErrUnknownArtifact is returned for names that were never declared.
var ErrUnknownArtifact = errors.New("unknown artifact")

// Options configures a Store.
type Options struct {
	FS        fsutil.FileSystem
	WorkDir   string
	OutputDir string
	Now       func() time.Time
}

// Store resolves, stages and commits artifacts under one output directory.
type Store struct {
	fs        fsutil.FileSystem
	workDir   string
	outputDir string
	now       func() time.Time

	order []string
	defs  map[string]Def
	paths map[string]string

	mu   sync.Mutex
	sums map[string]sumEntry
}

type sumEntry struct {
	size int64
	mod  time.Time
	sum  string
}

// NewStore declares defs and validates that every path stays inside the
// working directory (inputs) or the output directory (everything else).
func NewStore(opts Options, defs ...Def) (*Store, error) {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("artifact store needs an output directory")
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	outDir, err := filepath.Abs(opts.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	}
	if _, err := security.ResolveWithin(workDir, outDir); err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	}

	s := &Store{
		fs:        opts.FS,
		workDir:   workDir,
		outputDir: outDir,
		now:       opts.Now,
		defs:      make(map[string]Def, len(defs)),
		paths:     make(map[string]string, len(defs)),
		sums:      make(map[string]sumEntry),
	}
	owners := make(map[string]string, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("artifact with empty name")
		}
		if _, dup := s.defs[d.Name]; dup {
			return nil, fmt.Errorf("artifact %q declared twice", d.Name)
		}
		base := s.outputDir
		if d.Kind == KindInput {
			base = s.workDir
		}
		p, err := security.ResolveWithin(base, d.Path)
		if err != nil {
			return nil, fmt.Errorf("artifact %q: %w", d.Name, err)
		}
		if other, ok := owners[p]; ok {
			return nil, fmt.Errorf("artifacts %q and %q share the file %s", other, d.Name, p)
		}
		owners[p] = d.Name
		s.order = append(s.order, d.Name)
		s.defs[d.Name] = d
		s.paths[d.Name] = p
	}
	return s, nil
}

// OutputDir returns the resolved output directory.
func (s *Store) OutputDir() string { return s.outputDir }

// Defs returns the declared artifacts in declaration order.
func (s *Store) Defs() []Def {
	out := make([]Def, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.defs[n])
	}
	return out
}

// Def returns the declaration of name.
func (s *Store) Def(name string) (Def, bool) {
	d, ok := s.defs[name]
	return d, ok
}

// Path returns the committed location of name, or "" if it is not declared.
func (s *Store) Path(name string) string {
	return s.paths[name]
}

// Exists reports whether the committed primary file of name is present.
func (s *Store) Exists(name string) bool {
	p := s.paths[name]
	return p != "" && s.fs.Exists(p)
}

func (s *Store) manifestPath(name string) string {
	return filepath.Join(s.outputDir, manifestDir, name+".json")
}

func (s *Store) stagingDir(name string) string {
	return filepath.Join(s.outputDir, stagingDir, name)
}

// Lookup reads the manifest of a committed artifact. A missing manifest
// yields an error wrapping fs.ErrNotExist.
func (s *Store) Lookup(name string) (*Manifest, error) {
	if _, ok := s.defs[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArtifact, name)
	}
	data, err := s.fs.ReadFile(s.manifestPath(name))
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.manifestPath(name), err)
	}
	return m, nil
}

// Checksum returns the SHA-256 of the primary file of name. Outputs are
// cached until the file's size or modification time changes. Inputs are
// hashed on every call: they are rewritten by other tools, possibly in place
// with the same size inside the filesystem's timestamp resolution.
func (s *Store) Checksum(name string) (string, error) {
	p := s.paths[name]
	if p == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownArtifact, name)
	}
	return s.checksumFile(p, s.defs[name].Kind != KindInput)
}

func (s *Store) checksumFile(p string, memo bool) (string, error) {
	info, err := s.fs.Stat(p)
	if err != nil {
		return "", err
	}
	if memo {
		s.mu.Lock()
		e, ok := s.sums[p]
		s.mu.Unlock()
		if ok && e.size == info.Size() && e.mod.Equal(info.ModTime()) {
			return e.sum, nil
		}
	}

	f, err := s.fs.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", p, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	if memo {
		s.mu.Lock()
		s.sums[p] = sumEntry{size: info.Size(), mod: info.ModTime(), sum: sum}
		s.mu.Unlock()
	}
	return sum, nil
}

func (s *Store) forget(p string) {
	s.mu.Lock()
	delete(s.sums, p)
	s.mu.Unlock()
}

// Committed returns the manifest of name if the manifest exists, every file
// it lists is present and the primary file still has the recorded checksum.
// Otherwise it returns nil and the reason.
func (s *Store) Committed(name string) (*Manifest, string) {
	if _, ok := s.defs[name]; !ok {
		return nil, "not declared"
	}
	if !s.Exists(name) {
		return nil, "missing " + s.paths[name]
	}
	m, err := s.Lookup(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "no manifest"
		}
		return nil, err.Error()
	}
	dir := filepath.Dir(s.paths[name])
	for _, f := range m.Files {
		if !s.fs.Exists(filepath.Join(dir, f)) {
			return nil, "missing file " + f
		}
	}
	sum, err := s.Checksum(name)
	if err != nil {
		return nil, err.Error()
	}
	if sum != m.SHA256 {
		return nil, "checksum changed"
	}
	return m, ""
}

// Valid reports whether the committed artifact satisfies expect, and why not.
// Inputs are valid whenever they exist.
func (s *Store) Valid(name string, expect Expect) (bool, string) {
	d, ok := s.defs[name]
	if !ok {
		return false, "not declared"
	}
	if !s.Exists(name) {
		return false, "missing " + s.paths[name]
	}
	if d.Kind == KindInput {
		return true, ""
	}

	switch expect.Policy {
	case PolicyNever:
		return false, "recompute forced"
	case PolicyExists:
		return true, ""
	}

	m, reason := s.Committed(name)
	if m == nil {
		return false, reason
	}
	if m.Params != expect.Params {
		return false, "parameters changed"
	}
	for in, want := range expect.Inputs {
		if m.Inputs[in] != want {
			return false, "input " + in + " changed"
		}
	}
	if len(m.Inputs) != len(expect.Inputs) {
		return false, "inputs changed"
	}
	return true, ""
}

// Stage returns the staging path a stage must write name to, creating the
// staging directory. Anything already staged for name is removed.
func (s *Store) Stage(name string) (string, error) {
	d, ok := s.defs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownArtifact, name)
	}
	if d.Kind == KindInput {
		return "", fmt.Errorf("artifact %s is an input and cannot be staged", name)
	}
	dir := s.stagingDir(name)
	if err := s.fs.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to clear staging for %s: %w", name, err)
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging for %s: %w", name, err)
	}
	return filepath.Join(dir, filepath.Base(s.paths[name])), nil
}

// Commit moves the staged files of m.Artifact into place and writes its
// manifest. Every file in the artifact's staging directory is moved, so
// vector sidecars travel with the primary file. Files, SHA256, Size and,
// when zero, CreatedAt are filled in.
func (s *Store) Commit(m Manifest) (*Manifest, error) {
	name := m.Artifact
	d, ok := s.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArtifact, name)
	}
	if d.Kind == KindInput {
		return nil, fmt.Errorf("artifact %s is an input and cannot be committed", name)
	}

	final := s.paths[name]
	primary := filepath.Base(final)
	dir := s.stagingDir(name)
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("nothing staged for %s: %w", name, err)
	}
	files := []string{}
	hasPrimary := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == primary {
			hasPrimary = true
			continue
		}
		files = append(files, e.Name())
	}
	if !hasPrimary {
		return nil, fmt.Errorf("stage did not produce %s: %w", filepath.Join(dir, primary), fs.ErrNotExist)
	}
	sort.Strings(files)
	files = append([]string{primary}, files...)

	destDir := filepath.Dir(final)
	if err := s.fs.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", destDir, err)
	}
	if _, onDisk := s.fs.(fsutil.OSFileSystem); onDisk {
		if err := security.ValidatePathWithinDirectory(destDir, s.outputDir); err != nil {
			return nil, fmt.Errorf("refusing to commit %s: %w", name, err)
		}
	}
	for _, f := range files {
		dst := filepath.Join(destDir, f)
		if err := s.fs.Rename(filepath.Join(dir, f), dst); err != nil {
			return nil, fmt.Errorf("failed to commit %s: %w", dst, err)
		}
		s.forget(dst)
	}
	_ = s.fs.RemoveAll(dir)

	info, err := s.fs.Stat(final)
	if err != nil {
		return nil, err
	}
	sum, err := s.checksumFile(final, true)
	if err != nil {
		return nil, err
	}
	m.Files = files
	m.SHA256 = sum
	m.Size = info.Size()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}

	if err := s.writeManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) writeManifest(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	p := s.manifestPath(m.Artifact)
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := s.fs.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", p, err)
	}
	return nil
}

// Discard removes anything staged for names. Committed files are untouched.
func (s *Store) Discard(names ...string) error {
	var errs []error
	for _, n := range names {
		if _, ok := s.defs[n]; !ok {
			continue
		}
		if err := s.fs.RemoveAll(s.stagingDir(n)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CleanStaging removes the whole staging area.
func (s *Store) CleanStaging() error {
	return s.fs.RemoveAll(filepath.Join(s.outputDir, stagingDir))
}
