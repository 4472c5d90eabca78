package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/banshee-data/terrain.covariates/internal/engine"
)

// Stage is one step of the pipeline. Inputs and Outputs name artifacts; Params
// is fingerprinted into every output manifest so a parameter change
// invalidates the outputs.
type Stage struct {
	Name    string
	Inputs  []string
	Outputs []string
	Params  any

	// Ready reports a configuration problem that prevents the stage from running.
	Ready func() error

	Run func(ctx context.Context, x *Exec) error
}

// Fingerprint returns the SHA-256 of the stage's parameters encoded as JSON.
func (s *Stage) Fingerprint() (string, error) {
	data, err := json.Marshal(struct {
		Stage  string `json:"stage"`
		Params any    `json:"params"`
	}{s.Name, s.Params})
	if err != nil {
		return "", fmt.Errorf("failed to encode %s parameters: %w", s.Name, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Exec is what a running stage sees: committed input paths, staging output
// paths, the engine and a stage-scoped logger.
type Exec struct {
	Stage  string
	Engine engine.Engine
	Logger *zap.Logger

	in       map[string]string
	out      map[string]string
	counters map[string]int
}

// In returns the committed path of an input artifact.
func (x *Exec) In(name string) string {
	p, ok := x.in[name]
	if !ok {
		panic(fmt.Sprintf("stage %s did not declare input %s", x.Stage, name))
	}
	return p
}

// Out returns the staging path an output artifact must be written to.
func (x *Exec) Out(name string) string {
	p, ok := x.out[name]
	if !ok {
		panic(fmt.Sprintf("stage %s did not declare output %s", x.Stage, name))
	}
	return p
}

// Count records a named figure for the stage result, such as flagged cells.
func (x *Exec) Count(key string, n int) {
	if x.counters == nil {
		x.counters = map[string]int{}
	}
	x.counters[key] = n
}

// graph is the validated stage DAG.
type graph struct {
	stages   []*Stage // topological, declaration order breaks ties
	byName   map[string]*Stage
	producer map[string]*Stage
	index    map[string]int
}

// newGraph checks that every artifact has at most one producer, every input
// is either produced or external, and there are no cycles.
func newGraph(stages []*Stage, external map[string]bool) (*graph, error) {
	g := &graph{
		byName:   make(map[string]*Stage, len(stages)),
		producer: make(map[string]*Stage),
		index:    make(map[string]int, len(stages)),
	}
	declared := make(map[string]int, len(stages))
	for i, s := range stages {
		if _, dup := g.byName[s.Name]; dup {
			return nil, fmt.Errorf("stage %q declared twice", s.Name)
		}
		g.byName[s.Name] = s
		declared[s.Name] = i
		for _, out := range s.Outputs {
			if external[out] {
				return nil, fmt.Errorf("stage %s cannot produce input artifact %s", s.Name, out)
			}
			if p, dup := g.producer[out]; dup {
				return nil, fmt.Errorf("artifact %s is produced by both %s and %s", out, p.Name, s.Name)
			}
			g.producer[out] = s
		}
	}
	for _, s := range stages {
		for _, in := range s.Inputs {
			if _, ok := g.producer[in]; !ok && !external[in] {
				return nil, fmt.Errorf("stage %s reads %s, which no enabled stage produces", s.Name, in)
			}
		}
	}

	// Kahn's algorithm, always taking the earliest declared ready stage.
	indeg := make(map[string]int, len(stages))
	for _, s := range stages {
		indeg[s.Name] = len(g.upstream(s))
	}
	var ready []*Stage
	for _, s := range stages {
		if indeg[s.Name] == 0 {
			ready = append(ready, s)
		}
	}
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return declared[ready[i].Name] < declared[ready[j].Name] })
		s := ready[0]
		ready = ready[1:]
		g.index[s.Name] = len(g.stages)
		g.stages = append(g.stages, s)
		for _, d := range stages {
			for _, u := range g.upstream(d) {
				if u == s {
					indeg[d.Name]--
					if indeg[d.Name] == 0 {
						ready = append(ready, d)
					}
				}
			}
		}
	}
	if len(g.stages) != len(stages) {
		return nil, fmt.Errorf("stage graph has a cycle")
	}
	return g, nil
}

// upstream returns the distinct stages producing s's inputs.
func (g *graph) upstream(s *Stage) []*Stage {
	var out []*Stage
	seen := map[*Stage]bool{}
	for _, in := range s.Inputs {
		if p, ok := g.producer[in]; ok && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// closure returns the targets and everything upstream of them in
// topological order, plus the input checks covering what they read. No
// targets means every stage.
func (g *graph) closure(targets []string) ([]*Stage, error) {
	if len(targets) == 0 {
		return append([]*Stage(nil), g.stages...), nil
	}
	want := map[string]bool{}
	var visit func(s *Stage)
	visit = func(s *Stage) {
		if want[s.Name] {
			return
		}
		want[s.Name] = true
		for _, u := range g.upstream(s) {
			visit(u)
		}
	}
	for _, t := range targets {
		s, ok := g.byName[t]
		if !ok {
			return nil, fmt.Errorf("unknown or disabled stage %q", t)
		}
		visit(s)
	}
	// Check-only stages join whenever a selected stage reads what they check.
	read := map[string]bool{}
	for name := range want {
		for _, in := range g.byName[name].Inputs {
			read[in] = true
		}
	}
	for _, s := range g.stages {
		if len(s.Outputs) > 0 || len(s.Inputs) == 0 {
			continue
		}
		all := true
		for _, in := range s.Inputs {
			all = all && read[in]
		}
		if all {
			want[s.Name] = true
		}
	}
	var out []*Stage
	for _, s := range g.stages {
		if want[s.Name] {
			out = append(out, s)
		}
	}
	return out, nil
}

// waves groups an ordered stage list into levels: a stage sits one level
// above the deepest of its upstream stages within the list.
func (g *graph) waves(stages []*Stage) [][]*Stage {
	level := map[string]int{}
	var out [][]*Stage
	for _, s := range stages {
		l := 0
		for _, u := range g.upstream(s) {
			if ul, ok := level[u.Name]; ok && ul+1 > l {
				l = ul + 1
			}
		}
		level[s.Name] = l
		for len(out) <= l {
			out = append(out, nil)
		}
		out[l] = append(out[l], s)
	}
	return out
}
