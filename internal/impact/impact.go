// Package impact computes the blast radius of changing a function: who
// calls it, what it calls, the call chains leading into it, its variables,
// and a deterministic complexity and risk classification.
package impact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/phobologic/kernelgraph/internal/graph"
	"github.com/phobologic/kernelgraph/internal/model"
)

// Defaults used when the Analyzer leaves a bound unset.
const (
	DefaultMaxDepth = 3
)

// ErrNotFound reports that no function matches a name. It is distinct from
// a Result with empty sets, which describes a real but disconnected
// function.
var ErrNotFound = errors.New("function not found")

// AmbiguousError reports that a name matches functions in several files.
type AmbiguousError struct {
	Name       string
	Candidates []model.Function
}

func (e *AmbiguousError) Error() string {
	files := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		files[i] = c.File
	}
	return fmt.Sprintf("function %q is defined in %d files: %s", e.Name, len(e.Candidates), strings.Join(files, ", "))
}

// Lookup finds functions by name.
type Lookup interface {
	FunctionsByName(ctx context.Context, name string) ([]model.Function, error)
}

// Result is the impact of one target function.
type Result struct {
	TargetFunction    model.Function           `json:"target_function"`
	DirectCallers     []model.Function         `json:"direct_callers"`
	DirectCallees     []model.Function         `json:"direct_callees"`
	IndirectCallers   map[int][]model.Function `json:"indirect_callers"`
	IndirectCallees   map[int][]model.Function `json:"indirect_callees"`
	CallChains        [][]model.Function       `json:"call_chains"`
	ChainsTruncated   bool                     `json:"call_chains_truncated"`
	Variables         []model.Variable         `json:"variables"`
	ComplexityScore   int                      `json:"complexity_score"`
	RiskTier          RiskTier                 `json:"risk_tier"`
	TestCoverageCount *int                     `json:"test_coverage_count"`
	PointerParams     int                      `json:"pointer_params"`
	UnresolvedCallees int                      `json:"unresolved_callees"`
	MaxDepth          int                      `json:"max_depth"`
}

// Analyzer produces Results from a graph. Coverage and Logger may be nil.
type Analyzer struct {
	Reader    graph.Reader
	Lookup    Lookup
	Coverage  CoverageSource
	MaxDepth  int
	MaxChains int
	Logger    *slog.Logger
}

func (a *Analyzer) maxDepth() int {
	if a.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return a.MaxDepth
}

func (a *Analyzer) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.Logger
}

// Resolve finds the single function called name. When file is non-empty
// only functions in that file (or a path ending in it) match. No match
// returns ErrNotFound; several return *AmbiguousError.
func (a *Analyzer) Resolve(ctx context.Context, name, file string) (model.Function, error) {
	fns, err := a.Lookup.FunctionsByName(ctx, name)
	if err != nil {
		return model.Function{}, fmt.Errorf("looking up %s: %w", name, err)
	}
	if file != "" {
		var matched []model.Function
		for _, f := range fns {
			if f.File == file || strings.HasSuffix(f.File, "/"+file) {
				matched = append(matched, f)
			}
		}
		fns = matched
	}
	switch len(fns) {
	case 0:
		return model.Function{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	case 1:
		return fns[0], nil
	}
	return model.Function{}, &AmbiguousError{Name: name, Candidates: fns}
}

// Analyze resolves name (optionally within file) and analyzes it.
func (a *Analyzer) Analyze(ctx context.Context, name, file string) (*Result, error) {
	fn, err := a.Resolve(ctx, name, file)
	if err != nil {
		return nil, err
	}
	return a.AnalyzeFunction(ctx, fn)
}

// AnalyzeAll analyzes every function called name, one Result per file.
func (a *Analyzer) AnalyzeAll(ctx context.Context, name string) ([]*Result, error) {
	fns, err := a.Lookup.FunctionsByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", name, err)
	}
	if len(fns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	results := make([]*Result, 0, len(fns))
	for _, fn := range fns {
		r, err := a.AnalyzeFunction(ctx, fn)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// AnalyzeFunction computes the impact of fn.
func (a *Analyzer) AnalyzeFunction(ctx context.Context, fn model.Function) (*Result, error) {
	depth := a.maxDepth()
	key := fn.Key()

	callers, err := graph.Neighbors(ctx, a.Reader, key, model.Callers, depth)
	if err != nil {
		return nil, err
	}
	callees, err := graph.Neighbors(ctx, a.Reader, key, model.Callees, depth)
	if err != nil {
		return nil, err
	}

	res := &Result{
		TargetFunction:  fn,
		DirectCallers:   []model.Function{},
		DirectCallees:   []model.Function{},
		IndirectCallers: cumulative(callers, depth),
		IndirectCallees: cumulative(callees, depth),
		CallChains:      [][]model.Function{},
		Variables:       []model.Variable{},
		MaxDepth:        depth,
	}
	if len(callers) > 0 && callers[0].Depth == 1 {
		res.DirectCallers = callers[0].Functions
	}
	if len(callees) > 0 && callees[0].Depth == 1 {
		res.DirectCallees = callees[0].Functions
	}
	for _, c := range res.DirectCallees {
		if c.Kind == model.Unresolved {
			res.UnresolvedCallees++
		}
	}

	var sources []model.FunctionKey
	for _, l := range callers {
		for _, f := range l.Functions {
			sources = append(sources, f.Key())
		}
	}
	chains, err := graph.Chains(ctx, a.Reader, sources, key, depth, a.MaxChains)
	if err != nil {
		return nil, err
	}
	if len(chains.Chains) > 0 {
		res.CallChains = chains.Chains
	}
	res.ChainsTruncated = chains.Truncated

	vars, err := graph.Variables(ctx, a.Reader, key)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		res.Variables = vars
	}
	for _, v := range vars {
		if v.IsParameter && v.IsPointer {
			res.PointerParams++
		}
	}

	if a.Coverage != nil {
		count, err := a.Coverage.TestCount(ctx, fn)
		if err != nil {
			return nil, fmt.Errorf("test coverage of %s: %w", key, err)
		}
		res.TestCoverageCount = count
	}

	res.ComplexityScore = len(res.IndirectCallers[depth]) + len(res.IndirectCallees[depth])
	res.RiskTier = Classify(fn.Kind, res.ComplexityScore, res.PointerParams, res.TestCoverageCount)

	a.logger().Debug("analyzed function",
		"function", key.String(),
		"callers", len(res.IndirectCallers[depth]),
		"callees", len(res.IndirectCallees[depth]),
		"chains", len(res.CallChains),
		"risk", res.RiskTier)
	return res, nil
}

// cumulative turns BFS levels into the set reachable within each depth
// 1..max, so the set at d is contained in the set at d+1.
func cumulative(levels []graph.Level, max int) map[int][]model.Function {
	out := make(map[int][]model.Function, max)
	var acc []model.Function
	li := 0
	for d := 1; d <= max; d++ {
		for li < len(levels) && levels[li].Depth == d {
			acc = append(acc, levels[li].Functions...)
			li++
		}
		set := make([]model.Function, len(acc))
		copy(set, acc)
		sortFunctions(set)
		out[d] = set
	}
	return out
}

func sortFunctions(fns []model.Function) {
	sort.Slice(fns, func(i, j int) bool { return fns[i].Key().Less(fns[j].Key()) })
}
