// Package ranking orders the functions of a subsystem by call-graph
// centrality, so the most depended-upon functions surface first.
package ranking

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/phobologic/kernelgraph/internal/graph"
	"github.com/phobologic/kernelgraph/internal/model"
)

// Hotspot is a ranked function with its direct fan-in and fan-out.
type Hotspot struct {
	Function model.Function `json:"function"`
	Rank     float64        `json:"rank"`
	Callers  int            `json:"callers"`
	Callees  int            `json:"callees"`
}

// Hotspots applies PageRank to the call edges among fns and returns the top
// n functions by rank (all of them when n <= 0). Every call site counts as
// one edge, so a function called from many places outranks one called
// once. Ties are broken by key.
func Hotspots(ctx context.Context, r graph.Reader, fns []model.Function, n int) ([]Hotspot, error) {
	if len(fns) == 0 {
		return nil, nil
	}

	nodes := make(map[model.FunctionKey]struct{}, len(fns))
	for _, f := range fns {
		nodes[f.Key()] = struct{}{}
	}

	out := make(map[model.FunctionKey][]model.FunctionKey)
	hot := make([]Hotspot, len(fns))
	for i, f := range fns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		callees, err := r.Edges(ctx, f.Key(), model.Callees)
		if err != nil {
			return nil, fmt.Errorf("callees of %s: %w", f.Key(), err)
		}
		callers, err := r.Edges(ctx, f.Key(), model.Callers)
		if err != nil {
			return nil, fmt.Errorf("callers of %s: %w", f.Key(), err)
		}
		hot[i] = Hotspot{Function: f, Callers: len(callers), Callees: len(callees)}

		for _, e := range callees {
			ck := e.Callee.Key()
			if _, ok := nodes[ck]; !ok || ck == f.Key() {
				continue
			}
			for s := 0; s < max(e.Sites, 1); s++ {
				out[f.Key()] = append(out[f.Key()], ck)
			}
		}
	}

	ranks := pageRank(nodes, out, 0.85, 100, 1e-6)
	for i := range hot {
		hot[i].Rank = ranks[hot[i].Function.Key()]
	}

	sort.Slice(hot, func(i, j int) bool {
		if hot[i].Rank != hot[j].Rank {
			return hot[i].Rank > hot[j].Rank
		}
		return hot[i].Function.Key().Less(hot[j].Function.Key())
	})
	if n > 0 && n < len(hot) {
		hot = hot[:n]
	}
	return hot, nil
}

func pageRank(
	nodes map[model.FunctionKey]struct{},
	out map[model.FunctionKey][]model.FunctionKey,
	alpha float64,
	maxIter int,
	tol float64,
) map[model.FunctionKey]float64 {
	n := len(nodes)
	if n == 0 {
		return nil
	}

	rank := make(map[model.FunctionKey]float64, n)
	initial := 1.0 / float64(n)
	for node := range nodes {
		rank[node] = initial
	}

	teleport := (1.0 - alpha) / float64(n)

	for iter := 0; iter < maxIter; iter++ {
		next := make(map[model.FunctionKey]float64, n)

		// Dangling nodes spread their rank evenly.
		var dangling float64
		for node := range nodes {
			if len(out[node]) == 0 {
				dangling += rank[node]
			}
		}
		base := teleport + alpha*dangling/float64(n)
		for node := range nodes {
			next[node] = base
		}

		for src, targets := range out {
			contrib := alpha * rank[src] / float64(len(targets))
			for _, tgt := range targets {
				next[tgt] += contrib
			}
		}

		var diff float64
		for node := range nodes {
			diff += math.Abs(next[node] - rank[node])
		}
		rank = next
		if diff < tol {
			break
		}
	}
	return rank
}

// FilterByFile returns the functions whose file path contains substr,
// case-insensitively.
func FilterByFile(fns []model.Function, substr string) []model.Function {
	lower := strings.ToLower(substr)
	var matched []model.Function
	for _, f := range fns {
		if strings.Contains(strings.ToLower(f.File), lower) {
			matched = append(matched, f)
		}
	}
	return matched
}

// FilterByName returns the functions whose name contains substr,
// case-insensitively.
func FilterByName(fns []model.Function, substr string) []model.Function {
	lower := strings.ToLower(substr)
	var matched []model.Function
	for _, f := range fns {
		if strings.Contains(strings.ToLower(f.Name), lower) {
			matched = append(matched, f)
		}
	}
	return matched
}
