// Package graph answers reachability questions over the call graph:
// callers and callees by depth, call chains into a function, and the
// variables a function declares.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/phobologic/kernelgraph/internal/model"
)

// DefaultMaxChains bounds the number of call chains Chains returns.
const DefaultMaxChains = 100

// Reader is the read side of a graph store.
type Reader interface {
	Edges(ctx context.Context, key model.FunctionKey, dir model.Direction) ([]model.CallEdge, error)
	Variables(ctx context.Context, key model.FunctionKey) ([]model.Variable, error)
	Flows(ctx context.Context, key model.FunctionKey) ([]model.DataFlowEdge, error)
}

// Level holds the functions first reached at Depth hops from the start.
type Level struct {
	Depth     int              `json:"depth"`
	Functions []model.Function `json:"functions"`
}

// ChainSet is the result of a chain search. Truncated reports that the
// search stopped at the chain cap.
type ChainSet struct {
	Chains    [][]model.Function `json:"chains"`
	Truncated bool               `json:"truncated"`
}

func other(e model.CallEdge, dir model.Direction) model.Function {
	if dir == model.Callers {
		return e.Caller
	}
	return e.Callee
}

func sortFunctions(fns []model.Function) {
	sort.Slice(fns, func(i, j int) bool { return fns[i].Key().Less(fns[j].Key()) })
}

// Neighbors walks the graph breadth-first from start in direction dir for
// up to depth hops. Each level lists only functions not seen at a smaller
// depth, sorted by key; the start itself is never reported. Trailing empty
// levels are omitted.
func Neighbors(ctx context.Context, r Reader, start model.FunctionKey, dir model.Direction, depth int) ([]Level, error) {
	visited := map[model.FunctionKey]bool{start: true}
	frontier := []model.FunctionKey{start}
	var levels []Level

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var found []model.Function
		for _, key := range frontier {
			edges, err := r.Edges(ctx, key, dir)
			if err != nil {
				return nil, fmt.Errorf("%s of %s: %w", dir, key, err)
			}
			for _, e := range edges {
				fn := other(e, dir)
				if visited[fn.Key()] {
					continue
				}
				visited[fn.Key()] = true
				found = append(found, fn)
			}
		}
		if len(found) == 0 {
			break
		}
		sortFunctions(found)
		levels = append(levels, Level{Depth: d, Functions: found})

		frontier = frontier[:0]
		for _, fn := range found {
			frontier = append(frontier, fn.Key())
		}
	}
	return levels, nil
}

// Chains enumerates simple call paths from each of sources to target of at
// most maxDepth edges, stopping after maxChains paths. Each chain runs from
// the source to target inclusive. Sources are tried in key order.
func Chains(ctx context.Context, r Reader, sources []model.FunctionKey, target model.FunctionKey, maxDepth, maxChains int) (ChainSet, error) {
	if maxChains <= 0 {
		maxChains = DefaultMaxChains
	}

	// Distance to target along caller edges bounds the forward search.
	dist := map[model.FunctionKey]int{target: 0}
	fns := make(map[model.FunctionKey]model.Function)
	succ := make(map[model.FunctionKey][]model.FunctionKey)
	frontier := []model.FunctionKey{target}
	for d := 1; d <= maxDepth && len(frontier) > 0; d++ {
		var next []model.FunctionKey
		for _, key := range frontier {
			edges, err := r.Edges(ctx, key, model.Callers)
			if err != nil {
				return ChainSet{}, fmt.Errorf("callers of %s: %w", key, err)
			}
			for _, e := range edges {
				fns[e.Callee.Key()] = e.Callee
				ck := e.Caller.Key()
				fns[ck] = e.Caller
				succ[ck] = append(succ[ck], key)
				if _, seen := dist[ck]; !seen {
					dist[ck] = d
					next = append(next, ck)
				}
			}
		}
		frontier = next
	}
	for k := range succ {
		sort.Slice(succ[k], func(i, j int) bool { return succ[k][i].Less(succ[k][j]) })
	}

	ordered := append([]model.FunctionKey(nil), sources...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Less(ordered[j]) })

	var set ChainSet
	type frame struct {
		key  model.FunctionKey
		next int
	}
	for _, src := range ordered {
		if src == target {
			continue
		}
		if d, ok := dist[src]; !ok || d > maxDepth {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ChainSet{}, err
		}

		stack := []frame{{key: src}}
		onPath := map[model.FunctionKey]bool{src: true}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			remaining := maxDepth - (len(stack) - 1)
			if top.key == target {
				if len(set.Chains) == maxChains {
					set.Truncated = true
					return set, nil
				}
				chain := make([]model.Function, len(stack))
				for i, f := range stack {
					chain[i] = fns[f.key]
				}
				set.Chains = append(set.Chains, chain)
				onPath[top.key] = false
				stack = stack[:len(stack)-1]
				continue
			}
			advanced := false
			for top.next < len(succ[top.key]) {
				n := succ[top.key][top.next]
				top.next++
				if onPath[n] || dist[n] > remaining-1 {
					continue
				}
				onPath[n] = true
				stack = append(stack, frame{key: n})
				advanced = true
				break
			}
			if !advanced {
				onPath[top.key] = false
				stack = stack[:len(stack)-1]
			}
		}
	}
	return set, nil
}

// Variables returns the variables of key: parameters in declaration order,
// then locals by name.
func Variables(ctx context.Context, r Reader, key model.FunctionKey) ([]model.Variable, error) {
	vars, err := r.Variables(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("variables of %s: %w", key, err)
	}
	sort.SliceStable(vars, func(i, j int) bool {
		a, b := vars[i], vars[j]
		if a.IsParameter != b.IsParameter {
			return a.IsParameter
		}
		if a.IsParameter {
			return a.Position < b.Position
		}
		return a.Name < b.Name
	})
	return vars, nil
}
