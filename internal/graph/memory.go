package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/phobologic/kernelgraph/internal/model"
)

// Memory is an in-memory graph. It satisfies Reader and the function
// lookups the impact analyzer needs, and is safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	fns   map[model.FunctionKey]model.Function
	out   map[model.FunctionKey][]model.CallEdge
	in    map[model.FunctionKey][]model.CallEdge
	vars  map[model.FunctionKey][]model.Variable
	flows map[model.FunctionKey][]model.DataFlowEdge
}

// NewMemory returns an empty graph.
func NewMemory() *Memory {
	return &Memory{
		fns:   make(map[model.FunctionKey]model.Function),
		out:   make(map[model.FunctionKey][]model.CallEdge),
		in:    make(map[model.FunctionKey][]model.CallEdge),
		vars:  make(map[model.FunctionKey][]model.Variable),
		flows: make(map[model.FunctionKey][]model.DataFlowEdge),
	}
}

// AddFunction inserts or replaces fn.
func (m *Memory) AddFunction(fn model.Function) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns[fn.Key()] = fn
}

// AddCall records a call edge, adding both endpoints. A repeated edge
// accumulates sites.
func (m *Memory) AddCall(e model.CallEdge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Sites == 0 {
		e.Sites = 1
	}
	if e.Confidence == "" {
		e.Confidence = model.Resolved
	}
	ck, ek := e.Caller.Key(), e.Callee.Key()
	m.fns[ck] = e.Caller
	if _, ok := m.fns[ek]; !ok {
		m.fns[ek] = e.Callee
	}
	for i := range m.out[ck] {
		if m.out[ck][i].Callee.Key() == ek {
			m.out[ck][i].Sites += e.Sites
			for j := range m.in[ek] {
				if m.in[ek][j].Caller.Key() == ck {
					m.in[ek][j].Sites += e.Sites
				}
			}
			return
		}
	}
	m.out[ck] = append(m.out[ck], e)
	m.in[ek] = append(m.in[ek], e)
}

// AddVariable records a variable in its scope.
func (m *Memory) AddVariable(v model.Variable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars[v.Scope] = append(m.vars[v.Scope], v)
}

// AddFlow records a data-flow edge in its scope.
func (m *Memory) AddFlow(f model.DataFlowEdge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[f.Scope] = append(m.flows[f.Scope], f)
}

// Edges implements Reader.
func (m *Memory) Edges(_ context.Context, key model.FunctionKey, dir model.Direction) ([]model.CallEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.out[key]
	if dir == model.Callers {
		src = m.in[key]
	}
	edges := append([]model.CallEdge(nil), src...)
	sort.Slice(edges, func(i, j int) bool {
		return other(edges[i], dir).Key().Less(other(edges[j], dir).Key())
	})
	return edges, nil
}

// Variables implements Reader.
func (m *Memory) Variables(_ context.Context, key model.FunctionKey) ([]model.Variable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Variable(nil), m.vars[key]...), nil
}

// Flows implements Reader.
func (m *Memory) Flows(_ context.Context, key model.FunctionKey) ([]model.DataFlowEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.DataFlowEdge(nil), m.flows[key]...), nil
}

// Function returns the function with key.
func (m *Memory) Function(_ context.Context, key model.FunctionKey) (model.Function, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.fns[key]
	return fn, ok, nil
}

// FunctionsByName returns definitions named name ordered by file, or the
// stub when there is no definition.
func (m *Memory) FunctionsByName(_ context.Context, name string) ([]model.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var defined, stubs []model.Function
	for _, fn := range m.fns {
		if fn.Name != name {
			continue
		}
		switch fn.Kind {
		case model.Defined:
			defined = append(defined, fn)
		case model.Stub:
			stubs = append(stubs, fn)
		}
	}
	if len(defined) == 0 {
		defined = stubs
	}
	sortFunctions(defined)
	return defined, nil
}

// Functions returns the definitions of subsystem, or all of them when
// subsystem is empty.
func (m *Memory) Functions(_ context.Context, subsystem string) ([]model.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var fns []model.Function
	for _, fn := range m.fns {
		if fn.Kind == model.Defined && (subsystem == "" || fn.Subsystem == subsystem) {
			fns = append(fns, fn)
		}
	}
	sortFunctions(fns)
	return fns, nil
}
