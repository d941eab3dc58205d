package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/kernelgraph/internal/model"
)

func openTestStore(t *testing.T) (*Store, *Writer) {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	w, err := s.NewWriter()
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return s, w
}

func def(name, file string, storage model.StorageClass) model.Function {
	return model.Function{
		Name:      name,
		File:      file,
		Kind:      model.Defined,
		StartLine: 10,
		EndLine:   20,
		Signature: "int " + name + "(void)",
		Storage:   storage,
		Subsystem: "fs/x",
	}
}

func call(callee string) model.CallFact {
	return model.CallFact{Callee: callee, Confidence: model.Resolved, Sites: 1, Line: 12}
}

func file(path string, fns ...model.FunctionFacts) *model.FileFacts {
	return &model.FileFacts{Path: path, Functions: fns}
}

func commitRun(t *testing.T, w *Writer, files ...*model.FileFacts) string {
	t.Helper()
	ctx := context.Background()
	runID, err := w.BeginRun(ctx, "fs/x")
	require.NoError(t, err)
	var present []string
	for _, f := range files {
		require.NoError(t, w.CommitFile(ctx, runID, f))
		present = append(present, f.Path)
	}
	_, err = w.Prune(ctx, present)
	require.NoError(t, err)
	_, err = w.Reconcile(ctx)
	require.NoError(t, err)
	require.NoError(t, w.FinishRun(ctx, runID, len(files), 0))
	return runID
}

func callees(t *testing.T, s *Store, key model.FunctionKey) []model.CallEdge {
	t.Helper()
	edges, err := s.Edges(context.Background(), key, model.Callees)
	require.NoError(t, err)
	return edges
}

func TestOpenUnavailable(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing", "dir", "graph.db"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "err = %v", err)
}

func TestCommitFileIdempotent(t *testing.T) {
	s, w := openTestStore(t)
	ctx := context.Background()

	facts := func() []*model.FileFacts {
		return []*model.FileFacts{
			file("fs/x/a.c",
				model.FunctionFacts{
					Function: def("a_entry", "fs/x/a.c", model.Global),
					Calls: []model.CallFact{
						{Callee: "a_helper", CalleeFile: "fs/x/a.c", Confidence: model.Resolved, Sites: 2, Line: 11},
						call("b_work"),
						{Callee: "ops->run", Confidence: model.Placeholder, Sites: 1, Line: 13},
					},
					Variables: []model.Variable{
						{Name: "inode", Scope: model.FunctionKey{Name: "a_entry", File: "fs/x/a.c"}, Type: "struct inode *", IsParameter: true, IsPointer: true},
						{Name: "err", Scope: model.FunctionKey{Name: "a_entry", File: "fs/x/a.c"}, Type: "int"},
					},
					Flows: []model.FlowFact{{From: "inode", To: "err", Kind: model.Assignment, Line: 14, Sites: 1}},
				},
				model.FunctionFacts{Function: def("a_helper", "fs/x/a.c", model.Static)},
			),
			file("fs/x/b.c", model.FunctionFacts{Function: def("b_work", "fs/x/b.c", model.Global)}),
		}
	}

	commitRun(t, w, facts()...)
	first, err := s.Counts(ctx)
	require.NoError(t, err)
	firstEdges := callees(t, s, model.FunctionKey{Name: "a_entry", File: "fs/x/a.c"})

	commitRun(t, w, facts()...)
	second, err := s.Counts(ctx)
	require.NoError(t, err)
	secondEdges := callees(t, s, model.FunctionKey{Name: "a_entry", File: "fs/x/a.c"})

	assert.Equal(t, first, second)
	assert.Equal(t, firstEdges, secondEdges)
	assert.Equal(t, Counts{Functions: 3, Placeholders: 1, Variables: 2, Calls: 3, Flows: 1, Files: 2}, second)
}

func TestStubMergedOnDefinition(t *testing.T) {
	s, w := openTestStore(t)
	ctx := context.Background()
	runID, err := w.BeginRun(ctx, "fs/x")
	require.NoError(t, err)

	caller := model.FunctionFacts{Function: def("caller", "fs/x/a.c", model.Global), Calls: []model.CallFact{call("foo")}}
	require.NoError(t, w.CommitFile(ctx, runID, file("fs/x/a.c", caller)))

	stubs, err := s.FunctionsByName(ctx, "foo")
	require.NoError(t, err)
	require.Len(t, stubs, 1)
	assert.Equal(t, model.Stub, stubs[0].Kind)
	assert.Equal(t, "", stubs[0].File)

	require.NoError(t, w.CommitFile(ctx, runID, file("fs/x/b.c", model.FunctionFacts{Function: def("foo", "fs/x/b.c", model.Global)})))

	fns, err := s.FunctionsByName(ctx, "foo")
	require.NoError(t, err)
	require.Len(t, fns, 1)
	assert.Equal(t, model.Defined, fns[0].Kind)

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Stubs)

	edges := callees(t, s, model.FunctionKey{Name: "caller", File: "fs/x/a.c"})
	require.Len(t, edges, 1)
	assert.Equal(t, "fs/x/b.c", edges[0].Callee.File)
	assert.Equal(t, model.Resolved, edges[0].Confidence)
}

func TestCalleeResolutionPrefersSingleGlobal(t *testing.T) {
	s, w := openTestStore(t)

	commitRun(t, w,
		file("fs/x/b.c", model.FunctionFacts{Function: def("foo", "fs/x/b.c", model.Static)}),
		file("fs/x/c.c", model.FunctionFacts{Function: def("foo", "fs/x/c.c", model.Global)}),
		file("fs/x/a.c", model.FunctionFacts{Function: def("caller", "fs/x/a.c", model.Global), Calls: []model.CallFact{call("foo")}}),
	)

	edges := callees(t, s, model.FunctionKey{Name: "caller", File: "fs/x/a.c"})
	require.Len(t, edges, 1)
	assert.Equal(t, "fs/x/c.c", edges[0].Callee.File)
	assert.Equal(t, model.Resolved, edges[0].Confidence)
}

func TestCalleeResolutionAmbiguousGlobals(t *testing.T) {
	s, w := openTestStore(t)

	commitRun(t, w,
		file("fs/x/c.c", model.FunctionFacts{Function: def("foo", "fs/x/c.c", model.Global)}),
		file("fs/x/b.c", model.FunctionFacts{Function: def("foo", "fs/x/b.c", model.Global)}),
		file("fs/x/a.c", model.FunctionFacts{Function: def("caller", "fs/x/a.c", model.Global), Calls: []model.CallFact{call("foo")}}),
	)

	edges := callees(t, s, model.FunctionKey{Name: "caller", File: "fs/x/a.c"})
	require.Len(t, edges, 1)
	assert.Equal(t, "fs/x/b.c", edges[0].Callee.File)
	assert.Equal(t, model.Heuristic, edges[0].Confidence)
}

func TestCalleeResolutionSkipsOtherUnitsStatics(t *testing.T) {
	for _, order := range [][]string{{"fs/x/a.c", "fs/x/b.c"}, {"fs/x/b.c", "fs/x/a.c"}} {
		t.Run(order[0], func(t *testing.T) {
			s, w := openTestStore(t)
			files := map[string]*model.FileFacts{
				"fs/x/a.c": file("fs/x/a.c", model.FunctionFacts{Function: def("caller", "fs/x/a.c", model.Global), Calls: []model.CallFact{call("helper")}}),
				"fs/x/b.c": file("fs/x/b.c", model.FunctionFacts{Function: def("helper", "fs/x/b.c", model.Static)}),
			}
			commitRun(t, w, files[order[0]], files[order[1]])

			edges := callees(t, s, model.FunctionKey{Name: "caller", File: "fs/x/a.c"})
			require.Len(t, edges, 1)
			assert.Equal(t, "", edges[0].Callee.File)
			assert.Equal(t, model.Stub, edges[0].Callee.Kind)

			callers, err := s.Edges(context.Background(), model.FunctionKey{Name: "helper", File: "fs/x/b.c"}, model.Callers)
			require.NoError(t, err)
			assert.Empty(t, callers)
		})
	}
}

func TestCalleeResolutionOwnStaticShadowsGlobal(t *testing.T) {
	s, w := openTestStore(t)

	commitRun(t, w,
		file("fs/x/b.c", model.FunctionFacts{Function: def("foo", "fs/x/b.c", model.Global)}),
		file("fs/x/a.c",
			model.FunctionFacts{Function: def("foo", "fs/x/a.c", model.Static)},
			model.FunctionFacts{Function: def("caller", "fs/x/a.c", model.Global), Calls: []model.CallFact{call("foo")}},
		),
	)

	edges := callees(t, s, model.FunctionKey{Name: "caller", File: "fs/x/a.c"})
	require.Len(t, edges, 1)
	assert.Equal(t, "fs/x/a.c", edges[0].Callee.File)
	assert.Equal(t, model.Resolved, edges[0].Confidence)
}

func TestReconcileIndependentOfCommitOrder(t *testing.T) {
	s, w := openTestStore(t)
	ctx := context.Background()

	runID, err := w.BeginRun(ctx, "fs/x")
	require.NoError(t, err)
	for _, f := range []*model.FileFacts{
		file("fs/x/a.c", model.FunctionFacts{Function: def("caller", "fs/x/a.c", model.Global), Calls: []model.CallFact{call("foo")}}),
		file("fs/x/c.c", model.FunctionFacts{Function: def("foo", "fs/x/c.c", model.Global)}),
		file("fs/x/b.c", model.FunctionFacts{Function: def("foo", "fs/x/b.c", model.Global)}),
	} {
		require.NoError(t, w.CommitFile(ctx, runID, f))
	}

	// The stub was merged into the first definition to arrive.
	edges := callees(t, s, model.FunctionKey{Name: "caller", File: "fs/x/a.c"})
	require.Len(t, edges, 1)
	assert.Equal(t, "fs/x/c.c", edges[0].Callee.File)

	moved, err := w.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	edges = callees(t, s, model.FunctionKey{Name: "caller", File: "fs/x/a.c"})
	require.Len(t, edges, 1)
	assert.Equal(t, "fs/x/b.c", edges[0].Callee.File)
	assert.Equal(t, model.Heuristic, edges[0].Confidence)
}

func TestHeuristicFactStaysHeuristic(t *testing.T) {
	s, w := openTestStore(t)

	commitRun(t, w,
		file("fs/x/b.c", model.FunctionFacts{Function: def("handler", "fs/x/b.c", model.Global)}),
		file("fs/x/a.c", model.FunctionFacts{
			Function: def("dispatch", "fs/x/a.c", model.Global),
			Calls:    []model.CallFact{{Callee: "handler", Confidence: model.Heuristic, Sites: 1, Line: 3}},
		}),
	)

	edges := callees(t, s, model.FunctionKey{Name: "dispatch", File: "fs/x/a.c"})
	require.Len(t, edges, 1)
	assert.Equal(t, model.Heuristic, edges[0].Confidence)
}

func TestPlaceholderNotReturnedByName(t *testing.T) {
	s, w := openTestStore(t)
	ctx := context.Background()

	commitRun(t, w, file("fs/x/a.c", model.FunctionFacts{
		Function: def("f", "fs/x/a.c", model.Global),
		Calls:    []model.CallFact{{Callee: "cb", Confidence: model.Placeholder, Sites: 3, Line: 5}},
	}))

	fns, err := s.FunctionsByName(ctx, "cb")
	require.NoError(t, err)
	assert.Empty(t, fns)

	edges := callees(t, s, model.FunctionKey{Name: "f", File: "fs/x/a.c"})
	require.Len(t, edges, 1)
	assert.Equal(t, model.UnresolvedFile, edges[0].Callee.File)
	assert.Equal(t, model.Unresolved, edges[0].Callee.Kind)
	assert.Equal(t, model.Placeholder, edges[0].Confidence)
	assert.Equal(t, 3, edges[0].Sites)
}

func TestPruneRemovesMissingFiles(t *testing.T) {
	s, w := openTestStore(t)
	ctx := context.Background()

	a := file("fs/x/a.c", model.FunctionFacts{Function: def("caller", "fs/x/a.c", model.Global), Calls: []model.CallFact{call("foo")}})
	b := file("fs/x/b.c", model.FunctionFacts{Function: def("foo", "fs/x/b.c", model.Global)})
	commitRun(t, w, a, b)

	runID, err := w.BeginRun(ctx, "fs/x")
	require.NoError(t, err)
	require.NoError(t, w.CommitFile(ctx, runID, a))
	pruned, err := w.Prune(ctx, []string{"fs/x/a.c"})
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Functions)
	assert.Equal(t, 1, c.Stubs)
	assert.Equal(t, 1, c.Files)

	edges := callees(t, s, model.FunctionKey{Name: "caller", File: "fs/x/a.c"})
	require.Len(t, edges, 1)
	assert.Equal(t, model.Stub, edges[0].Callee.Kind)
}

func TestCommitFileRemovesStaleFunctions(t *testing.T) {
	s, w := openTestStore(t)
	ctx := context.Background()

	commitRun(t, w, file("fs/x/a.c",
		model.FunctionFacts{Function: def("x", "fs/x/a.c", model.Global)},
		model.FunctionFacts{Function: def("y", "fs/x/a.c", model.Global)},
	))
	commitRun(t, w, file("fs/x/a.c", model.FunctionFacts{Function: def("x", "fs/x/a.c", model.Global)}))

	_, found, err := s.Function(ctx, model.FunctionKey{Name: "y", File: "fs/x/a.c"})
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Function(ctx, model.FunctionKey{Name: "x", File: "fs/x/a.c"})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestVariablesAndFlowsReplaced(t *testing.T) {
	s, w := openTestStore(t)
	ctx := context.Background()
	key := model.FunctionKey{Name: "copy", File: "fs/x/a.c"}

	vars := []model.Variable{
		{Name: "b", Scope: key, Type: "int", Position: 0},
		{Name: "a", Scope: key, Type: "int", IsParameter: true, Position: 0},
	}
	commitRun(t, w, file("fs/x/a.c", model.FunctionFacts{
		Function:  def("copy", "fs/x/a.c", model.Global),
		Variables: vars,
		Flows:     []model.FlowFact{{From: "a", To: "b", Kind: model.Initializer, Line: 3, Sites: 1}},
	}))

	got, err := s.Variables(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.True(t, got[0].IsParameter)

	flows, err := s.Flows(ctx, key)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, model.DataFlowEdge{Scope: key, From: "a", To: "b", Kind: model.Initializer, Line: 3, Sites: 1}, flows[0])

	commitRun(t, w, file("fs/x/a.c", model.FunctionFacts{
		Function:  def("copy", "fs/x/a.c", model.Global),
		Variables: vars[1:],
	}))

	got, err = s.Variables(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	flows, err = s.Flows(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, flows)
}

func TestMarkFailedKeepsFacts(t *testing.T) {
	s, w := openTestStore(t)
	ctx := context.Background()

	commitRun(t, w, file("fs/x/a.c", model.FunctionFacts{Function: def("x", "fs/x/a.c", model.Global)}))

	runID, err := w.BeginRun(ctx, "fs/x")
	require.NoError(t, err)
	require.NoError(t, w.MarkFailed(ctx, runID, "fs/x/a.c", errors.New("preprocessing failed")))
	_, err = w.Prune(ctx, []string{"fs/x/a.c"})
	require.NoError(t, err)

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Functions)
	assert.Equal(t, 1, c.FailedFiles)
}

func TestSearch(t *testing.T) {
	s, w := openTestStore(t)

	commitRun(t, w, file("fs/x/a.c",
		model.FunctionFacts{Function: def("ext4_map_blocks", "fs/x/a.c", model.Global)},
		model.FunctionFacts{Function: def("ext4_map", "fs/x/a.c", model.Global)},
		model.FunctionFacts{Function: def("unrelated", "fs/x/a.c", model.Global)},
	))

	fns, err := s.Search(context.Background(), "map", 10)
	require.NoError(t, err)
	require.Len(t, fns, 2)
	assert.Equal(t, "ext4_map", fns[0].Name)
}
