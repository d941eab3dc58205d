package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/phobologic/kernelgraph/internal/model"
)

// Writer applies ingestion results. It owns one connection and is not safe
// for concurrent use; ingestion funnels all facts through a single Writer.
type Writer struct {
	conn      *sqlite.Conn
	subsystem string
}

// NewWriter opens the write connection.
func (s *Store) NewWriter() (*Writer, error) {
	conn, err := openConn(s.path)
	if err != nil {
		return nil, err
	}
	return &Writer{conn: conn}, nil
}

// Close closes the write connection.
func (w *Writer) Close() error {
	return w.conn.Close()
}

func (w *Writer) tx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	defer w.conn.SetInterrupt(w.conn.SetInterrupt(ctx.Done()))
	endFn, err := sqlitex.ImmediateTransaction(w.conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endFn(&err)
	return fn(w.conn)
}

// BeginRun records the start of an ingestion of subsystem and returns its id.
func (w *Writer) BeginRun(ctx context.Context, subsystem string) (string, error) {
	id := uuid.NewString()
	w.subsystem = subsystem
	err := w.tx(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `INSERT INTO runs (id, subsystem, started_at) VALUES (?, ?, ?)`, nil,
			id, subsystem, time.Now().UTC().Format(time.RFC3339))
	})
	if err != nil {
		return "", fmt.Errorf("recording run: %w", err)
	}
	return id, nil
}

// FinishRun records the outcome tally of a run.
func (w *Writer) FinishRun(ctx context.Context, runID string, ok, failed int) error {
	return w.tx(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `UPDATE runs SET finished_at = ?, files_ok = ?, files_failed = ? WHERE id = ?`, nil,
			time.Now().UTC().Format(time.RFC3339), ok, failed, runID)
	})
}

// CommitFile replaces everything previously recorded for the translation
// unit facts.Path with facts, in one transaction. Functions the unit no
// longer defines are removed; their callers are re-pointed to stubs.
func (w *Writer) CommitFile(ctx context.Context, runID string, facts *model.FileFacts) error {
	return w.tx(ctx, func(conn *sqlite.Conn) error {
		byKey := make(map[model.FunctionKey]int64, len(facts.Functions))
		for i := range facts.Functions {
			f := facts.Functions[i].Function
			id, err := upsertFunction(conn, f, facts.Path, runID)
			if err != nil {
				return fmt.Errorf("upserting %s: %w", f.Key(), err)
			}
			byKey[f.Key()] = id
			// Other translation units cannot link against a static.
			if f.Storage == model.Static {
				continue
			}
			if err := mergeStub(conn, f.Name, id); err != nil {
				return fmt.Errorf("merging stub %s: %w", f.Name, err)
			}
		}

		if err := removeStale(conn, facts.Path, runID); err != nil {
			return err
		}

		for i := range facts.Functions {
			ff := &facts.Functions[i]
			id := byKey[ff.Function.Key()]
			varIDs, err := replaceVariables(conn, id, ff.Variables)
			if err != nil {
				return fmt.Errorf("variables of %s: %w", ff.Function.Key(), err)
			}
			if err := replaceCalls(conn, id, facts.Path, ff.Calls, byKey); err != nil {
				return fmt.Errorf("calls of %s: %w", ff.Function.Key(), err)
			}
			if err := replaceFlows(conn, varIDs, ff.Flows); err != nil {
				return fmt.Errorf("flows of %s: %w", ff.Function.Key(), err)
			}
		}

		return exec(conn, `
INSERT INTO files (path, subsystem, last_run, status, functions, warnings, error)
VALUES (?, ?, ?, 'ok', ?, ?, '')
ON CONFLICT (path) DO UPDATE SET
    subsystem = excluded.subsystem, last_run = excluded.last_run, status = 'ok',
    functions = excluded.functions, warnings = excluded.warnings, error = ''`, nil,
			facts.Path, w.subsystem, runID, len(facts.Functions), len(facts.Warnings))
	})
}

// MarkFailed records that path could not be processed in this run. Facts
// from earlier runs are kept.
func (w *Writer) MarkFailed(ctx context.Context, runID, path string, cause error) error {
	return w.tx(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `
INSERT INTO files (path, subsystem, last_run, status, error)
VALUES (?, ?, ?, 'failed', ?)
ON CONFLICT (path) DO UPDATE SET last_run = excluded.last_run, status = 'failed', error = excluded.error`, nil,
			path, w.subsystem, runID, cause.Error())
	})
}

// Prune removes the functions of translation units of the current subsystem
// that are not in present, then drops stubs and placeholders nothing calls.
// It returns the number of defined functions removed.
func (w *Writer) Prune(ctx context.Context, present []string) (int, error) {
	keep := make(map[string]bool, len(present))
	for _, p := range present {
		keep[p] = true
	}
	pruned := 0
	err := w.tx(ctx, func(conn *sqlite.Conn) error {
		var gone []string
		err := exec(conn, `SELECT DISTINCT tu FROM functions WHERE subsystem = ? AND kind = 'defined' AND tu != ''`,
			func(stmt *sqlite.Stmt) error {
				if tu := stmt.ColumnText(0); !keep[tu] {
					gone = append(gone, tu)
				}
				return nil
			}, w.subsystem)
		if err != nil {
			return err
		}

		for _, tu := range gone {
			ids, err := queryIDs(conn, `SELECT id FROM functions WHERE tu = ? AND kind = 'defined'`, tu)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := deleteFunction(conn, id); err != nil {
					return err
				}
			}
			pruned += len(ids)
			if err := exec(conn, `DELETE FROM files WHERE path = ?`, nil, tu); err != nil {
				return err
			}
		}

		return exec(conn, `
DELETE FROM functions
WHERE kind IN ('stub', 'unresolved')
  AND NOT EXISTS (SELECT 1 FROM calls WHERE calls.callee_id = functions.id)`, nil)
	})
	return pruned, err
}

// Reconcile re-resolves call edges that were not bound inside their own
// translation unit, so the graph does not depend on the order files were
// committed in. It returns the number of edges moved.
func (w *Writer) Reconcile(ctx context.Context) (int, error) {
	type edge struct {
		caller, callee int64
		name, tu       string
		sites, line    int
		alias          bool
		confidence     model.Confidence
	}
	moved := 0
	err := w.tx(ctx, func(conn *sqlite.Conn) error {
		var edges []edge
		err := exec(conn, `
SELECT c.caller_id, c.callee_id, f.name, c.site_count, c.first_line, c.via_alias, c.confidence, cf.tu
FROM calls c
JOIN functions f ON f.id = c.callee_id
JOIN functions cf ON cf.id = c.caller_id
WHERE c.same_tu = 0
  AND f.kind != 'unresolved'
  AND ((SELECT COUNT(*) FROM functions d WHERE d.name = f.name AND d.kind = 'defined')
        > CASE WHEN f.kind = 'defined' THEN 1 ELSE 0 END
    OR (f.kind = 'defined' AND f.storage = 'static' AND f.tu != cf.tu))`,
			func(stmt *sqlite.Stmt) error {
				edges = append(edges, edge{
					caller:     stmt.ColumnInt64(0),
					callee:     stmt.ColumnInt64(1),
					name:       stmt.ColumnText(2),
					sites:      stmt.ColumnInt(3),
					line:       stmt.ColumnInt(4),
					alias:      stmt.ColumnInt(5) != 0,
					confidence: model.Confidence(stmt.ColumnText(6)),
					tu:         stmt.ColumnText(7),
				})
				return nil
			})
		if err != nil {
			return err
		}

		for _, e := range edges {
			target, conf, ok, err := pick(conn, e.name, e.tu)
			if err != nil {
				return err
			}
			if !ok {
				if target, err = ensureNode(conn, e.name, "", model.Stub); err != nil {
					return err
				}
				conf = model.Resolved
			}
			if e.alias {
				conf = weaker(conf, model.Heuristic)
			}
			if target == e.callee {
				if conf != e.confidence {
					if err := exec(conn, `UPDATE calls SET confidence = ? WHERE caller_id = ? AND callee_id = ?`, nil,
						string(conf), e.caller, e.callee); err != nil {
						return err
					}
				}
				continue
			}
			if err := addEdge(conn, e.caller, target, e.sites, conf, e.line, e.alias, false); err != nil {
				return err
			}
			if err := exec(conn, `DELETE FROM calls WHERE caller_id = ? AND callee_id = ?`, nil, e.caller, e.callee); err != nil {
				return err
			}
			moved++
		}

		return exec(conn, `
DELETE FROM functions
WHERE kind = 'stub'
  AND name IN (SELECT name FROM functions WHERE kind = 'defined')
  AND NOT EXISTS (SELECT 1 FROM calls WHERE calls.callee_id = functions.id)`, nil)
	})
	return moved, err
}

func upsertFunction(conn *sqlite.Conn, f model.Function, tu, runID string) (int64, error) {
	var id int64
	err := exec(conn, `
INSERT INTO functions (name, file, kind, start_line, end_line, signature, storage, subsystem, tu, last_run)
VALUES (?, ?, 'defined', ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name, file) DO UPDATE SET
    kind = 'defined', start_line = excluded.start_line, end_line = excluded.end_line,
    signature = excluded.signature, storage = excluded.storage, subsystem = excluded.subsystem,
    tu = excluded.tu, last_run = excluded.last_run
RETURNING id`,
		func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnInt64(0)
			return nil
		},
		f.Name, f.File, f.StartLine, f.EndLine, f.Signature, string(f.Storage), f.Subsystem, tu, runID)
	return id, err
}

// ensureNode returns the id of the (name, file) node, creating it with kind
// if it does not exist.
func ensureNode(conn *sqlite.Conn, name, file string, kind model.FunctionKind) (int64, error) {
	var id int64
	err := exec(conn, `
INSERT INTO functions (name, file, kind) VALUES (?, ?, ?)
ON CONFLICT (name, file) DO UPDATE SET kind = kind
RETURNING id`,
		func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnInt64(0)
			return nil
		}, name, file, string(kind))
	return id, err
}

// mergeStub folds the forward-reference stub for name into the definition id.
func mergeStub(conn *sqlite.Conn, name string, id int64) error {
	stubs, err := queryIDs(conn, `SELECT id FROM functions WHERE name = ? AND file = '' AND kind = 'stub'`, name)
	if err != nil || len(stubs) == 0 {
		return err
	}
	stub := stubs[0]
	err = exec(conn, `
INSERT INTO calls (caller_id, callee_id, site_count, confidence, first_line, via_alias, same_tu)
SELECT caller_id, ?, site_count, CASE WHEN via_alias THEN 'heuristic' ELSE 'resolved' END, first_line, via_alias, 0
FROM calls WHERE callee_id = ?
ON CONFLICT (caller_id, callee_id) DO UPDATE SET site_count = calls.site_count + excluded.site_count`, nil, id, stub)
	if err != nil {
		return err
	}
	return exec(conn, `DELETE FROM functions WHERE id = ?`, nil, stub)
}

// deleteFunction removes a definition. Calls into it from other functions
// are re-pointed to a stub of the same name.
func deleteFunction(conn *sqlite.Conn, id int64) error {
	var name string
	var callers int
	err := exec(conn, `
SELECT f.name, (SELECT COUNT(*) FROM calls c WHERE c.callee_id = f.id AND c.caller_id != f.id)
FROM functions f WHERE f.id = ?`,
		func(stmt *sqlite.Stmt) error {
			name = stmt.ColumnText(0)
			callers = stmt.ColumnInt(1)
			return nil
		}, id)
	if err != nil {
		return err
	}
	if callers > 0 {
		stub, err := ensureNode(conn, name, "", model.Stub)
		if err != nil {
			return err
		}
		err = exec(conn, `
INSERT INTO calls (caller_id, callee_id, site_count, confidence, first_line, via_alias, same_tu)
SELECT caller_id, ?, site_count, CASE WHEN via_alias THEN 'heuristic' ELSE 'resolved' END, first_line, via_alias, 0
FROM calls WHERE callee_id = ? AND caller_id != ?
ON CONFLICT (caller_id, callee_id) DO UPDATE SET site_count = calls.site_count + excluded.site_count`, nil, stub, id, id)
		if err != nil {
			return err
		}
	}
	return exec(conn, `DELETE FROM functions WHERE id = ?`, nil, id)
}

func removeStale(conn *sqlite.Conn, tu, runID string) error {
	ids, err := queryIDs(conn, `SELECT id FROM functions WHERE tu = ? AND kind = 'defined' AND last_run != ?`, tu, runID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := deleteFunction(conn, id); err != nil {
			return fmt.Errorf("removing stale function: %w", err)
		}
	}
	return nil
}

func replaceVariables(conn *sqlite.Conn, fnID int64, vars []model.Variable) (map[string]int64, error) {
	ids := make(map[string]int64, len(vars))
	for _, v := range vars {
		err := exec(conn, `
INSERT INTO variables (function_id, name, type, is_parameter, is_pointer, position, line)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (function_id, name) DO UPDATE SET
    type = excluded.type, is_parameter = excluded.is_parameter, is_pointer = excluded.is_pointer,
    position = excluded.position, line = excluded.line
RETURNING id`,
			func(stmt *sqlite.Stmt) error {
				ids[v.Name] = stmt.ColumnInt64(0)
				return nil
			},
			fnID, v.Name, v.Type, boolInt(v.IsParameter), boolInt(v.IsPointer), v.Position, v.Line)
		if err != nil {
			return nil, err
		}
	}

	var stale []int64
	err := exec(conn, `SELECT id, name FROM variables WHERE function_id = ?`,
		func(stmt *sqlite.Stmt) error {
			if _, ok := ids[stmt.ColumnText(1)]; !ok {
				stale = append(stale, stmt.ColumnInt64(0))
			}
			return nil
		}, fnID)
	if err != nil {
		return nil, err
	}
	for _, id := range stale {
		if err := exec(conn, `DELETE FROM variables WHERE id = ?`, nil, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

type edgeRow struct {
	sites int
	conf  model.Confidence
	line  int
	alias bool
	local bool
}

func replaceCalls(conn *sqlite.Conn, callerID int64, tu string, calls []model.CallFact, byKey map[model.FunctionKey]int64) error {
	rows := make(map[int64]*edgeRow, len(calls))
	var order []int64
	for _, c := range calls {
		calleeID, conf, local, err := resolve(conn, c, tu, byKey)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", c.Callee, err)
		}
		if r, ok := rows[calleeID]; ok {
			r.sites += c.Sites
			continue
		}
		rows[calleeID] = &edgeRow{
			sites: c.Sites,
			conf:  conf,
			line:  c.Line,
			alias: c.Confidence == model.Heuristic,
			local: local,
		}
		order = append(order, calleeID)
	}

	for _, calleeID := range order {
		r := rows[calleeID]
		err := exec(conn, `
INSERT INTO calls (caller_id, callee_id, site_count, confidence, first_line, via_alias, same_tu)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (caller_id, callee_id) DO UPDATE SET
    site_count = excluded.site_count, confidence = excluded.confidence, first_line = excluded.first_line,
    via_alias = excluded.via_alias, same_tu = excluded.same_tu`, nil,
			callerID, calleeID, r.sites, string(r.conf), r.line, boolInt(r.alias), boolInt(r.local))
		if err != nil {
			return err
		}
	}

	existing, err := queryIDs(conn, `SELECT callee_id FROM calls WHERE caller_id = ?`, callerID)
	if err != nil {
		return err
	}
	for _, id := range existing {
		if _, ok := rows[id]; ok {
			continue
		}
		if err := exec(conn, `DELETE FROM calls WHERE caller_id = ? AND callee_id = ?`, nil, callerID, id); err != nil {
			return err
		}
	}
	return nil
}

func addEdge(conn *sqlite.Conn, caller, callee int64, sites int, conf model.Confidence, line int, alias, local bool) error {
	return exec(conn, `
INSERT INTO calls (caller_id, callee_id, site_count, confidence, first_line, via_alias, same_tu)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (caller_id, callee_id) DO UPDATE SET site_count = calls.site_count + excluded.site_count`, nil,
		caller, callee, sites, string(conf), line, boolInt(alias), boolInt(local))
}

// resolve maps a call fact made from translation unit tu to a callee node
// id. Callees defined in the same translation unit bind directly; otherwise
// see pick. Unknown names get a stub, unresolved expressions a placeholder.
func resolve(conn *sqlite.Conn, c model.CallFact, tu string, byKey map[model.FunctionKey]int64) (int64, model.Confidence, bool, error) {
	if c.Confidence == model.Placeholder {
		id, err := ensureNode(conn, c.Callee, model.UnresolvedFile, model.Unresolved)
		return id, model.Placeholder, false, err
	}
	if c.CalleeFile != "" {
		if id, ok := byKey[model.FunctionKey{Name: c.Callee, File: c.CalleeFile}]; ok {
			return id, c.Confidence, true, nil
		}
	}
	id, conf, ok, err := pick(conn, c.Callee, tu)
	if err != nil {
		return 0, "", false, err
	}
	if !ok {
		id, err = ensureNode(conn, c.Callee, "", model.Stub)
		conf = model.Resolved
	}
	return id, weaker(conf, c.Confidence), false, err
}

// pick chooses among the definitions called name that a caller in
// translation unit tu can link against: globals, and statics of tu itself.
// A static of tu shadows any global; a single global is resolved; among
// several globals the first by file path is taken as heuristic. Statics of
// other translation units are never candidates.
func pick(conn *sqlite.Conn, name, tu string) (int64, model.Confidence, bool, error) {
	var local, globals []int64
	err := exec(conn, `SELECT id, storage, tu FROM functions WHERE name = ? AND kind = 'defined' ORDER BY file`,
		func(stmt *sqlite.Stmt) error {
			switch {
			case stmt.ColumnText(1) != string(model.Static):
				globals = append(globals, stmt.ColumnInt64(0))
			case stmt.ColumnText(2) == tu:
				local = append(local, stmt.ColumnInt64(0))
			}
			return nil
		}, name)
	if err != nil {
		return 0, "", false, err
	}
	switch {
	case len(local) > 0:
		return local[0], model.Resolved, true, nil
	case len(globals) == 1:
		return globals[0], model.Resolved, true, nil
	case len(globals) > 1:
		return globals[0], model.Heuristic, true, nil
	}
	return 0, "", false, nil
}

func weaker(a, b model.Confidence) model.Confidence {
	rank := func(c model.Confidence) int {
		switch c {
		case model.Resolved:
			return 3
		case model.Heuristic:
			return 2
		}
		return 1
	}
	if rank(b) < rank(a) {
		return b
	}
	return a
}

func queryIDs(conn *sqlite.Conn, query string, args ...any) ([]int64, error) {
	var ids []int64
	err := exec(conn, query, func(stmt *sqlite.Stmt) error {
		ids = append(ids, stmt.ColumnInt64(0))
		return nil
	}, args...)
	return ids, err
}

func replaceFlows(conn *sqlite.Conn, varIDs map[string]int64, flows []model.FlowFact) error {
	type pair struct{ from, to int64 }
	keep := make(map[pair]bool, len(flows))
	for _, f := range flows {
		from, okFrom := varIDs[f.From]
		to, okTo := varIDs[f.To]
		if !okFrom || !okTo {
			continue
		}
		keep[pair{from, to}] = true
		err := exec(conn, `
INSERT INTO flows (from_id, to_id, kind, line, site_count) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (from_id, to_id) DO UPDATE SET
    kind = excluded.kind, line = excluded.line, site_count = excluded.site_count`, nil,
			from, to, string(f.Kind), f.Line, f.Sites)
		if err != nil {
			return err
		}
	}

	var stale []pair
	for _, id := range varIDs {
		err := exec(conn, `SELECT from_id, to_id FROM flows WHERE to_id = ?`,
			func(stmt *sqlite.Stmt) error {
				p := pair{stmt.ColumnInt64(0), stmt.ColumnInt64(1)}
				if !keep[p] {
					stale = append(stale, p)
				}
				return nil
			}, id)
		if err != nil {
			return err
		}
	}
	for _, p := range stale {
		if err := exec(conn, `DELETE FROM flows WHERE from_id = ? AND to_id = ?`, nil, p.from, p.to); err != nil {
			return err
		}
	}
	return nil
}
