package store

import (
	"context"

	"zombiezen.com/go/sqlite"

	"github.com/phobologic/kernelgraph/internal/graph"
	"github.com/phobologic/kernelgraph/internal/model"
)

// EntryPoint is a function of a subsystem called from other subsystems.
type EntryPoint struct {
	Function        model.Function `json:"function"`
	ExternalCallers int            `json:"external_callers"`
}

// SubsystemCounts summarises the graph of one subsystem. Calls are counted
// once per caller/callee pair.
type SubsystemCounts struct {
	Subsystem   string `json:"subsystem"`
	Files       int    `json:"files"`
	FailedFiles int    `json:"failed_files"`
	Functions   int    `json:"functions"`
	Static      int    `json:"static"`
	Variables   int    `json:"variables"`
	// InternalCalls stay within the subsystem; OutgoingCalls reach
	// definitions of other subsystems; ExternalCalls reach stubs outside
	// the ingested tree.
	InternalCalls   int `json:"internal_calls"`
	OutgoingCalls   int `json:"outgoing_calls"`
	ExternalCalls   int `json:"external_calls"`
	UnresolvedCalls int `json:"unresolved_calls"`
	IncomingCalls   int `json:"incoming_calls"`
	EntryPoints     int `json:"entry_points"`
}

// EntryPoints returns the definitions of subsystem that functions of other
// subsystems call, most externally called first. limit <= 0 returns all.
func (s *Store) EntryPoints(ctx context.Context, subsystem string, limit int) ([]EntryPoint, error) {
	if limit <= 0 {
		limit = -1
	}
	var eps []EntryPoint
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `
SELECT `+columns("e")+`, COUNT(DISTINCT c.caller_id) AS n
FROM calls c
JOIN functions r ON r.id = c.caller_id
JOIN functions e ON e.id = c.callee_id
WHERE e.subsystem = ?1 AND e.kind = 'defined' AND r.subsystem != ?1
GROUP BY e.id
ORDER BY n DESC, e.name, e.file
LIMIT ?2`,
			func(stmt *sqlite.Stmt) error {
				eps = append(eps, EntryPoint{Function: scanFunction(stmt, 0), ExternalCallers: stmt.ColumnInt(8)})
				return nil
			}, subsystem, limit)
	})
	return eps, err
}

// CrossSubsystemCalls returns the calls from subsystem into definitions of
// other subsystems, ordered by target subsystem and callee.
func (s *Store) CrossSubsystemCalls(ctx context.Context, subsystem string) ([]model.CallEdge, error) {
	var edges []model.CallEdge
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `
SELECT `+columns("r")+`, `+columns("e")+`, c.site_count, c.confidence, c.first_line
FROM calls c
JOIN functions r ON r.id = c.caller_id
JOIN functions e ON e.id = c.callee_id
WHERE r.subsystem = ?1 AND e.kind = 'defined' AND e.subsystem != ?1
ORDER BY e.subsystem, e.name, e.file, r.name, r.file`,
			func(stmt *sqlite.Stmt) error {
				edges = append(edges, model.CallEdge{
					Caller:     scanFunction(stmt, 0),
					Callee:     scanFunction(stmt, 8),
					Sites:      stmt.ColumnInt(16),
					Confidence: model.Confidence(stmt.ColumnText(17)),
					Line:       stmt.ColumnInt(18),
				})
				return nil
			}, subsystem)
	})
	return edges, err
}

// SubsystemCounts returns node and edge counts for subsystem.
func (s *Store) SubsystemCounts(ctx context.Context, subsystem string) (SubsystemCounts, error) {
	c := SubsystemCounts{Subsystem: subsystem}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `
SELECT
    (SELECT COUNT(*) FROM files WHERE subsystem = ?1),
    (SELECT COUNT(*) FROM files WHERE subsystem = ?1 AND status = 'failed'),
    (SELECT COUNT(*) FROM functions WHERE subsystem = ?1 AND kind = 'defined'),
    (SELECT COUNT(*) FROM functions WHERE subsystem = ?1 AND kind = 'defined' AND storage = 'static'),
    (SELECT COUNT(*) FROM variables v JOIN functions f ON f.id = v.function_id WHERE f.subsystem = ?1),
    (SELECT COUNT(*) FROM calls c JOIN functions r ON r.id = c.caller_id JOIN functions e ON e.id = c.callee_id
        WHERE r.subsystem = ?1 AND e.kind = 'defined' AND e.subsystem = ?1),
    (SELECT COUNT(*) FROM calls c JOIN functions r ON r.id = c.caller_id JOIN functions e ON e.id = c.callee_id
        WHERE r.subsystem = ?1 AND e.kind = 'defined' AND e.subsystem != ?1),
    (SELECT COUNT(*) FROM calls c JOIN functions r ON r.id = c.caller_id JOIN functions e ON e.id = c.callee_id
        WHERE r.subsystem = ?1 AND e.kind = 'stub'),
    (SELECT COUNT(*) FROM calls c JOIN functions r ON r.id = c.caller_id JOIN functions e ON e.id = c.callee_id
        WHERE r.subsystem = ?1 AND e.kind = 'unresolved'),
    (SELECT COUNT(*) FROM calls c JOIN functions r ON r.id = c.caller_id JOIN functions e ON e.id = c.callee_id
        WHERE e.subsystem = ?1 AND e.kind = 'defined' AND r.subsystem != ?1),
    (SELECT COUNT(DISTINCT c.callee_id) FROM calls c JOIN functions r ON r.id = c.caller_id JOIN functions e ON e.id = c.callee_id
        WHERE e.subsystem = ?1 AND e.kind = 'defined' AND r.subsystem != ?1)`,
			func(stmt *sqlite.Stmt) error {
				c.Files = stmt.ColumnInt(0)
				c.FailedFiles = stmt.ColumnInt(1)
				c.Functions = stmt.ColumnInt(2)
				c.Static = stmt.ColumnInt(3)
				c.Variables = stmt.ColumnInt(4)
				c.InternalCalls = stmt.ColumnInt(5)
				c.OutgoingCalls = stmt.ColumnInt(6)
				c.ExternalCalls = stmt.ColumnInt(7)
				c.UnresolvedCalls = stmt.ColumnInt(8)
				c.IncomingCalls = stmt.ColumnInt(9)
				c.EntryPoints = stmt.ColumnInt(10)
				return nil
			}, subsystem)
	})
	return c, err
}

// Snapshot loads the definitions of subsystem and every call edge touching
// them into memory, so whole-subsystem passes avoid a query per function.
// An empty subsystem loads the whole graph.
func (s *Store) Snapshot(ctx context.Context, subsystem string) (*graph.Memory, error) {
	fns, err := s.Functions(ctx, subsystem)
	if err != nil {
		return nil, err
	}
	m := graph.NewMemory()
	for _, fn := range fns {
		m.AddFunction(fn)
	}
	err = s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `
SELECT `+columns("r")+`, `+columns("e")+`, c.site_count, c.confidence, c.first_line
FROM calls c
JOIN functions r ON r.id = c.caller_id
JOIN functions e ON e.id = c.callee_id
WHERE ?1 = '' OR r.subsystem = ?1 OR e.subsystem = ?1`,
			func(stmt *sqlite.Stmt) error {
				m.AddCall(model.CallEdge{
					Caller:     scanFunction(stmt, 0),
					Callee:     scanFunction(stmt, 8),
					Sites:      stmt.ColumnInt(16),
					Confidence: model.Confidence(stmt.ColumnText(17)),
					Line:       stmt.ColumnInt(18),
				})
				return nil
			}, subsystem)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
