package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"

	"github.com/phobologic/kernelgraph/internal/model"
)

// Counts summarises the contents of the store.
type Counts struct {
	Functions    int `json:"functions"`
	Stubs        int `json:"stubs"`
	Placeholders int `json:"placeholders"`
	Variables    int `json:"variables"`
	Calls        int `json:"calls"`
	Flows        int `json:"flows"`
	Files        int `json:"files"`
	FailedFiles  int `json:"failed_files"`
}

const functionColumns = "%[1]s.name, %[1]s.file, %[1]s.kind, %[1]s.start_line, %[1]s.end_line, %[1]s.signature, %[1]s.storage, %[1]s.subsystem"

func columns(alias string) string {
	return fmt.Sprintf(functionColumns, alias)
}

// scanFunction reads the eight function columns starting at col.
func scanFunction(stmt *sqlite.Stmt, col int) model.Function {
	return model.Function{
		Name:      stmt.ColumnText(col),
		File:      stmt.ColumnText(col + 1),
		Kind:      model.FunctionKind(stmt.ColumnText(col + 2)),
		StartLine: stmt.ColumnInt(col + 3),
		EndLine:   stmt.ColumnInt(col + 4),
		Signature: stmt.ColumnText(col + 5),
		Storage:   model.StorageClass(stmt.ColumnText(col + 6)),
		Subsystem: stmt.ColumnText(col + 7),
	}
}

func (s *Store) read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// Function returns the function with the given key.
func (s *Store) Function(ctx context.Context, key model.FunctionKey) (model.Function, bool, error) {
	var fn model.Function
	var found bool
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `SELECT `+columns("f")+` FROM functions f WHERE f.name = ? AND f.file = ?`,
			func(stmt *sqlite.Stmt) error {
				fn = scanFunction(stmt, 0)
				found = true
				return nil
			}, key.Name, key.File)
	})
	return fn, found, err
}

// FunctionsByName returns the definitions named name ordered by file. When
// there are none, the forward-reference stub is returned if one exists.
// Unresolved placeholders are never returned.
func (s *Store) FunctionsByName(ctx context.Context, name string) ([]model.Function, error) {
	var defined, stubs []model.Function
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `SELECT `+columns("f")+` FROM functions f WHERE f.name = ? AND f.kind IN ('defined', 'stub') ORDER BY f.file`,
			func(stmt *sqlite.Stmt) error {
				fn := scanFunction(stmt, 0)
				if fn.Kind == model.Defined {
					defined = append(defined, fn)
				} else {
					stubs = append(stubs, fn)
				}
				return nil
			}, name)
	})
	if err != nil {
		return nil, err
	}
	if len(defined) > 0 {
		return defined, nil
	}
	return stubs, nil
}

// Functions returns the definitions of subsystem ordered by key. An empty
// subsystem returns every definition.
func (s *Store) Functions(ctx context.Context, subsystem string) ([]model.Function, error) {
	var fns []model.Function
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `
SELECT `+columns("f")+` FROM functions f
WHERE f.kind = 'defined' AND (? = '' OR f.subsystem = ?)
ORDER BY f.name, f.file`,
			func(stmt *sqlite.Stmt) error {
				fns = append(fns, scanFunction(stmt, 0))
				return nil
			}, subsystem, subsystem)
	})
	return fns, err
}

// Edges returns the call edges into (Callers) or out of (Callees) the
// function key, ordered by the function on the other side.
func (s *Store) Edges(ctx context.Context, key model.FunctionKey, dir model.Direction) ([]model.CallEdge, error) {
	match, order := "e", "r"
	if dir == model.Callees {
		match, order = "r", "e"
	}
	query := `
SELECT ` + columns("r") + `, ` + columns("e") + `, c.site_count, c.confidence, c.first_line
FROM calls c
JOIN functions r ON r.id = c.caller_id
JOIN functions e ON e.id = c.callee_id
WHERE ` + match + `.name = ? AND ` + match + `.file = ?
ORDER BY ` + order + `.name, ` + order + `.file`

	var edges []model.CallEdge
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, query, func(stmt *sqlite.Stmt) error {
			edges = append(edges, model.CallEdge{
				Caller:     scanFunction(stmt, 0),
				Callee:     scanFunction(stmt, 8),
				Sites:      stmt.ColumnInt(16),
				Confidence: model.Confidence(stmt.ColumnText(17)),
				Line:       stmt.ColumnInt(18),
			})
			return nil
		}, key.Name, key.File)
	})
	return edges, err
}

// Variables returns the parameters and locals of key in storage order.
func (s *Store) Variables(ctx context.Context, key model.FunctionKey) ([]model.Variable, error) {
	var vars []model.Variable
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `
SELECT v.name, v.type, v.is_parameter, v.is_pointer, v.position, v.line
FROM variables v JOIN functions f ON f.id = v.function_id
WHERE f.name = ? AND f.file = ?
ORDER BY v.is_parameter DESC, v.position, v.name`,
			func(stmt *sqlite.Stmt) error {
				vars = append(vars, model.Variable{
					Name:        stmt.ColumnText(0),
					Scope:       key,
					Type:        stmt.ColumnText(1),
					IsParameter: stmt.ColumnInt(2) != 0,
					IsPointer:   stmt.ColumnInt(3) != 0,
					Position:    stmt.ColumnInt(4),
					Line:        stmt.ColumnInt(5),
				})
				return nil
			}, key.Name, key.File)
	})
	return vars, err
}

// Flows returns the data-flow edges inside key.
func (s *Store) Flows(ctx context.Context, key model.FunctionKey) ([]model.DataFlowEdge, error) {
	var flows []model.DataFlowEdge
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `
SELECT a.name, b.name, fl.kind, fl.line, fl.site_count
FROM flows fl
JOIN variables a ON a.id = fl.from_id
JOIN variables b ON b.id = fl.to_id
JOIN functions f ON f.id = b.function_id
WHERE f.name = ? AND f.file = ?
ORDER BY fl.line, a.name, b.name`,
			func(stmt *sqlite.Stmt) error {
				flows = append(flows, model.DataFlowEdge{
					Scope: key,
					From:  stmt.ColumnText(0),
					To:    stmt.ColumnText(1),
					Kind:  model.FlowKind(stmt.ColumnText(2)),
					Line:  stmt.ColumnInt(3),
					Sites: stmt.ColumnInt(4),
				})
				return nil
			}, key.Name, key.File)
	})
	return flows, err
}

// Counts returns row counts of the graph.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `
SELECT
    (SELECT COUNT(*) FROM functions WHERE kind = 'defined'),
    (SELECT COUNT(*) FROM functions WHERE kind = 'stub'),
    (SELECT COUNT(*) FROM functions WHERE kind = 'unresolved'),
    (SELECT COUNT(*) FROM variables),
    (SELECT COUNT(*) FROM calls),
    (SELECT COUNT(*) FROM flows),
    (SELECT COUNT(*) FROM files),
    (SELECT COUNT(*) FROM files WHERE status = 'failed')`,
			func(stmt *sqlite.Stmt) error {
				c = Counts{
					Functions:    stmt.ColumnInt(0),
					Stubs:        stmt.ColumnInt(1),
					Placeholders: stmt.ColumnInt(2),
					Variables:    stmt.ColumnInt(3),
					Calls:        stmt.ColumnInt(4),
					Flows:        stmt.ColumnInt(5),
					Files:        stmt.ColumnInt(6),
					FailedFiles:  stmt.ColumnInt(7),
				}
				return nil
			})
	})
	return c, err
}

// Search returns defined functions whose name contains substr, for
// suggestions when a lookup finds nothing.
func (s *Store) Search(ctx context.Context, substr string, limit int) ([]model.Function, error) {
	pattern := "%" + strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(substr) + "%"
	var fns []model.Function
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, `
SELECT `+columns("f")+` FROM functions f
WHERE f.kind = 'defined' AND f.name LIKE ? ESCAPE '\'
ORDER BY length(f.name), f.name, f.file
LIMIT ?`,
			func(stmt *sqlite.Stmt) error {
				fns = append(fns, scanFunction(stmt, 0))
				return nil
			}, pattern, limit)
	})
	return fns, err
}
