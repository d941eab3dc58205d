// Package toon implements TOON (Token-Oriented Object Notation) encoding of
// subgraphs, impact results and hotspot tables.
package toon

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/phobologic/kernelgraph/internal/impact"
	"github.com/phobologic/kernelgraph/internal/model"
	"github.com/phobologic/kernelgraph/internal/ranking"
	"github.com/phobologic/kernelgraph/internal/store"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

var functionColumns = []string{"name", "file", "kind", "line", "signature"}

func functionRow(f model.Function) []string {
	return []string{f.Name, f.File, string(f.Kind), strconv.Itoa(f.StartLine), f.Signature}
}

func functionRows(fns []model.Function) [][]string {
	rows := make([][]string, 0, len(fns))
	for _, f := range fns {
		rows = append(rows, functionRow(f))
	}
	return rows
}

// EncodeSubgraph converts a subgraph into TOON format.
func EncodeSubgraph(sg *model.Subgraph) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("target: %s", encodeValue(sg.Target.String())))
	parts = append(parts, fmt.Sprintf("depth: %d", sg.Depth))

	var fnRows, varRows [][]string
	for i := range sg.Nodes {
		n := &sg.Nodes[i]
		switch n.Kind {
		case model.NodeFunction:
			fnRows = append(fnRows, []string{
				n.ID,
				n.Name,
				attr(n.Attributes, "file"),
				attr(n.Attributes, "kind"),
				attr(n.Attributes, "start_line"),
				attr(n.Attributes, "hops"),
			})
		case model.NodeVariable:
			varRows = append(varRows, []string{
				n.ID,
				n.Name,
				attr(n.Attributes, "type"),
				attr(n.Attributes, "is_parameter"),
				attr(n.Attributes, "is_pointer"),
			})
		}
	}
	parts = append(parts, formatTabular("functions", []string{"id", "name", "file", "kind", "line", "hops"}, fnRows))
	if len(varRows) > 0 {
		parts = append(parts, formatTabular("variables", []string{"id", "name", "type", "parameter", "pointer"}, varRows))
	}

	var callRows, declRows, flowRows [][]string
	for i := range sg.Edges {
		e := &sg.Edges[i]
		switch e.Kind {
		case model.EdgeCalls:
			callRows = append(callRows, []string{e.Source, e.Target, attr(e.Attributes, "sites"), attr(e.Attributes, "confidence")})
		case model.EdgeDeclares:
			declRows = append(declRows, []string{e.Source, e.Target})
		case model.EdgeFlowsTo:
			flowRows = append(flowRows, []string{e.Source, e.Target, attr(e.Attributes, "kind"), attr(e.Attributes, "line")})
		}
	}
	parts = append(parts, formatTabular("calls", []string{"caller", "callee", "sites", "confidence"}, callRows))
	if len(declRows) > 0 {
		parts = append(parts, formatTabular("declares", []string{"function", "variable"}, declRows))
	}
	if len(flowRows) > 0 {
		parts = append(parts, formatTabular("flows", []string{"from", "to", "kind", "line"}, flowRows))
	}

	return strings.Join(parts, "\n")
}

// EncodeImpact converts an impact result into TOON format.
func EncodeImpact(r *impact.Result) string {
	var parts []string

	t := r.TargetFunction
	parts = append(parts, fmt.Sprintf("target: %s", encodeValue(t.Key().String())))
	parts = append(parts, fmt.Sprintf("signature: %s", encodeValue(t.Signature)))
	parts = append(parts, fmt.Sprintf("lines: %d-%d", t.StartLine, t.EndLine))
	parts = append(parts, fmt.Sprintf("risk: %s", r.RiskTier))
	parts = append(parts, fmt.Sprintf("complexity: %d", r.ComplexityScore))
	coverage := "null"
	if r.TestCoverageCount != nil {
		coverage = strconv.Itoa(*r.TestCoverageCount)
	}
	parts = append(parts, fmt.Sprintf("tests: %s", coverage))

	parts = append(parts, formatTabular("callers", functionColumns, functionRows(r.DirectCallers)))
	parts = append(parts, formatTabular("callees", functionColumns, functionRows(r.DirectCallees)))

	parts = append(parts, formatTabular("indirect", []string{"direction", "depth", "count"}, indirectRows(r)))

	chainRows := make([][]string, 0, len(r.CallChains))
	for _, chain := range r.CallChains {
		names := make([]string, len(chain))
		for i, f := range chain {
			names[i] = f.Name
		}
		chainRows = append(chainRows, []string{strings.Join(names, " > ")})
	}
	name := "chains"
	if r.ChainsTruncated {
		name = "chains_truncated"
	}
	parts = append(parts, formatTabular(name, []string{"path"}, chainRows))

	varRows := make([][]string, 0, len(r.Variables))
	for _, v := range r.Variables {
		varRows = append(varRows, []string{
			v.Name,
			v.Type,
			strconv.FormatBool(v.IsParameter),
			strconv.FormatBool(v.IsPointer),
			strconv.Itoa(v.Line),
		})
	}
	parts = append(parts, formatTabular("variables", []string{"name", "type", "parameter", "pointer", "line"}, varRows))

	return strings.Join(parts, "\n")
}

func indirectRows(r *impact.Result) [][]string {
	var rows [][]string
	for _, side := range []struct {
		name string
		sets map[int][]model.Function
	}{{"callers", r.IndirectCallers}, {"callees", r.IndirectCallees}} {
		depths := make([]int, 0, len(side.sets))
		for d := range side.sets {
			depths = append(depths, d)
		}
		sort.Ints(depths)
		for _, d := range depths {
			rows = append(rows, []string{side.name, strconv.Itoa(d), strconv.Itoa(len(side.sets[d]))})
		}
	}
	return rows
}

// EncodeHotspots converts ranked functions into a TOON table.
func EncodeHotspots(subsystem string, hot []ranking.Hotspot) string {
	rows := make([][]string, 0, len(hot))
	for _, h := range hot {
		rows = append(rows, []string{
			h.Function.Name,
			h.Function.File,
			fmt.Sprintf("%.4f", h.Rank),
			strconv.Itoa(h.Callers),
			strconv.Itoa(h.Callees),
		})
	}
	return fmt.Sprintf("subsystem: %s\n", encodeValue(subsystem)) +
		formatTabular("hotspots", []string{"name", "file", "rank", "callers", "callees"}, rows)
}

// EncodeEntryPoints converts the externally called functions of a subsystem
// into a TOON table.
func EncodeEntryPoints(subsystem string, eps []store.EntryPoint) string {
	rows := make([][]string, 0, len(eps))
	for _, ep := range eps {
		rows = append(rows, []string{
			ep.Function.Name,
			ep.Function.File,
			string(ep.Function.Storage),
			strconv.Itoa(ep.ExternalCallers),
		})
	}
	return fmt.Sprintf("subsystem: %s\n", encodeValue(subsystem)) +
		formatTabular("entry_points", []string{"name", "file", "storage", "external_callers"}, rows)
}

// EncodeCrossCalls converts the calls leaving a subsystem into a TOON table.
func EncodeCrossCalls(subsystem string, edges []model.CallEdge) string {
	rows := make([][]string, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, []string{
			e.Caller.Name,
			e.Caller.File,
			e.Callee.Name,
			e.Callee.File,
			e.Callee.Subsystem,
			strconv.Itoa(e.Line),
		})
	}
	return fmt.Sprintf("subsystem: %s\n", encodeValue(subsystem)) +
		formatTabular("outgoing", []string{"caller", "caller_file", "callee", "callee_file", "target_subsystem", "line"}, rows)
}

func attr(attrs map[string]any, key string) string {
	v, ok := attrs[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func formatTabular(name string, columns []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]{%s}:", name, len(rows), strings.Join(columns, ","))
	for _, row := range rows {
		encoded := make([]string, len(row))
		for i, cell := range row {
			encoded[i] = encodeValue(cell)
		}
		fmt.Fprintf(&b, "\n  %s", strings.Join(encoded, ","))
	}
	return b.String()
}

func encodeValue(value string) string {
	if value == "" {
		return `""`
	}

	if value != strings.TrimSpace(value) {
		return quote(value)
	}

	if strings.ContainsAny(value, "\n\r\t") {
		return quote(value)
	}

	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}

	if looksNumeric.MatchString(value) {
		return value
	}

	if needsQuoting.MatchString(value) {
		return quote(value)
	}

	if strings.HasPrefix(value, "-") {
		return quote(value)
	}

	return value
}

func quote(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)
	escaped = strings.ReplaceAll(escaped, "\t", `\t`)
	return `"` + escaped + `"`
}
