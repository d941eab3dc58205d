// Package export renders the neighbourhood of a function as a subgraph in
// JSON, Graphviz DOT, Mermaid or TOON.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/phobologic/kernelgraph/internal/graph"
	"github.com/phobologic/kernelgraph/internal/model"
	"github.com/phobologic/kernelgraph/internal/toon"
)

// Format is an output format of Write.
type Format string

const (
	JSON    Format = "json"
	DOT     Format = "dot"
	Mermaid Format = "mermaid"
	TOON    Format = "toon"
)

// Formats lists the supported formats.
var Formats = []Format{JSON, DOT, Mermaid, TOON}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == strings.ToLower(s) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported format %q", s)
}

// Options selects what Build includes around the target.
type Options struct {
	Callers bool
	Callees bool
	// Variables adds the variables of every defined function in the
	// subgraph, with DECLARES and FLOWS_TO edges.
	Variables bool
}

// Build collects the functions within depth hops of target in the enabled
// directions and every call edge among them.
func Build(ctx context.Context, r graph.Reader, target model.Function, depth int, opts Options) (*model.Subgraph, error) {
	fns := map[model.FunctionKey]model.Function{target.Key(): target}
	hops := map[model.FunctionKey]int{target.Key(): 0}

	for _, dir := range []model.Direction{model.Callers, model.Callees} {
		if (dir == model.Callers && !opts.Callers) || (dir == model.Callees && !opts.Callees) {
			continue
		}
		levels, err := graph.Neighbors(ctx, r, target.Key(), dir, depth)
		if err != nil {
			return nil, err
		}
		for _, l := range levels {
			for _, f := range l.Functions {
				k := f.Key()
				fns[k] = f
				if h, ok := hops[k]; !ok || l.Depth < h {
					hops[k] = l.Depth
				}
			}
		}
	}

	keys := make([]model.FunctionKey, 0, len(fns))
	for k := range fns {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	sg := &model.Subgraph{Target: target.Key(), Depth: depth, Nodes: []model.Node{}, Edges: []model.Edge{}}
	for _, k := range keys {
		sg.Nodes = append(sg.Nodes, functionNode(fns[k], hops[k]))
	}

	for _, k := range keys {
		edges, err := r.Edges(ctx, k, model.Callees)
		if err != nil {
			return nil, fmt.Errorf("callees of %s: %w", k, err)
		}
		for _, e := range edges {
			if _, ok := fns[e.Callee.Key()]; !ok {
				continue
			}
			sg.Edges = append(sg.Edges, model.Edge{
				Source: model.FunctionNodeID(k),
				Target: model.FunctionNodeID(e.Callee.Key()),
				Kind:   model.EdgeCalls,
				Attributes: map[string]any{
					"sites":      e.Sites,
					"confidence": string(e.Confidence),
					"line":       e.Line,
				},
			})
		}
	}

	if opts.Variables {
		for _, k := range keys {
			if fns[k].Kind != model.Defined {
				continue
			}
			if err := addVariables(ctx, r, sg, k); err != nil {
				return nil, err
			}
		}
	}
	return sg, nil
}

func functionNode(f model.Function, hops int) model.Node {
	return model.Node{
		ID:   model.FunctionNodeID(f.Key()),
		Kind: model.NodeFunction,
		Name: f.Name,
		Attributes: map[string]any{
			"file":       f.File,
			"kind":       string(f.Kind),
			"start_line": f.StartLine,
			"end_line":   f.EndLine,
			"signature":  f.Signature,
			"storage":    string(f.Storage),
			"subsystem":  f.Subsystem,
			"hops":       hops,
		},
	}
}

func addVariables(ctx context.Context, r graph.Reader, sg *model.Subgraph, k model.FunctionKey) error {
	vars, err := graph.Variables(ctx, r, k)
	if err != nil {
		return err
	}
	for _, v := range vars {
		id := model.VariableNodeID(k, v.Name)
		sg.Nodes = append(sg.Nodes, model.Node{
			ID:   id,
			Kind: model.NodeVariable,
			Name: v.Name,
			Attributes: map[string]any{
				"type":         v.Type,
				"is_parameter": v.IsParameter,
				"is_pointer":   v.IsPointer,
				"position":     v.Position,
				"line":         v.Line,
			},
		})
		sg.Edges = append(sg.Edges, model.Edge{
			Source: model.FunctionNodeID(k),
			Target: id,
			Kind:   model.EdgeDeclares,
		})
	}

	flows, err := r.Flows(ctx, k)
	if err != nil {
		return fmt.Errorf("flows of %s: %w", k, err)
	}
	for _, f := range flows {
		sg.Edges = append(sg.Edges, model.Edge{
			Source: model.VariableNodeID(k, f.From),
			Target: model.VariableNodeID(k, f.To),
			Kind:   model.EdgeFlowsTo,
			Attributes: map[string]any{
				"kind":  string(f.Kind),
				"line":  f.Line,
				"sites": f.Sites,
			},
		})
	}
	return nil
}

// Write renders sg to w in format.
func Write(w io.Writer, sg *model.Subgraph, format Format) error {
	switch format {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sg)
	case DOT:
		_, err := io.WriteString(w, renderDOT(sg))
		return err
	case Mermaid:
		_, err := io.WriteString(w, renderMermaid(sg))
		return err
	case TOON:
		_, err := fmt.Fprintln(w, toon.EncodeSubgraph(sg))
		return err
	}
	return fmt.Errorf("unsupported format %q", format)
}
