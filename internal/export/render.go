package export

import (
	"fmt"
	"path"
	"strings"

	"github.com/phobologic/kernelgraph/internal/model"
)

const targetFill = "#ff9966"

func sites(e *model.Edge) int {
	if n, ok := e.Attributes["sites"].(int); ok {
		return n
	}
	return 1
}

func confidence(e *model.Edge) model.Confidence {
	c, _ := e.Attributes["confidence"].(string)
	return model.Confidence(c)
}

func nodeLabel(n *model.Node) string {
	if n.Kind != model.NodeFunction {
		if t, _ := n.Attributes["type"].(string); t != "" {
			return n.Name + ": " + t
		}
		return n.Name
	}
	file, _ := n.Attributes["file"].(string)
	switch file {
	case "":
		return n.Name + `\n(external)`
	case model.UnresolvedFile:
		return n.Name + `\n(unresolved)`
	}
	return fmt.Sprintf(`%s\n(%s)`, n.Name, path.Base(file))
}

func dotEscape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

func renderDOT(sg *model.Subgraph) string {
	var b strings.Builder
	b.WriteString("digraph callgraph {\n")
	b.WriteString("    graph [rankdir=LR, fontname=\"Arial\"];\n")
	b.WriteString("    node [shape=box, style=rounded, fontname=\"Arial\"];\n")
	b.WriteString("    edge [fontname=\"Arial\"];\n\n")

	target := model.FunctionNodeID(sg.Target)
	for i := range sg.Nodes {
		n := &sg.Nodes[i]
		attrs := fmt.Sprintf(`label="%s"`, dotEscape(nodeLabel(n)))
		switch {
		case n.ID == target:
			attrs += fmt.Sprintf(`, fillcolor="%s", style="rounded,filled", penwidth=3`, targetFill)
		case n.Kind == model.NodeVariable:
			attrs += `, shape=ellipse, style=solid`
		case n.Attributes["kind"] != string(model.Defined):
			attrs += `, style="rounded,dashed"`
		}
		fmt.Fprintf(&b, "    \"%s\" [%s];\n", dotEscape(n.ID), attrs)
	}
	b.WriteString("\n")

	for i := range sg.Edges {
		e := &sg.Edges[i]
		var attrs []string
		switch e.Kind {
		case model.EdgeCalls:
			if n := sites(e); n > 1 {
				attrs = append(attrs, fmt.Sprintf(`label="%dx"`, n))
			}
			switch confidence(e) {
			case model.Heuristic:
				attrs = append(attrs, "style=dashed")
			case model.Placeholder:
				attrs = append(attrs, "style=dotted")
			}
		case model.EdgeDeclares:
			attrs = append(attrs, "color=gray", "arrowhead=none")
		case model.EdgeFlowsTo:
			attrs = append(attrs, "color=blue", `label="flows"`)
		}
		fmt.Fprintf(&b, "    \"%s\" -> \"%s\"", dotEscape(e.Source), dotEscape(e.Target))
		if len(attrs) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(attrs, ", "))
		}
		b.WriteString(";\n")
	}

	b.WriteString("}\n")
	return b.String()
}

func mermaidEscape(s string) string {
	s = strings.ReplaceAll(s, `\n`, "<br/>")
	return strings.ReplaceAll(s, `"`, "#quot;")
}

func renderMermaid(sg *model.Subgraph) string {
	// Mermaid ids must be plain words; node ids carry paths and colons.
	ids := make(map[string]string, len(sg.Nodes))
	for i := range sg.Nodes {
		ids[sg.Nodes[i].ID] = fmt.Sprintf("n%d", i)
	}

	var b strings.Builder
	b.WriteString("graph TD\n")
	target := model.FunctionNodeID(sg.Target)
	for i := range sg.Nodes {
		n := &sg.Nodes[i]
		id := ids[n.ID]
		label := mermaidEscape(nodeLabel(n))
		if n.Kind == model.NodeVariable {
			fmt.Fprintf(&b, "    %s([\"%s\"])\n", id, label)
		} else {
			fmt.Fprintf(&b, "    %s[\"%s\"]\n", id, label)
		}
		if n.ID == target {
			fmt.Fprintf(&b, "    style %s fill:%s,stroke:#333,stroke-width:4px\n", id, targetFill)
		}
	}

	for i := range sg.Edges {
		e := &sg.Edges[i]
		src, dst := ids[e.Source], ids[e.Target]
		if src == "" || dst == "" {
			continue
		}
		arrow := "-->"
		switch e.Kind {
		case model.EdgeCalls:
			if confidence(e) != model.Resolved && confidence(e) != "" {
				arrow = "-.->"
			}
			if n := sites(e); n > 1 {
				fmt.Fprintf(&b, "    %s %s|%dx calls| %s\n", src, arrow, n, dst)
				continue
			}
		case model.EdgeDeclares:
			arrow = "---"
		case model.EdgeFlowsTo:
			fmt.Fprintf(&b, "    %s ==>|flows| %s\n", src, dst)
			continue
		}
		fmt.Fprintf(&b, "    %s %s %s\n", src, arrow, dst)
	}
	return b.String()
}
