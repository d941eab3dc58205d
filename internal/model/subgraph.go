package model

// Node and edge kinds of the persisted graph.
const (
	NodeFunction = "Function"
	NodeVariable = "Variable"

	EdgeCalls    = "CALLS"
	EdgeDeclares = "DECLARES"
	EdgeFlowsTo  = "FLOWS_TO"
)

// Node is a graph-exchange node: an id, a kind and flat attributes.
type Node struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Edge is a directed graph-exchange edge between two node ids.
type Edge struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Kind       string         `json:"kind"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Subgraph is the neighbourhood of a target function up to Depth hops.
type Subgraph struct {
	Target FunctionKey `json:"target"`
	Depth  int         `json:"depth"`
	Nodes  []Node      `json:"nodes"`
	Edges  []Edge      `json:"edges"`
}

// FunctionNodeID returns the subgraph node id of a function.
func FunctionNodeID(k FunctionKey) string {
	return "fn:" + k.String()
}

// VariableNodeID returns the subgraph node id of a variable.
func VariableNodeID(scope FunctionKey, name string) string {
	return "var:" + scope.String() + "::" + name
}
