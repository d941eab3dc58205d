// Package model defines core data structures for kernelgraph.
package model

import "fmt"

// UnresolvedFile is the file component of placeholder functions that stand
// in for call targets the extractor could not name.
const UnresolvedFile = "<unresolved>"

// FunctionKind distinguishes real definitions from forward-reference stubs
// and unresolved placeholders.
type FunctionKind string

const (
	Defined    FunctionKind = "defined"
	Stub       FunctionKind = "stub"
	Unresolved FunctionKind = "unresolved"
)

// StorageClass is the linkage of a function definition.
type StorageClass string

const (
	Static StorageClass = "static"
	Global StorageClass = "global"
)

// Confidence indicates how a call edge's target was determined.
type Confidence string

const (
	Resolved  Confidence = "resolved"
	Heuristic Confidence = "heuristic"
	// Placeholder marks an edge to an unresolved placeholder target.
	Placeholder Confidence = "unresolved"
)

// FunctionKey is the identity of a function: its name and the file that
// defines it. Stubs have an empty File.
type FunctionKey struct {
	Name string `json:"name"`
	File string `json:"file"`
}

func (k FunctionKey) String() string {
	if k.File == "" {
		return "?::" + k.Name
	}
	return k.File + "::" + k.Name
}

// Less orders keys by name, then file.
func (k FunctionKey) Less(o FunctionKey) bool {
	if k.Name != o.Name {
		return k.Name < o.Name
	}
	return k.File < o.File
}

// Function is a node in the call graph.
type Function struct {
	Name      string       `json:"name"`
	File      string       `json:"file"`
	Kind      FunctionKind `json:"kind"`
	StartLine int          `json:"start_line"`
	EndLine   int          `json:"end_line"`
	Signature string       `json:"signature,omitempty"`
	Storage   StorageClass `json:"storage,omitempty"`
	Subsystem string       `json:"subsystem,omitempty"`
}

// Key returns the identity key of f.
func (f Function) Key() FunctionKey {
	return FunctionKey{Name: f.Name, File: f.File}
}

// CallEdge is a directed Function→Function relationship.
type CallEdge struct {
	Caller     Function   `json:"caller"`
	Callee     Function   `json:"callee"`
	Sites      int        `json:"sites"`
	Confidence Confidence `json:"confidence"`
	Line       int        `json:"line"`
}

// Variable is a parameter or local declared in a function.
type Variable struct {
	Name        string      `json:"name"`
	Scope       FunctionKey `json:"scope"`
	Type        string      `json:"type"`
	IsParameter bool        `json:"is_parameter"`
	IsPointer   bool        `json:"is_pointer"`
	Position    int         `json:"position"`
	Line        int         `json:"line"`
}

// FlowKind is the syntactic form of a data-flow edge.
type FlowKind string

const (
	Assignment  FlowKind = "assignment"
	Initializer FlowKind = "initializer"
)

// DataFlowEdge records a direct value copy From→To inside one scope.
type DataFlowEdge struct {
	Scope FunctionKey `json:"scope"`
	From  string      `json:"from"`
	To    string      `json:"to"`
	Kind  FlowKind    `json:"kind"`
	Line  int         `json:"line"`
	Sites int         `json:"sites"`
}

// WarningKind classifies recoverable problems found during ingestion.
type WarningKind string

const (
	WarnPreprocess WarningKind = "preprocess"
	WarnParse      WarningKind = "parse"
	WarnUnresolved WarningKind = "unresolved"
	WarnSkipped    WarningKind = "skipped"
)

// Warning is a file- or construct-scoped problem that did not stop ingestion.
type Warning struct {
	File    string      `json:"file"`
	Line    int         `json:"line,omitempty"`
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	if w.Line > 0 {
		return fmt.Sprintf("%s:%d: %s: %s", w.File, w.Line, w.Kind, w.Message)
	}
	return fmt.Sprintf("%s: %s: %s", w.File, w.Kind, w.Message)
}

// Direction selects which side of a call edge a traversal follows.
type Direction int

const (
	// Callers follows edges into a function.
	Callers Direction = iota
	// Callees follows edges out of a function.
	Callees
)

func (d Direction) String() string {
	if d == Callees {
		return "callees"
	}
	return "callers"
}
