package model

// CallFact is one distinct callee reference found in a function body.
type CallFact struct {
	// Callee is the function name, or the collapsed callee expression for
	// unresolved calls.
	Callee string
	// CalleeFile is set when the callee is defined in the same translation
	// unit and emitted with this file's facts.
	CalleeFile string
	Confidence Confidence
	Sites      int
	Line       int
}

// FlowFact is one direct assignment between two variables in scope.
type FlowFact struct {
	From  string
	To    string
	Kind  FlowKind
	Line  int
	Sites int
}

// FunctionFacts groups everything extracted for one function definition.
type FunctionFacts struct {
	Function  Function
	Calls     []CallFact
	Variables []Variable
	Flows     []FlowFact
}

// FileFacts is the extractor's output for one translation unit.
type FileFacts struct {
	Path      string
	Functions []FunctionFacts
	Warnings  []Warning
}

// Unresolved returns the number of unresolved call sites in ff.
func (ff *FileFacts) Unresolved() int {
	n := 0
	for i := range ff.Functions {
		for _, c := range ff.Functions[i].Calls {
			if c.Confidence == Placeholder {
				n += c.Sites
			}
		}
	}
	return n
}
