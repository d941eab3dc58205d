package parse

import (
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/kernelgraph/internal/cpp"
	"github.com/phobologic/kernelgraph/internal/lang"
	"github.com/phobologic/kernelgraph/internal/model"
)

var confidenceRank = map[model.Confidence]int{
	model.Placeholder: 1,
	model.Heuristic:   2,
	model.Resolved:    3,
}

// gnuOperators are compiler keywords that can parse as calls.
var gnuOperators = map[string]bool{
	"typeof":                       true,
	"__typeof":                     true,
	"__typeof__":                   true,
	"_Alignof":                     true,
	"__alignof__":                  true,
	"__builtin_offsetof":           true,
	"__builtin_types_compatible_p": true,
}

type flowKey struct{ from, to string }

// scope accumulates the facts of one function definition.
type scope struct {
	fn     model.Function
	source []byte
	lm     *cpp.LineMap

	vars    []model.Variable
	inScope map[string]bool
	// aliases maps a local or parameter to the bare function names
	// assigned to it anywhere in the body.
	aliases map[string][]string
	// known holds the names declared as functions in the translation unit.
	known map[string]bool

	calls     map[string]*model.CallFact
	callOrder []string

	flows     map[flowKey]*model.FlowFact
	flowOrder []flowKey

	unresolved      int
	firstUnresolved string
	firstLine       int
}

func newScope(fn model.Function, source []byte, lm *cpp.LineMap) *scope {
	return &scope{
		fn:      fn,
		source:  source,
		lm:      lm,
		inScope: make(map[string]bool),
		aliases: make(map[string][]string),
		calls:   make(map[string]*model.CallFact),
		flows:   make(map[flowKey]*model.FlowFact),
	}
}

// line maps n's start to a line of the function's own file, or 0.
func (s *scope) line(n *sitter.Node) int {
	file, line, ok := s.lm.Lookup(int(n.StartPoint().Row) + 1)
	if !ok || file != s.fn.File {
		return 0
	}
	return line
}

func (s *scope) text(n *sitter.Node) string {
	return lang.NodeText(n, s.source)
}

func (s *scope) declare(v model.Variable) {
	if s.inScope[v.Name] {
		return
	}
	s.inScope[v.Name] = true
	s.vars = append(s.vars, v)
}

func (s *scope) declareParams(fd *sitter.Node) {
	if fd == nil {
		return
	}
	params := fd.ChildByFieldName("parameters")
	if params == nil {
		return
	}
	pos := 0
	for i := 0; i < int(params.NamedChildCount()); i++ {
		p := params.NamedChild(i)
		if p.Type() != "parameter_declaration" {
			continue
		}
		decl := p.ChildByFieldName("declarator")
		if decl == nil {
			// f(void), or an unnamed parameter.
			pos++
			continue
		}
		d := unwindDeclarator(decl)
		if d.name == nil {
			pos++
			continue
		}
		s.declare(model.Variable{
			Name:        s.text(d.name),
			Scope:       s.fn.Key(),
			Type:        typeText(s.source, p.StartByte(), decl.StartByte(), decl, d.name),
			IsParameter: true,
			IsPointer:   d.isPointer(true),
			Position:    pos,
			Line:        s.line(p),
		})
		pos++
	}
}

// declareLocals records declarations made directly in the body block.
func (s *scope) declareLocals(body *sitter.Node) {
	if body == nil {
		return
	}
	pos := 0
	for i := 0; i < int(body.NamedChildCount()); i++ {
		decl := body.NamedChild(i)
		if decl.Type() != "declaration" {
			continue
		}
		var specEnd uint32
		for j := 0; j < int(decl.NamedChildCount()); j++ {
			c := decl.NamedChild(j)
			if !isDeclaratorNode(c) {
				continue
			}
			if specEnd == 0 {
				specEnd = c.StartByte()
			}
			d := unwindDeclarator(c)
			if d.name == nil || d.isPrototype() {
				continue
			}
			shape := c
			if c.Type() == "init_declarator" {
				shape = c.ChildByFieldName("declarator")
			}
			s.declare(model.Variable{
				Name:      s.text(d.name),
				Scope:     s.fn.Key(),
				Type:      typeText(s.source, decl.StartByte(), specEnd, shape, d.name),
				IsPointer: d.isPointer(false),
				Position:  pos,
				Line:      s.line(c),
			})
			pos++
		}
	}
}

// walk collects direct assignments and initializers between variables in
// scope, and bare function names assigned to them.
func (s *scope) walk(body *sitter.Node) {
	if body == nil {
		return
	}
	stack := []*sitter.Node{body}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch n.Type() {
		case "ERROR":
			continue
		case "assignment_expression":
			if op := n.ChildByFieldName("operator"); op != nil && s.text(op) == "=" {
				s.assign(n.ChildByFieldName("left"), n.ChildByFieldName("right"), model.Assignment, n)
			}
		case "init_declarator":
			s.assign(unwindDeclarator(n).name, n.ChildByFieldName("value"), model.Initializer, n)
		}

		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.NamedChild(i))
		}
	}
}

func (s *scope) assign(left, right *sitter.Node, kind model.FlowKind, at *sitter.Node) {
	if left == nil || right == nil || left.Type() != "identifier" {
		return
	}
	to := s.text(left)
	if !s.inScope[to] {
		return
	}
	from := s.bareIdentifier(right, true)
	if from == "" || from == to {
		return
	}
	if !s.inScope[from] {
		// Globals and block-scoped locals are not alias targets.
		if s.known[from] {
			s.addAlias(to, from)
		}
		return
	}
	k := flowKey{from: from, to: to}
	if f, ok := s.flows[k]; ok {
		f.Sites++
		return
	}
	s.flows[k] = &model.FlowFact{From: from, To: to, Kind: kind, Line: s.line(at), Sites: 1}
	s.flowOrder = append(s.flowOrder, k)
}

func (s *scope) addAlias(v, fn string) {
	for _, existing := range s.aliases[v] {
		if existing == fn {
			return
		}
	}
	s.aliases[v] = append(s.aliases[v], fn)
}

// bareIdentifier returns the identifier n consists of, looking through
// parentheses and, when addr is set, a leading address-of.
func (s *scope) bareIdentifier(n *sitter.Node, addr bool) string {
	for n != nil {
		switch n.Type() {
		case "identifier":
			return s.text(n)
		case "parenthesized_expression":
			n = n.NamedChild(0)
		case "pointer_expression":
			op := n.ChildByFieldName("operator")
			if !addr || op == nil || s.text(op) != "&" {
				return ""
			}
			n = n.ChildByFieldName("argument")
		default:
			return ""
		}
	}
	return ""
}

// addCall classifies one call site by the shape of its callee expression.
func (s *scope) addCall(call, callee *sitter.Node) {
	line := s.line(call)

	target := callee
	for target != nil {
		if target.Type() == "parenthesized_expression" {
			target = target.NamedChild(0)
			continue
		}
		if target.Type() == "pointer_expression" {
			if op := target.ChildByFieldName("operator"); op != nil && s.text(op) == "*" {
				target = target.ChildByFieldName("argument")
				continue
			}
		}
		break
	}

	if target != nil && target.Type() == "identifier" {
		name := s.text(target)
		if gnuOperators[name] {
			return
		}
		if !s.inScope[name] {
			s.recordCall(name, model.Resolved, line)
			return
		}
		if fns := s.aliases[name]; len(fns) > 0 {
			for _, fn := range fns {
				s.recordCall(fn, model.Heuristic, line)
			}
			return
		}
	}

	expr := lang.CollapseWhitespace(s.text(callee))
	s.recordCall(expr, model.Placeholder, line)
	s.unresolved++
	if s.firstUnresolved == "" {
		s.firstUnresolved = expr
		s.firstLine = line
	}
}

func (s *scope) recordCall(callee string, conf model.Confidence, line int) {
	if c, ok := s.calls[callee]; ok {
		c.Sites++
		if confidenceRank[conf] > confidenceRank[c.Confidence] {
			c.Confidence = conf
		}
		if c.Line == 0 {
			c.Line = line
		}
		return
	}
	s.calls[callee] = &model.CallFact{Callee: callee, Confidence: conf, Sites: 1, Line: line}
	s.callOrder = append(s.callOrder, callee)
}

// facts assembles the function's output. local maps names of functions
// emitted from the same translation unit to their files.
func (s *scope) facts(local map[string]string, dropUnresolved bool) model.FunctionFacts {
	ff := model.FunctionFacts{Function: s.fn, Variables: s.vars}
	for _, name := range s.callOrder {
		c := *s.calls[name]
		if c.Confidence == model.Placeholder {
			if dropUnresolved {
				continue
			}
		} else if file, ok := local[c.Callee]; ok {
			c.CalleeFile = file
		}
		ff.Calls = append(ff.Calls, c)
	}
	for _, k := range s.flowOrder {
		ff.Flows = append(ff.Flows, *s.flows[k])
	}
	return ff
}

func (s *scope) unresolvedWarning() (model.Warning, bool) {
	if s.unresolved == 0 {
		return model.Warning{}, false
	}
	return model.Warning{
		File: s.fn.File,
		Line: s.firstLine,
		Kind: model.WarnUnresolved,
		Message: fmt.Sprintf("%s: %d call site(s) through pointers or computed expressions left unresolved (first: %s)",
			s.fn.Name, s.unresolved, s.firstUnresolved),
	}, true
}
