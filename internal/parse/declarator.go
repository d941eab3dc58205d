package parse

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/kernelgraph/internal/lang"
)

// derivation is one type constructor applied by a declarator.
type derivation int

const (
	derivPointer derivation = iota + 1
	derivArray
	derivFunction
)

// declarator is the result of unwinding a C declarator down to its name.
// chain lists type constructors outer-to-inner as they nest in the tree,
// so the last element is the one applied directly to the name.
type declarator struct {
	name  *sitter.Node
	chain []derivation
}

// nearest returns the derivation bound most tightly to the name.
func (d declarator) nearest() derivation {
	if len(d.chain) == 0 {
		return 0
	}
	return d.chain[len(d.chain)-1]
}

// isPointer reports whether the declared object itself is a pointer.
// Array parameters decay to pointers.
func (d declarator) isPointer(param bool) bool {
	switch d.nearest() {
	case derivPointer:
		return true
	case derivArray:
		return param
	}
	return false
}

// isPrototype reports whether the declarator declares a function rather
// than an object (e.g. a block-scope prototype).
func (d declarator) isPrototype() bool {
	return d.nearest() == derivFunction
}

func unwindDeclarator(n *sitter.Node) declarator {
	var d declarator
	for n != nil {
		switch n.Type() {
		case "identifier", "field_identifier":
			d.name = n
			return d
		case "pointer_declarator":
			d.chain = append(d.chain, derivPointer)
			n = n.ChildByFieldName("declarator")
		case "array_declarator":
			d.chain = append(d.chain, derivArray)
			n = n.ChildByFieldName("declarator")
		case "function_declarator":
			d.chain = append(d.chain, derivFunction)
			n = n.ChildByFieldName("declarator")
		case "init_declarator":
			n = n.ChildByFieldName("declarator")
		case "parenthesized_declarator", "attributed_declarator":
			n = firstDeclaratorChild(n)
		default:
			return d
		}
	}
	return d
}

func firstDeclaratorChild(n *sitter.Node) *sitter.Node {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if isDeclaratorNode(c) {
			return c
		}
	}
	return nil
}

func isDeclaratorNode(n *sitter.Node) bool {
	switch n.Type() {
	case "identifier", "pointer_declarator", "array_declarator", "function_declarator",
		"init_declarator", "parenthesized_declarator", "attributed_declarator":
		return true
	}
	return false
}

// functionDeclarator finds the function_declarator of a function_definition,
// looking through pointer return types and parentheses.
func functionDeclarator(def *sitter.Node) *sitter.Node {
	n := def.ChildByFieldName("declarator")
	for n != nil {
		switch n.Type() {
		case "function_declarator":
			// int (*f(void))(int) nests the real one inside.
			if inner := n.ChildByFieldName("declarator"); inner != nil && inner.Type() != "identifier" {
				if fd := findFunctionDeclarator(inner); fd != nil {
					return fd
				}
			}
			return n
		case "pointer_declarator", "attributed_declarator":
			if n.Type() == "pointer_declarator" {
				n = n.ChildByFieldName("declarator")
			} else {
				n = firstDeclaratorChild(n)
			}
		case "parenthesized_declarator":
			n = firstDeclaratorChild(n)
		default:
			return nil
		}
	}
	return nil
}

func findFunctionDeclarator(n *sitter.Node) *sitter.Node {
	for n != nil {
		switch n.Type() {
		case "function_declarator":
			return n
		case "pointer_declarator":
			n = n.ChildByFieldName("declarator")
		case "parenthesized_declarator", "attributed_declarator":
			n = firstDeclaratorChild(n)
		default:
			return nil
		}
	}
	return nil
}

func functionName(def *sitter.Node, source []byte) string {
	fd := functionDeclarator(def)
	if fd == nil {
		return ""
	}
	d := unwindDeclarator(fd.ChildByFieldName("declarator"))
	if d.name == nil {
		return ""
	}
	return lang.NodeText(d.name, source)
}

// typeText renders the declared type of a name: the specifier text in
// [specStart, specEnd) followed by the declarator with the name removed.
func typeText(source []byte, specStart, specEnd uint32, decl, name *sitter.Node) string {
	spec := string(source[specStart:specEnd])
	if decl == nil || name == nil {
		return lang.CollapseWhitespace(spec)
	}
	shape := string(source[decl.StartByte():name.StartByte()]) + string(source[name.EndByte():decl.EndByte()])
	return lang.CollapseWhitespace(spec + " " + shape)
}
