// Package parse extracts functions, calls, variables and direct data flow
// from C translation units using tree-sitter.
package parse

import (
	"bytes"
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/kernelgraph/internal/cpp"
	"github.com/phobologic/kernelgraph/internal/lang"
	"github.com/phobologic/kernelgraph/internal/model"
)

// Options controls what Extract emits for one translation unit.
type Options struct {
	// Path is the repo-relative path of the translation unit.
	Path string
	// Subsystem is recorded on every emitted function.
	Subsystem string
	// Include reports whether a definition located in file is emitted.
	// Nil emits only definitions located in Path itself.
	Include func(file string) bool
	// DropUnresolved omits placeholder call facts. Unresolved calls are
	// still reported as warnings.
	DropUnresolved bool
}

// ParseError reports that a whole translation unit could not be parsed.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type callSite struct {
	call   *sitter.Node
	callee *sitter.Node
}

// Extract parses source (the preprocessed text of opts.Path) and returns the
// facts of every emitted function definition. Locations are translated
// through lm; a nil lm treats source as the unpreprocessed file.
//
// Malformed definitions are skipped with a warning; only a failure to parse
// the file at all returns an error.
func Extract(ctx context.Context, parser *sitter.Parser, query *sitter.Query, source []byte, lm *cpp.LineMap, opts Options) (*model.FileFacts, error) {
	facts := &model.FileFacts{Path: opts.Path}
	if len(source) == 0 {
		return facts, nil
	}
	if lm == nil {
		lm = cpp.Identity(opts.Path, bytes.Count(source, []byte{'\n'})+1)
	}
	include := opts.Include
	if include == nil {
		include = func(file string) bool { return file == opts.Path }
	}

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, &ParseError{File: opts.Path, Err: err}
	}
	defer tree.Close()

	defs, calls := collect(query, tree.RootNode(), source)
	known := functionNames(tree.RootNode(), defs, source)

	scopes := make(map[uint32]*scope, len(defs))
	var order []*scope
	seen := make(map[model.FunctionKey]bool)

	for _, def := range defs {
		name := functionName(def, source)
		file, start, ok := lm.Lookup(int(def.StartPoint().Row) + 1)

		switch {
		case name == "":
			if ok && include(file) {
				facts.Warnings = append(facts.Warnings, model.Warning{
					File: file, Line: start, Kind: model.WarnSkipped,
					Message: "function definition without a recognisable name",
				})
			}
			continue
		case !ok:
			facts.Warnings = append(facts.Warnings, model.Warning{
				File: opts.Path, Kind: model.WarnSkipped,
				Message: fmt.Sprintf("%s: definition in generated text with no source location", name),
			})
			continue
		case !include(file):
			continue
		case malformed(def):
			facts.Warnings = append(facts.Warnings, model.Warning{
				File: file, Line: start, Kind: model.WarnParse,
				Message: fmt.Sprintf("%s: syntax error in signature or body, skipped", name),
			})
			continue
		}

		fn := model.Function{
			Name:      name,
			File:      file,
			Kind:      model.Defined,
			StartLine: start,
			Storage:   storageClass(def, source),
			Signature: signature(def, source),
			Subsystem: opts.Subsystem,
		}
		if endFile, end, ok := lm.Lookup(int(def.EndPoint().Row) + 1); ok && endFile == file {
			fn.EndLine = end
		}
		if seen[fn.Key()] {
			facts.Warnings = append(facts.Warnings, model.Warning{
				File: file, Line: start, Kind: model.WarnSkipped,
				Message: fmt.Sprintf("%s: duplicate definition in one translation unit", name),
			})
			continue
		}
		seen[fn.Key()] = true

		// GNU extensions such as typeof and statement expressions show up
		// as ERROR nodes; the rest of the body is still usable.
		if def.HasError() {
			facts.Warnings = append(facts.Warnings, model.Warning{
				File: file, Line: start, Kind: model.WarnParse,
				Message: fmt.Sprintf("%s: unparsable constructs in body ignored", name),
			})
		}

		s := newScope(fn, source, lm)
		s.known = known
		s.declareParams(functionDeclarator(def))
		body := def.ChildByFieldName("body")
		s.declareLocals(body)
		s.walk(body)

		scopes[def.StartByte()] = s
		order = append(order, s)
	}

	for _, cs := range calls {
		def := enclosingDefinition(cs.call)
		if def == nil {
			continue
		}
		if insideError(cs.call, def) {
			continue
		}
		if s := scopes[def.StartByte()]; s != nil {
			s.addCall(cs.call, cs.callee)
		}
	}

	local := make(map[string]string, len(order))
	for _, s := range order {
		local[s.fn.Name] = s.fn.File
	}
	for _, s := range order {
		ff := s.facts(local, opts.DropUnresolved)
		facts.Functions = append(facts.Functions, ff)
		if w, ok := s.unresolvedWarning(); ok {
			facts.Warnings = append(facts.Warnings, w)
		}
	}
	return facts, nil
}

func collect(query *sitter.Query, root *sitter.Node, source []byte) ([]*sitter.Node, []callSite) {
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(query, root)

	var defs []*sitter.Node
	var calls []callSite
	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		match = qc.FilterPredicates(match, source)

		var cs callSite
		for _, c := range match.Captures {
			switch query.CaptureNameForId(c.Index) {
			case lang.CaptureDefinition:
				defs = append(defs, c.Node)
			case lang.CaptureCall:
				cs.call = c.Node
			case lang.CaptureCallee:
				cs.callee = c.Node
			}
		}
		if cs.call != nil && cs.callee != nil {
			calls = append(calls, cs)
		}
	}
	return defs, calls
}

func enclosingDefinition(n *sitter.Node) *sitter.Node {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p.Type() == "function_definition" {
			return p
		}
	}
	return nil
}

// malformed reports whether the name, parameter list or body of def is
// itself unparsable.
func malformed(def *sitter.Node) bool {
	fd := functionDeclarator(def)
	if fd == nil || fd.HasError() {
		return true
	}
	body := def.ChildByFieldName("body")
	return body == nil || body.Type() != "compound_statement" || body.IsMissing()
}

func insideError(n, def *sitter.Node) bool {
	for p := n; p != nil && !p.Equal(def); p = p.Parent() {
		if p.Type() == "ERROR" {
			return true
		}
	}
	return false
}

// functionNames returns the names declared as functions at file scope,
// by definition or prototype.
func functionNames(root *sitter.Node, defs []*sitter.Node, source []byte) map[string]bool {
	names := make(map[string]bool, len(defs))
	for _, def := range defs {
		if name := functionName(def, source); name != "" {
			names[name] = true
		}
	}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		decl := root.NamedChild(i)
		if decl.Type() != "declaration" {
			continue
		}
		for j := 0; j < int(decl.NamedChildCount()); j++ {
			c := decl.NamedChild(j)
			if !isDeclaratorNode(c) {
				continue
			}
			if d := unwindDeclarator(c); d.name != nil && d.isPrototype() {
				names[lang.NodeText(d.name, source)] = true
			}
		}
	}
	return names
}

func storageClass(def *sitter.Node, source []byte) model.StorageClass {
	for i := 0; i < int(def.NamedChildCount()); i++ {
		c := def.NamedChild(i)
		if c.Type() == "storage_class_specifier" && lang.NodeText(c, source) == "static" {
			return model.Static
		}
	}
	return model.Global
}

func signature(def *sitter.Node, source []byte) string {
	end := def.EndByte()
	if body := def.ChildByFieldName("body"); body != nil {
		end = body.StartByte()
	}
	return lang.CollapseWhitespace(string(source[def.StartByte():end]))
}
