package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/codemap/internal/models"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

var errSyntax = errors.New("syntax error")

// extractPython walks the tree-sitter Python syntax tree. Functions include
// methods and nested definitions.
func extractPython(ctx context.Context, src []byte) (models.StructuralSummary, error) {
	p := sitter.NewParser()
	defer p.Close()
	p.SetLanguage(python.GetLanguage())

	tree, err := p.ParseCtx(ctx, nil, src)
	if err != nil {
		return models.StructuralSummary{}, fmt.Errorf("parse python: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return models.StructuralSummary{}, errSyntax
	}

	w := &pyWalker{src: src, out: models.EmptySummary(0), deps: newDependencySet()}
	w.walk(root)
	w.out.Dependencies = w.deps.names
	return w.out, nil
}

type pyWalker struct {
	src  []byte
	out  models.StructuralSummary
	deps *dependencySet
}

func (w *pyWalker) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(w.src)
}

func (w *pyWalker) walk(n *sitter.Node) {
	switch n.Type() {
	case "function_definition":
		w.function(n, nil)
	case "decorated_definition":
		def := n.ChildByFieldName("definition")
		if def != nil && def.Type() == "function_definition" {
			w.function(def, w.decorators(n))
			w.walkChildren(def)
			return
		}
	case "class_definition":
		w.class(n)
	case "import_statement":
		w.importStatement(n)
		return
	case "import_from_statement", "future_import_statement":
		w.importFrom(n)
		return
	}
	w.walkChildren(n)
}

func (w *pyWalker) walkChildren(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i))
	}
}

func (w *pyWalker) decorators(n *sitter.Node) []string {
	var out []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "decorator" {
			out = append(out, strings.TrimSpace(strings.TrimPrefix(w.text(c), "@")))
		}
	}
	return out
}

func (w *pyWalker) function(n *sitter.Node, decorators []string) {
	if decorators == nil {
		decorators = []string{}
	}
	w.out.Functions = append(w.out.Functions, models.Function{
		Name:       w.text(n.ChildByFieldName("name")),
		LineStart:  int(n.StartPoint().Row) + 1,
		LineEnd:    int(n.EndPoint().Row) + 1,
		Args:       w.parameters(n.ChildByFieldName("parameters")),
		Decorators: decorators,
		Doc:        w.docstring(n.ChildByFieldName("body")),
	})
}

// parameters returns the positional parameter names. Collection stops at the
// first * (bare or *args), so keyword-only parameters and **kwargs are omitted.
func (w *pyWalker) parameters(n *sitter.Node) []string {
	args := []string{}
	if n == nil {
		return args
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "identifier":
			args = append(args, w.text(c))
		case "typed_parameter":
			id := c.NamedChild(0)
			if id == nil {
				continue
			}
			switch id.Type() {
			case "identifier":
				args = append(args, w.text(id))
			case "list_splat_pattern", "dictionary_splat_pattern":
				return args
			}
		case "default_parameter", "typed_default_parameter":
			args = append(args, w.text(c.ChildByFieldName("name")))
		case "list_splat_pattern", "keyword_separator", "dictionary_splat_pattern":
			return args
		}
	}
	return args
}

func (w *pyWalker) class(n *sitter.Node) {
	bases := []string{}
	if sc := n.ChildByFieldName("superclasses"); sc != nil {
		for i := 0; i < int(sc.NamedChildCount()); i++ {
			c := sc.NamedChild(i)
			if c.Type() == "identifier" || c.Type() == "attribute" {
				bases = append(bases, w.text(c))
			}
		}
	}

	methods := []string{}
	body := n.ChildByFieldName("body")
	if body != nil {
		for i := 0; i < int(body.NamedChildCount()); i++ {
			c := body.NamedChild(i)
			if c.Type() == "decorated_definition" {
				c = c.ChildByFieldName("definition")
			}
			if c != nil && c.Type() == "function_definition" {
				methods = append(methods, w.text(c.ChildByFieldName("name")))
			}
		}
	}

	w.out.Types = append(w.out.Types, models.TypeDef{
		Name:      w.text(n.ChildByFieldName("name")),
		LineStart: int(n.StartPoint().Row) + 1,
		LineEnd:   int(n.EndPoint().Row) + 1,
		Methods:   methods,
		Bases:     bases,
		Doc:       w.docstring(body),
	})
}

// docstring returns the leading string literal of a block, unquoted.
func (w *pyWalker) docstring(body *sitter.Node) string {
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	lit := first.NamedChild(0)
	if lit.Type() != "string" {
		return ""
	}
	return unquotePython(w.text(lit))
}

func unquotePython(s string) string {
	s = strings.TrimLeft(s, "rRuUbBfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			s = s[len(q) : len(s)-len(q)]
			break
		}
	}
	return strings.TrimSpace(s)
}

func (w *pyWalker) importStatement(n *sitter.Node) {
	line := int(n.StartPoint().Row) + 1
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		imp := models.Import{Line: line}
		switch c.Type() {
		case "dotted_name":
			imp.Module = w.text(c)
		case "aliased_import":
			imp.Module = w.text(c.ChildByFieldName("name"))
			imp.Alias = w.text(c.ChildByFieldName("alias"))
		default:
			continue
		}
		w.out.Imports = append(w.out.Imports, imp)
		w.deps.add(firstSegment(imp.Module, "."))
	}
}

func (w *pyWalker) importFrom(n *sitter.Node) {
	imp := models.Import{Line: int(n.StartPoint().Row) + 1, Names: []string{}}
	module := n.ChildByFieldName("module_name")
	relative := false
	if n.Type() == "future_import_statement" {
		imp.Module = "__future__"
	} else if module != nil {
		imp.Module = w.text(module)
		relative = module.Type() == "relative_import"
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if module != nil && c.StartByte() == module.StartByte() {
			continue
		}
		switch c.Type() {
		case "dotted_name":
			imp.Names = append(imp.Names, w.text(c))
		case "aliased_import":
			imp.Names = append(imp.Names, w.text(c.ChildByFieldName("name")))
		case "wildcard_import":
			imp.Names = append(imp.Names, "*")
		}
	}

	w.out.Imports = append(w.out.Imports, imp)
	if !relative {
		w.deps.add(firstSegment(imp.Module, "."))
	}
}
