package parser

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"github.com/raphaelgruber/codemap/internal/models"
)

func extractGo(src []byte) (models.StructuralSummary, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", src, parser.ParseComments)
	if err != nil {
		return models.StructuralSummary{}, err
	}

	out := models.EmptySummary(0)
	deps := newDependencySet()
	line := func(p token.Pos) int { return fset.Position(p).Line }

	for _, spec := range file.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		imp := models.Import{Module: p, Line: line(spec.Pos())}
		if spec.Name != nil {
			imp.Alias = spec.Name.Name
		}
		out.Imports = append(out.Imports, imp)
		deps.add(goDependency(p))
	}

	methods := map[string][]string{}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		out.Functions = append(out.Functions, models.Function{
			Name:       fn.Name.Name,
			LineStart:  line(fn.Pos()),
			LineEnd:    line(fn.End()),
			Args:       fieldNames(fn.Type.Params),
			Decorators: directives(fn.Doc),
			Doc:        strings.TrimSpace(fn.Doc.Text()),
		})
		if recv := receiverType(fn); recv != "" {
			methods[recv] = append(methods[recv], fn.Name.Name)
		}
	}

	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.TYPE {
			continue
		}
		for _, s := range gen.Specs {
			ts := s.(*ast.TypeSpec)
			doc := ts.Doc
			if doc == nil && len(gen.Specs) == 1 {
				doc = gen.Doc
			}
			td := models.TypeDef{
				Name:      ts.Name.Name,
				LineStart: line(ts.Pos()),
				LineEnd:   line(ts.End()),
				Methods:   append([]string{}, methods[ts.Name.Name]...),
				Bases:     []string{},
				Doc:       strings.TrimSpace(doc.Text()),
			}
			switch t := ts.Type.(type) {
			case *ast.StructType:
				for _, f := range t.Fields.List {
					if len(f.Names) == 0 {
						td.Bases = append(td.Bases, exprString(f.Type))
					}
				}
			case *ast.InterfaceType:
				for _, f := range t.Methods.List {
					if len(f.Names) == 0 {
						td.Bases = append(td.Bases, exprString(f.Type))
						continue
					}
					for _, n := range f.Names {
						td.Methods = append(td.Methods, n.Name)
					}
				}
			}
			out.Types = append(out.Types, td)
		}
	}

	out.Dependencies = deps.names
	return out, nil
}

// goDependency reduces an import path to its top-level dependency name:
// the first segment for standard library paths, host/owner/repo otherwise.
func goDependency(importPath string) string {
	parts := strings.Split(importPath, "/")
	if !strings.Contains(parts[0], ".") {
		return parts[0]
	}
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, "/")
}

func fieldNames(fl *ast.FieldList) []string {
	names := []string{}
	if fl == nil {
		return names
	}
	for _, f := range fl.List {
		if len(f.Names) == 0 {
			names = append(names, "_")
			continue
		}
		for _, n := range f.Names {
			names = append(names, n.Name)
		}
	}
	return names
}

// directives returns //go: comment lines, the closest Go has to decorators.
func directives(doc *ast.CommentGroup) []string {
	out := []string{}
	if doc == nil {
		return out
	}
	for _, c := range doc.List {
		if strings.HasPrefix(c.Text, "//go:") {
			out = append(out, strings.TrimPrefix(c.Text, "//"))
		}
	}
	return out
}

func receiverType(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return ""
	}
	t := fn.Recv.List[0].Type
	if star, ok := t.(*ast.StarExpr); ok {
		t = star.X
	}
	switch r := t.(type) {
	case *ast.Ident:
		return r.Name
	case *ast.IndexExpr:
		return exprString(r.X)
	case *ast.IndexListExpr:
		return exprString(r.X)
	}
	return ""
}

func exprString(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.SelectorExpr:
		return exprString(t.X) + "." + t.Sel.Name
	case *ast.StarExpr:
		return "*" + exprString(t.X)
	case *ast.IndexExpr:
		return exprString(t.X)
	}
	return ""
}
