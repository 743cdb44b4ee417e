package parser

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"

	"github.com/raphaelgruber/codemap/internal/models"
)

var (
	scriptFuncRe   = regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)\s*\(([^)]*)`)
	scriptArrowRe  = regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*(?::[^=]+)?=\s*(?:async\s+)?(?:\(([^)]*)\)|([A-Za-z_$][\w$]*))\s*(?::[^=]+)?=>`)
	scriptClassRe  = regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)(?:\s+extends\s+([A-Za-z_$][\w$.]*))?`)
	scriptIfaceRe  = regexp.MustCompile(`^\s*(?:export\s+)?interface\s+([A-Za-z_$][\w$]*)(?:\s+extends\s+([\w$.,\s]+?))?\s*\{?\s*$`)
	scriptFromRe   = regexp.MustCompile(`^\s*(?:import|export)\s+(.+?)\s+from\s+['"]([^'"]+)['"]`)
	scriptBareRe   = regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`)
	scriptRequire  = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	scriptDecorRe  = regexp.MustCompile(`^\s*@([A-Za-z_$][\w$.]*(?:\(.*\))?)\s*$`)
	scriptBindings = regexp.MustCompile(`[A-Za-z_$][\w$]*`)
)

// extractScript is a line-oriented pass for JavaScript and TypeScript.
// Every hit spans exactly its trigger line.
func extractScript(src []byte, typescript bool) models.StructuralSummary {
	out := models.EmptySummary(0)
	deps := newDependencySet()
	var pendingDecorators []string

	sc := bufio.NewScanner(bytes.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()

		if m := scriptDecorRe.FindStringSubmatch(line); m != nil {
			pendingDecorators = append(pendingDecorators, m[1])
			continue
		}
		decorators := pendingDecorators
		if decorators == nil {
			decorators = []string{}
		}
		pendingDecorators = nil

		switch {
		case scriptFuncRe.MatchString(line):
			m := scriptFuncRe.FindStringSubmatch(line)
			out.Functions = append(out.Functions, scriptFunction(m[1], m[2], n, decorators))
		case scriptArrowRe.MatchString(line):
			m := scriptArrowRe.FindStringSubmatch(line)
			params := m[2]
			if m[3] != "" {
				params = m[3]
			}
			out.Functions = append(out.Functions, scriptFunction(m[1], params, n, decorators))
		case scriptClassRe.MatchString(line):
			m := scriptClassRe.FindStringSubmatch(line)
			td := models.TypeDef{Name: m[1], LineStart: n, LineEnd: n, Methods: []string{}, Bases: []string{}}
			if m[2] != "" {
				td.Bases = append(td.Bases, m[2])
			}
			out.Types = append(out.Types, td)
		case typescript && scriptIfaceRe.MatchString(line):
			m := scriptIfaceRe.FindStringSubmatch(line)
			td := models.TypeDef{Name: m[1], LineStart: n, LineEnd: n, Methods: []string{}, Bases: []string{}}
			for _, b := range strings.Split(m[2], ",") {
				if b = strings.TrimSpace(b); b != "" {
					td.Bases = append(td.Bases, b)
				}
			}
			out.Types = append(out.Types, td)
		}

		switch {
		case scriptFromRe.MatchString(line):
			m := scriptFromRe.FindStringSubmatch(line)
			out.Imports = append(out.Imports, models.Import{Module: m[2], Names: importBindings(m[1]), Line: n})
			deps.add(scriptDependency(m[2]))
		case scriptBareRe.MatchString(line):
			m := scriptBareRe.FindStringSubmatch(line)
			out.Imports = append(out.Imports, models.Import{Module: m[1], Line: n})
			deps.add(scriptDependency(m[1]))
		default:
			for _, m := range scriptRequire.FindAllStringSubmatch(line, -1) {
				out.Imports = append(out.Imports, models.Import{Module: m[1], Line: n})
				deps.add(scriptDependency(m[1]))
			}
		}
	}

	out.Dependencies = deps.names
	return out
}

func scriptFunction(name, params string, line int, decorators []string) models.Function {
	args := []string{}
	for _, p := range strings.Split(params, ",") {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(p, "...")
		if i := strings.IndexAny(p, ":=?"); i >= 0 {
			p = strings.TrimSpace(p[:i])
		}
		if p != "" {
			args = append(args, p)
		}
	}
	return models.Function{Name: name, LineStart: line, LineEnd: line, Args: args, Decorators: decorators}
}

// importBindings lists local names bound by an import clause like
// "React, { useState as useS }" or "* as path".
func importBindings(clause string) []string {
	var names []string
	clause = strings.TrimPrefix(strings.TrimSpace(clause), "type ")
	for _, part := range strings.Split(strings.NewReplacer("{", ",", "}", ",").Replace(clause), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.Index(part, " as "); i >= 0 {
			part = strings.TrimSpace(part[i+4:])
		}
		if id := scriptBindings.FindString(part); id != "" {
			names = append(names, id)
		}
	}
	return names
}

// scriptDependency returns the package a module specifier refers to.
// Relative specifiers are local files and yield "".
func scriptDependency(spec string) string {
	if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") {
		return ""
	}
	if strings.HasPrefix(spec, "@") {
		parts := strings.SplitN(spec, "/", 3)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return spec
	}
	return firstSegment(spec, "/")
}
