package models

import "time"

// AnnotationUnavailable is the text stored when the oracle could not annotate a file.
const AnnotationUnavailable = "AI analysis unavailable"

// Function is a function or method definition found in a file.
type Function struct {
	Name       string   `json:"name"`
	LineStart  int      `json:"line_start"`
	LineEnd    int      `json:"line_end"`
	Args       []string `json:"args"`
	Decorators []string `json:"decorators"`
	Doc        string   `json:"doc,omitempty"`
}

// TypeDef is a class, struct or interface definition.
type TypeDef struct {
	Name      string   `json:"name"`
	LineStart int      `json:"line_start"`
	LineEnd   int      `json:"line_end"`
	Methods   []string `json:"methods"`
	Bases     []string `json:"bases"`
	Doc       string   `json:"doc,omitempty"`
}

// Import is a single import statement.
type Import struct {
	Module string   `json:"module"`
	Names  []string `json:"names,omitempty"`
	Alias  string   `json:"alias,omitempty"`
	Line   int      `json:"line"`
}

// StructuralSummary is the language-aware shape of one file.
// Parsed is false when the kind has no extractor or extraction failed.
type StructuralSummary struct {
	Functions    []Function `json:"functions"`
	Types        []TypeDef  `json:"types"`
	Imports      []Import   `json:"imports"`
	Dependencies []string   `json:"dependencies"`
	LineCount    int        `json:"line_count"`
	Parsed       bool       `json:"parsed"`
}

// EmptySummary returns a well-formed summary with no findings.
func EmptySummary(lineCount int) StructuralSummary {
	return StructuralSummary{
		Functions:    []Function{},
		Types:        []TypeDef{},
		Imports:      []Import{},
		Dependencies: []string{},
		LineCount:    lineCount,
	}
}

// Annotation is the oracle's natural-language characterization of a file.
type Annotation struct {
	Text      string `json:"text"`
	Available bool   `json:"available"`
	Model     string `json:"model,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StructuralRecord is the persisted per-file result of an analysis run.
type StructuralRecord struct {
	ID           string            `json:"id"`
	RepositoryID string            `json:"repository_id"`
	FilePath     string            `json:"file_path"`
	FileKind     string            `json:"file_kind"`
	Summary      StructuralSummary `json:"summary"`
	Annotation   *Annotation       `json:"annotation,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// FunctionNames returns the names of all functions in the record.
func (r StructuralRecord) FunctionNames() []string {
	names := make([]string, 0, len(r.Summary.Functions))
	for _, f := range r.Summary.Functions {
		names = append(names, f.Name)
	}
	return names
}

// TypeNames returns the names of all types in the record.
func (r StructuralRecord) TypeNames() []string {
	names := make([]string, 0, len(r.Summary.Types))
	for _, t := range r.Summary.Types {
		names = append(names, t.Name)
	}
	return names
}

// FileSummary is one line of a CodeMapSummary.
type FileSummary struct {
	Path      string `json:"path"`
	Kind      string `json:"kind"`
	Functions int    `json:"functions"`
	Types     int    `json:"types"`
	Lines     int    `json:"lines"`
}

// CodeMapSummary aggregates the structural records of a repository.
type CodeMapSummary struct {
	RepositoryID   string         `json:"repository_id"`
	TotalFiles     int            `json:"total_files"`
	FileTypes      map[string]int `json:"file_types"`
	TotalFunctions int            `json:"total_functions"`
	TotalTypes     int            `json:"total_types"`
	TotalLines     int            `json:"total_lines"`
	Files          []FileSummary  `json:"files"`
}

// Summarize folds records into a CodeMapSummary, keeping record order.
func Summarize(repositoryID string, records []StructuralRecord) CodeMapSummary {
	s := CodeMapSummary{
		RepositoryID: repositoryID,
		FileTypes:    make(map[string]int),
		Files:        make([]FileSummary, 0, len(records)),
	}
	for _, r := range records {
		s.TotalFiles++
		s.FileTypes[r.FileKind]++
		s.TotalFunctions += len(r.Summary.Functions)
		s.TotalTypes += len(r.Summary.Types)
		s.TotalLines += r.Summary.LineCount
		s.Files = append(s.Files, FileSummary{
			Path:      r.FilePath,
			Kind:      r.FileKind,
			Functions: len(r.Summary.Functions),
			Types:     len(r.Summary.Types),
			Lines:     r.Summary.LineCount,
		})
	}
	return s
}
