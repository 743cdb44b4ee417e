// Package parser extracts language-aware structural summaries from source files.
package parser

import (
	"bytes"
	"context"
	"crypto/sha256"
	"log/slog"
	"path"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/raphaelgruber/codemap/internal/models"
)

// Kind identifies how a file is extracted.
type Kind string

const (
	KindPython     Kind = "python"
	KindGo         Kind = "go"
	KindJavaScript Kind = "javascript"
	KindTypeScript Kind = "typescript"
	KindJSON       Kind = "json"
)

var extensionKinds = map[string]Kind{
	".py":   KindPython,
	".go":   KindGo,
	".js":   KindJavaScript,
	".jsx":  KindJavaScript,
	".mjs":  KindJavaScript,
	".cjs":  KindJavaScript,
	".ts":   KindTypeScript,
	".tsx":  KindTypeScript,
	".json": KindJSON,
}

// KindForPath returns the extraction kind for a file path.
// ok is false for files the analysis run ignores.
func KindForPath(p string) (Kind, bool) {
	k, ok := extensionKinds[strings.ToLower(path.Ext(p))]
	return k, ok
}

// Rich reports whether the kind has a full grammar.
func (k Kind) Rich() bool {
	return k == KindPython || k == KindGo
}

// DefaultCacheSize is the number of summaries kept by NewExtractor.
const DefaultCacheSize = 512

// Extractor turns file content into a StructuralSummary.
// It is safe for concurrent use.
type Extractor struct {
	cache   *lru.Cache[[sha256.Size]byte, models.StructuralSummary]
	metrics *metrics.Collector
}

// NewExtractor creates an extractor that memoizes up to cacheSize summaries.
// A cacheSize <= 0 disables the cache. mc may be nil.
func NewExtractor(cacheSize int, mc *metrics.Collector) *Extractor {
	e := &Extractor{metrics: mc}
	if cacheSize > 0 {
		// Only fails for non-positive sizes.
		e.cache, _ = lru.New[[sha256.Size]byte, models.StructuralSummary](cacheSize)
	}
	return e
}

// Extract returns the structural summary of content. It never fails:
// unknown kinds, parse errors and panics all produce an empty summary with Parsed=false.
func (e *Extractor) Extract(content []byte, kind Kind) models.StructuralSummary {
	var key [sha256.Size]byte
	if e.cache != nil {
		h := sha256.New()
		h.Write([]byte(kind))
		h.Write([]byte{0})
		h.Write(content)
		copy(key[:], h.Sum(nil))
		if s, ok := e.cache.Get(key); ok {
			return s
		}
	}

	start := time.Now()
	summary := extract(content, kind)
	e.metrics.RecordTiming(metrics.OpExtract, time.Since(start))

	if e.cache != nil {
		e.cache.Add(key, summary)
	}
	return summary
}

func extract(content []byte, kind Kind) (summary models.StructuralSummary) {
	lines := lineCount(content)
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("extractor panic", "kind", kind, "panic", r)
			summary = models.EmptySummary(lines)
		}
	}()

	var err error
	switch kind {
	case KindPython:
		summary, err = extractPython(context.Background(), content)
	case KindGo:
		summary, err = extractGo(content)
	case KindJavaScript, KindTypeScript:
		summary = extractScript(content, kind == KindTypeScript)
	default:
		return models.EmptySummary(lines)
	}
	if err != nil {
		slog.Debug("extraction failed", "kind", kind, "error", err)
		return models.EmptySummary(lines)
	}
	summary.LineCount = lines
	summary.Parsed = true
	return summary
}

// lineCount counts lines the way an editor does: a trailing newline does not
// start a new line, and empty content has zero lines.
func lineCount(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := bytes.Count(content, []byte{'\n'})
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

// dependencySet collects first path segments in first-seen order.
type dependencySet struct {
	seen  map[string]bool
	names []string
}

func newDependencySet() *dependencySet {
	return &dependencySet{seen: map[string]bool{}, names: []string{}}
}

func (d *dependencySet) add(name string) {
	if name == "" || d.seen[name] {
		return
	}
	d.seen[name] = true
	d.names = append(d.names, name)
}

// firstSegment returns the part of target before the first separator.
func firstSegment(target, sep string) string {
	if i := strings.Index(target, sep); i >= 0 {
		return target[:i]
	}
	return target
}
