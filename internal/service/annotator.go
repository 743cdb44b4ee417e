package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/codemap/internal/llm"
	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/raphaelgruber/codemap/internal/models"
)

// DefaultAnnotateMaxBytes is the content budget sent to the oracle per file.
const DefaultAnnotateMaxBytes = 3000

const (
	annotateSystemPrompt = "You are a code analysis expert. Provide concise, structured analysis."
	annotateTemperature  = 0.3
)

const annotatePromptTemplate = `Analyze this code file and provide:
1. Purpose and functionality
2. Key components and their roles
3. Dependencies and relationships
4. Potential issues or improvements

Code:
%s

Provide analysis in JSON format.`

// Annotator asks the oracle for a natural-language characterization of a file.
// Oracle failures degrade to the unavailable marker; they are never returned.
type Annotator struct {
	oracle   llm.Oracle
	maxBytes int
	metrics  *metrics.Collector
}

// NewAnnotator creates an annotator. A nil oracle disables annotation.
func NewAnnotator(oracle llm.Oracle, maxBytes int, mc *metrics.Collector) *Annotator {
	if maxBytes <= 0 {
		maxBytes = DefaultAnnotateMaxBytes
	}
	return &Annotator{oracle: oracle, maxBytes: maxBytes, metrics: mc}
}

// Annotate returns the oracle's characterization of content.
func (a *Annotator) Annotate(ctx context.Context, content []byte) models.Annotation {
	if a.oracle == nil {
		return models.Annotation{Text: models.AnnotationUnavailable, Error: "semantic oracle disabled"}
	}

	start := time.Now()
	prompt := fmt.Sprintf(annotatePromptTemplate, truncateUTF8(content, a.maxBytes))
	text, err := a.oracle.Complete(ctx, annotateSystemPrompt, prompt, annotateTemperature)
	a.metrics.RecordTiming(metrics.OpAnnotate, time.Since(start))
	if err != nil {
		slog.Warn("annotation unavailable", "model", a.oracle.Name(), "error", err)
		a.metrics.Inc("annotation_unavailable")
		return models.Annotation{Text: models.AnnotationUnavailable, Error: err.Error()}
	}
	return models.Annotation{Text: text, Available: true, Model: a.oracle.Name()}
}

// truncateUTF8 cuts b to at most n bytes without splitting a rune.
func truncateUTF8(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n])
}
