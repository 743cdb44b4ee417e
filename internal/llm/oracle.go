// Package llm provides the semantic oracle used to annotate files and resolve requirements.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/codemap/internal/config"
	"github.com/raphaelgruber/codemap/internal/metrics"
)

// Oracle completes a prompt with natural-language text.
type Oracle interface {
	// Complete returns the raw response text. Failures wrap ErrTransport.
	Complete(ctx context.Context, system, user string, temperature float64) (string, error)
	// Name identifies the model answering.
	Name() string
}

// usage is what a provider call reports back besides the text.
type usage struct {
	InputTokens  int64
	OutputTokens int64
}

// complete bounds fn with timeout, records metrics and classifies errors.
func complete(ctx context.Context, timeout time.Duration, mc *metrics.Collector, fn func(context.Context) (string, usage, error)) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	text, u, err := fn(ctx)
	elapsed := time.Since(start)
	if err == nil && text == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		mc.RecordTiming(metrics.OpOracleFailure, elapsed)
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (%w)", err, ctxErr)
		}
		return "", fmt.Errorf("%w: %w", ErrTransport, wrapFatalError(err))
	}
	mc.RecordLLMUsage(metrics.OpOracleComplete, elapsed, u.InputTokens, u.OutputTokens)
	return text, nil
}

// NewOracle builds the oracle selected by cfg.LLMProvider.
// ProviderNone returns a nil Oracle and no error; callers treat that as "annotation disabled".
func NewOracle(ctx context.Context, cfg config.Config, mc *metrics.Collector) (Oracle, error) {
	switch cfg.LLMProvider {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderAnthropicNative:
		a, err := NewAnthropic(cfg, mc)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		m, err := NewModel(ctx, cfg, mc)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}
