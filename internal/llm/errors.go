package llm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransport indicates the oracle could not produce a response:
	// network failure, timeout, provider error or an empty reply (ErrEmptyResponse).
	ErrTransport = errors.New("oracle transport failure")

	// ErrFatalAPI indicates a provider error that retrying will not fix
	// (credentials, billing, quota). It is always wrapped together with ErrTransport.
	ErrFatalAPI = errors.New("fatal oracle API error")

	// ErrEmptyResponse marks a successful call that returned no text.
	// It is always wrapped together with ErrTransport.
	ErrEmptyResponse = errors.New("empty response")
)

var fatalMarkers = []string{
	"credit balance",
	"rate limit",
	"quota",
	"billing",
	"invalid api key",
	"authentication",
	"unauthorized",
	"401",
	"403",
}

// isFatalAPIError reports whether err looks like an account-level provider failure.
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// wrapFatalError tags fatal provider errors with ErrFatalAPI and returns others unchanged.
func wrapFatalError(err error) error {
	if !isFatalAPIError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatalAPI, err)
}
