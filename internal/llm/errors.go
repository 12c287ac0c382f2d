package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the fixed error taxonomy for provider calls.
type Kind int

const (
	// KindTransient covers network errors, 408, 429, 5xx and provider
	// overload codes. Retried with backoff, possibly on another key.
	KindTransient Kind = iota
	// KindPermanent covers 4xx other than 408/429 and contract violations.
	// Stored as a permanent_error row so the cell is not retried within
	// the window.
	KindPermanent
	// KindMalformed covers unparseable bodies and 200 responses with an
	// absent or empty content field. Treated as transient for the first
	// two attempts, then permanent.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// CallError is the typed error every adapter returns.
type CallError struct {
	Provider string
	Model    string
	Kind     Kind
	Status   int // 0 when the failure was not an HTTP status
	Message  string
	// KeyBlame marks 401/403: the credential is at fault, not the
	// provider. The key pool quarantines it.
	KeyBlame bool
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s/%s: %s (HTTP %d): %s", e.Provider, e.Model, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s: %s", e.Provider, e.Model, e.Kind, e.Message)
}

// KindOf classifies any error from an adapter call. Context cancellation
// and unknown errors count as transient.
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindTransient
}

// KeyBlamed reports whether the failure should quarantine the credential.
func KeyBlamed(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.KeyBlame
}

// RateLimited reports a 429 so the key pool can apply the shorter cooldown.
func RateLimited(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Status == 429
}

// statusError builds a CallError from a non-2xx HTTP status.
func statusError(provider, model string, status int, body string) *CallError {
	ce := &CallError{
		Provider: provider,
		Model:    model,
		Status:   status,
		Message:  truncate(body, 300),
	}
	switch {
	case status == 401 || status == 403:
		ce.Kind = KindTransient
		ce.KeyBlame = true
	case status == 408 || status == 429 || status >= 500:
		ce.Kind = KindTransient
	default:
		ce.Kind = KindPermanent
	}
	return ce
}

// transportError wraps a network-level failure.
func transportError(provider, model string, err error) *CallError {
	return &CallError{Provider: provider, Model: model, Kind: KindTransient, Message: err.Error()}
}

// malformedError marks an unparseable or contract-violating body. A 200
// with empty content is NOT success.
func malformedError(provider, model, msg string) *CallError {
	return &CallError{Provider: provider, Model: model, Kind: KindMalformed, Message: msg}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
