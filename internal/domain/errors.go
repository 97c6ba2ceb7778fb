package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RetriableError marks adapter errors that may succeed on another attempt
// (or another provider).
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable.
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

var (
	// ErrProviderNotFound is returned by the registry for unknown type names.
	ErrProviderNotFound = errors.New("provider not registered")

	// ErrDuplicateProvider is returned when a type name is registered twice.
	ErrDuplicateProvider = errors.New("provider already registered")

	// ErrConfigNotFound is returned when a configuration id does not exist.
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrNoActiveProviders is returned when routing finds no usable candidate.
	ErrNoActiveProviders = errors.New("no active providers")

	// ErrInvalidSymbol is returned for an empty or malformed symbol. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrPriceNotFound is returned when a provider has no quote for a symbol.
	ErrPriceNotFound = errors.New("price not found")
)

// FieldError is one invalid configuration field.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) String() string { return e.Field + ": " + e.Reason }

// ConfigurationError carries every invalid field, not just the first.
type ConfigurationError struct {
	Provider string
	Fields   []FieldError
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("invalid configuration for %s: %s", e.Provider, strings.Join(parts, "; "))
}

func (e *ConfigurationError) IsRetriable() bool { return false }

// AdapterConstructionError wraps a factory failure for a registered provider.
type AdapterConstructionError struct {
	Provider string
	Err      error
}

func (e *AdapterConstructionError) Error() string {
	return "building adapter for " + e.Provider + ": " + e.Err.Error()
}

func (e *AdapterConstructionError) Unwrap() error { return e.Err }

// RateLimitError signals the provider refused the request due to throttling.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration // zero when unknown
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limit exceeded, retry after %s", e.Provider, e.RetryAfter)
	}
	return e.Provider + " rate limit exceeded"
}

func (e *RateLimitError) IsRetriable() bool { return true }

// AuthenticationError signals rejected credentials. Not retriable.
type AuthenticationError struct {
	Provider string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return e.Provider + " authentication failed: " + e.Err.Error()
}

func (e *AuthenticationError) Unwrap() error     { return e.Err }
func (e *AuthenticationError) IsRetriable() bool { return false }

// TimeoutError signals an outbound call exceeded its deadline.
type TimeoutError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out: %v", e.Provider, e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error     { return e.Err }
func (e *TimeoutError) IsRetriable() bool { return true }

// NetworkOpError wraps a transport-level failure. Retriable.
type NetworkOpError struct {
	Op  string
	Err error
}

func (e *NetworkOpError) Error() string     { return e.Op + ": " + e.Err.Error() }
func (e *NetworkOpError) Unwrap() error     { return e.Err }
func (e *NetworkOpError) IsRetriable() bool { return true }

// AllProvidersFailedError is returned when every routing candidate was tried
// and none succeeded. LastErr is the final underlying failure.
type AllProvidersFailedError struct {
	Symbol   string
	Attempts int
	LastErr  error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all %d providers failed for %s: %v", e.Attempts, e.Symbol, e.LastErr)
}

func (e *AllProvidersFailedError) Unwrap() error { return e.LastErr }

// SchedulerTransitionError reports a control action invalid in the current
// scheduler state. It is a structured failure, never a panic.
type SchedulerTransitionError struct {
	Action string
	State  string
}

func (e *SchedulerTransitionError) Error() string {
	return fmt.Sprintf("cannot %s scheduler while %s", e.Action, e.State)
}
