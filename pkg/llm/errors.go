package llm

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Error classes. Callers branch on these to decide between retrying,
// rotating keys, degrading capabilities or replying with a user-facing
// message.
const (
	ClassQuota           = "quota"
	ClassSafetyBlocked   = "safety_blocked"
	ClassCapability      = "capability"
	ClassInvalidArgument = "invalid_argument"
	ClassNetwork         = "network"
	ClassUnknown         = "unknown"
)

var (
	// ErrAllKeysExhausted means every configured API key hit its quota.
	ErrAllKeysExhausted = errors.New("llm: all API keys exhausted")
	// ErrCircuitOpen is returned without calling the provider while the
	// breaker cools down.
	ErrCircuitOpen = errors.New("llm: circuit breaker open")
	// ErrEmptyResponse means the provider returned no usable candidate.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// Error wraps a provider failure with its class.
type Error struct {
	Class string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("llm %s: %v", e.Class, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the error class, defaulting to unknown.
func ClassOf(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Class
	}
	return ClassUnknown
}

// Classify maps a raw provider error to its class by message patterns.
// The SDK does not expose stable typed errors for these cases, so the
// classification matches on status codes and key phrases.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "quota"):
		return &Error{Class: ClassQuota, Err: err}

	case strings.Contains(msg, "safety"),
		strings.Contains(msg, "blocked"),
		strings.Contains(msg, "prohibited_content"):
		return &Error{Class: ClassSafetyBlocked, Err: err}

	case offendingCapability(msg) != "":
		return &Error{Class: ClassCapability, Err: err}

	case strings.Contains(msg, "400"),
		strings.Contains(msg, "invalid argument"),
		strings.Contains(msg, "invalid_argument"):
		return &Error{Class: ClassInvalidArgument, Err: err}

	case strings.Contains(msg, "503"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "internal error"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "eof"):
		return &Error{Class: ClassNetwork, Err: err}
	}
	return &Error{Class: ClassUnknown, Err: err}
}

// IsTransient reports whether the error is worth retrying on the same
// key with backoff.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassNetwork
}

// circuitBreaker opens after a run of consecutive terminal failures and
// rejects calls until the cooldown passes. A single success closes it.
type circuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().After(b.openUntil)
}

func (b *circuitBreaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

func (b *circuitBreaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.cooldown)
		b.failures = 0
	}
}
