// Package source defines the capability interface every platform collector
// implements, and the error classification the scheduler acts on.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
)

// Request describes one collection attempt.
type Request struct {
	Kind progress.Source
	// Today is the current calendar date in the platform's reporting zone.
	Today string
	// Since bounds how far back a source should look. Zero means adapter default.
	Since time.Time
}

// Adapter harvests one external source. Implementations keep no state that
// affects correctness across calls and treat each call as one attempt:
// connections are opened and released inside Collect.
type Adapter interface {
	Kind() progress.Source

	// Collect returns zero or more partial records. Errors should be
	// *AdapterError; anything else is treated as transient.
	Collect(ctx context.Context, req Request) ([]progress.PartialRecord, error)
}

// HealthChecker is implemented by adapters that can probe their upstream
// without collecting.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// ErrorKind says whether a failure may be retried with backoff.
type ErrorKind int

const (
	// Transient covers network failures, timeouts and rate limits.
	Transient ErrorKind = iota
	// Permanent covers auth and parse failures. No backoff; the next normal
	// tick tries again.
	Permanent
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// AdapterError is a classified collection failure.
type AdapterError struct {
	Kind   ErrorKind
	Source progress.Source
	Op     string
	Err    error
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Source, e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewTransient builds a transient adapter error.
func NewTransient(src progress.Source, op string, err error) *AdapterError {
	return &AdapterError{Kind: Transient, Source: src, Op: op, Err: err}
}

// NewPermanent builds a permanent adapter error.
func NewPermanent(src progress.Source, op string, err error) *AdapterError {
	return &AdapterError{Kind: Permanent, Source: src, Op: op, Err: err}
}

// Classify returns the kind of err. Deadline overruns are transient, and so
// is anything that is not an *AdapterError.
func Classify(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Transient
}

// IsPermanent reports whether err is a permanent adapter failure.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == Permanent
}

// IsTransient reports whether err is retry-eligible.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == Transient
}

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ══════════════════════════════════════════════════════════════════════════════

// Registry holds the adapters the process was configured with. The core is
// parameterized by this set; a platform without a web dashboard simply does
// not register one.
type Registry struct {
	adapters map[progress.Source]Adapter
}

// NewRegistry builds a registry. A later adapter of the same kind replaces
// an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[progress.Source]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Kind()] = a
		}
	}
	return r
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind progress.Source) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds lists registered source kinds in canonical order.
func (r *Registry) Kinds() []progress.Source {
	out := make([]progress.Source, 0, len(r.adapters))
	for _, k := range progress.AllSources {
		if _, ok := r.adapters[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
