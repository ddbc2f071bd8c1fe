package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies an item failure before it is written to last_error.
// Only classified failures are user-visible.
type FailureKind string

const (
	// FailureTransient covers network and driver hiccups; retried with backoff.
	FailureTransient FailureKind = "TransientSourceError"
	// FailureNoHealthyDriver means no capable back-end was available.
	FailureNoHealthyDriver FailureKind = "NoHealthyDriver"
	// FailureConversion is a conversion collaborator failure.
	FailureConversion FailureKind = "ConversionFailure"
	// FailureImport is an import collaborator failure.
	FailureImport FailureKind = "ImportFailure"
)

// ErrNoHealthyDriver is returned by the selector when every capable driver is
// missing or circuit-open.
var ErrNoHealthyDriver = errors.New("no healthy driver for source type")

// FormatFailure renders the classified message persisted on the item.
func FormatFailure(kind FailureKind, msg string) string {
	return fmt.Sprintf("%s: %s", kind, msg)
}

// ClassifyDriverError maps raw driver errors onto the taxonomy. Everything a
// driver reports is treated as transient; exhaustion of retries is what turns
// a persistent problem terminal.
func ClassifyDriverError(err error) FailureKind {
	if errors.Is(err, ErrNoHealthyDriver) {
		return FailureNoHealthyDriver
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	return FailureTransient
}
