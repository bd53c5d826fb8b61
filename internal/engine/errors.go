package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hurttlocker/tweetfacts/internal/extract"
)

// ErrEmptyText is returned for blank input before any layer runs.
var ErrEmptyText = errors.New("engine: empty text")

// AggregateParsingFailure is the strict-mode failure: the first failing
// layer plus every message collected before it.
type AggregateParsingFailure struct {
	ID       string
	Layer    extract.LayerTag
	Cause    string
	Messages []string
	Err      *extract.LayerError
}

func (e *AggregateParsingFailure) Error() string {
	return fmt.Sprintf("parse %s failed at %s: %s", e.ID, e.Layer, strings.Join(e.Messages, "; "))
}

func (e *AggregateParsingFailure) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// AllLayersFailedError is the best-effort failure: no layer produced a
// result.
type AllLayersFailedError struct {
	ID     string
	Errors []*extract.LayerError
}

func (e *AllLayersFailedError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, le := range e.Errors {
		msgs[i] = le.Error()
	}
	return fmt.Sprintf("parse %s: all layers failed: %s", e.ID, strings.Join(msgs, "; "))
}

func (e *AllLayersFailedError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, le := range e.Errors {
		errs[i] = le
	}
	return errs
}

// Causes lists the cause codes of every failed layer.
func (e *AllLayersFailedError) Causes() []string {
	out := make([]string, len(e.Errors))
	for i, le := range e.Errors {
		out[i] = le.Cause
	}
	return out
}
