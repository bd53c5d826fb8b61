package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/hurttlocker/tweetfacts/internal/ratelimit"
)

// Failure kinds. A cause code is the layer prefix joined to a kind, e.g.
// "primary_timeout" or "geo_no_match".
const (
	KindTimeout         = "timeout"
	KindRateLimited     = "rate_limited"
	KindRequestFailed   = "request_failed"
	KindInvalidResponse = "invalid_response"
	KindMissingField    = "missing_field"
	KindMismatch        = "mismatch"
	KindNoMatch         = "no_match"
	KindBackendError    = "backend_error"
	KindEmptyInput      = "empty_input"
	KindInternal        = "internal"
)

// LayerError is one layer's failure for one input.
type LayerError struct {
	Layer LayerTag
	Cause string
	Err   error
}

// NewLayerError builds a LayerError whose cause is derived from the layer
// and kind.
func NewLayerError(layer LayerTag, kind string, err error) *LayerError {
	return &LayerError{Layer: layer, Cause: layer.causePrefix() + "_" + kind, Err: err}
}

func (e *LayerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s failed", e.Cause, e.Layer)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Cause, e.Layer, e.Err)
}

func (e *LayerError) Unwrap() error { return e.Err }

// ClassifyError converts a transport-level error into a LayerError,
// recognising deadlines and limiter exhaustion.
func ClassifyError(layer LayerTag, err error) *LayerError {
	var le *LayerError
	if errors.As(err, &le) {
		return le
	}
	var rle *ratelimit.RateLimitExceededError
	switch {
	case errors.As(err, &rle):
		return NewLayerError(layer, KindRateLimited, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewLayerError(layer, KindTimeout, err)
	default:
		return NewLayerError(layer, KindRequestFailed, err)
	}
}
