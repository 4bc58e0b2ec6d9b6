// Package usage records dispatch outcomes as Prometheus metrics and,
// optionally, as trifle stats time series.
package usage

import (
	"errors"

	"github.com/secinv-io/secinv-mcp/internal/api"
	"github.com/secinv-io/secinv-mcp/internal/registry"
)

const (
	OutcomeOK           = "ok"
	OutcomeNotFound     = "not_found"
	OutcomeBadRequest   = "bad_request"
	OutcomeBackendError = "backend_error"
	OutcomeError        = "error"
)

// Outcome classifies a dispatch error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, registry.ErrResourceNotFound):
		return OutcomeNotFound
	case errors.Is(err, registry.ErrParameterTypeMismatch), errors.Is(err, registry.ErrMissingParameter):
		return OutcomeBadRequest
	case errors.Is(err, api.ErrBackendRequestFailed):
		return OutcomeBackendError
	default:
		return OutcomeError
	}
}

type multi []registry.Observer

func (m multi) Observe(e registry.Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// Multi fans each event out to every non-nil observer.
func Multi(observers ...registry.Observer) registry.Observer {
	var out multi
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func eventName(e registry.Event) string {
	if e.Name == "" {
		return "unknown"
	}
	return e.Name
}
