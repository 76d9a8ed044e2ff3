// Package kinderr defines the error taxonomy shared by every component of
// the mediation core. Store failures and invalid operations carry a Kind so
// callers (chiefly the admission middleware) can pick the HTTP status
// without string matching. Rate, quota and queue outcomes are not errors:
// they travel as admission Decisions. cache.ErrContention is a plain
// sentinel error.
package kinderr

import (
	"errors"
	"fmt"
)

// Kind enumerates the taxonomy from the error handling design. CacheMiss and
// Conflict are control signals handled locally and are not expected to
// escape C4/C5, but are included so internal plumbing can share one type.
type Kind int

const (
	Unknown Kind = iota
	CacheMiss
	RateDenied
	QuotaDenied
	QueueFull
	Timeout
	UpstreamError
	UpstreamThrottled
	StoreUnavailable
	Conflict
	ConfigInvalid
	UnknownOperation
)

func (k Kind) String() string {
	switch k {
	case CacheMiss:
		return "cache_miss"
	case RateDenied:
		return "rate_denied"
	case QuotaDenied:
		return "quota_denied"
	case QueueFull:
		return "queue_full"
	case Timeout:
		return "timeout"
	case UpstreamError:
		return "upstream_error"
	case UpstreamThrottled:
		return "upstream_throttled"
	case StoreUnavailable:
		return "store_unavailable"
	case Conflict:
		return "conflict"
	case ConfigInvalid:
		return "config_invalid"
	case UnknownOperation:
		return "unknown_operation"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind plus optional retry/reset hint
// fields. The admission middleware reads only the Kind; it renders its JSON
// bodies from the admission Decision.
type Error struct {
	Kind          Kind
	Msg           string
	Err           error
	RetryAfterSec int64
	ResetEpoch    int64
	QueuePosition int
	EstimatedWait int64
	CurrentUsage  int64
	Limit         int64
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a bare typed error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a Kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// As extracts a *Error from err, if present anywhere in its wrap chain.
func As(err error) (*Error, bool) {
	var ke *Error
	ok := errors.As(err, &ke)
	return ke, ok
}

// KindOf returns the Kind of err, or Unknown if err is not a *Error.
func KindOf(err error) Kind {
	if ke, ok := As(err); ok {
		return ke.Kind
	}
	return Unknown
}
