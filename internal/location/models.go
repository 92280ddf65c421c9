package location

import (
	"errors"
	"fmt"
	"time"

	"github.com/yegors/safewalk/internal/geo"
)

// Sample is one raw position reading. Nil sensor fields were not reported.
type Sample struct {
	Position  geo.GeoPoint `json:"position"`
	Accuracy  *float64     `json:"accuracy_m,omitempty"`
	Heading   *float64     `json:"heading_deg,omitempty"`
	Speed     *float64     `json:"speed_mps,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Options are the subscription options passed to a Source
type Options struct {
	HighAccuracy bool
	MaxCacheAge  time.Duration
	Timeout      time.Duration
}

// ErrorKind classifies position source failures
type ErrorKind int

const (
	// PositionUnavailable means no fix could be obtained right now
	PositionUnavailable ErrorKind = iota + 1
	// Timeout means no fix arrived within Options.Timeout
	Timeout
	// PermissionDenied means the user refused location access
	PermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case PositionUnavailable:
		return "position_unavailable"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ParseErrorKind parses the wire name of an ErrorKind
func ParseErrorKind(s string) (ErrorKind, error) {
	switch s {
	case "permission_denied":
		return PermissionDenied, nil
	case "position_unavailable":
		return PositionUnavailable, nil
	case "timeout":
		return Timeout, nil
	default:
		return 0, fmt.Errorf("unknown position error kind: %s", s)
	}
}

// Sentinel errors matched by errors.Is against an *Error
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("position timeout")
)

// Error is reported through a subscription's error callback
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError creates an Error of the given kind
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Kind == PermissionDenied
	case ErrPositionUnavailable:
		return e.Kind == PositionUnavailable
	case ErrTimeout:
		return e.Kind == Timeout
	}
	return false
}

// Fatal reports whether the subscription cannot recover from the error.
func (e *Error) Fatal() bool {
	return e.Kind == PermissionDenied
}

// Classify maps any error to an *Error. Unknown errors are treated as a
// transient PositionUnavailable.
func Classify(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return NewError(PermissionDenied, err)
	case errors.Is(err, ErrTimeout):
		return NewError(Timeout, err)
	default:
		return NewError(PositionUnavailable, err)
	}
}

// Subscription is the handle for an active watch
type Subscription interface {
	Unsubscribe()
}

// Source is a persistent position watch. Callbacks may run on any goroutine
// and must not block for long.
type Source interface {
	Subscribe(opts Options, onSample func(Sample), onError func(error)) (Subscription, error)
}
