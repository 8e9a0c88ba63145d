// Package streamerr defines the error kinds surfaced by change streams.
//
// Every kind is a cockroachdb/errors mark, so wrapped errors keep their kind
// and callers branch with errors.Is or KindOf. Kinds survive transport: the
// gRPC and HTTP mappings in this package carry the kind name on the wire and
// FromStatus/FromHTTP restore it on the client side.
package streamerr

import (
	"github.com/cockroachdb/errors"
)

// Kind names an error class callers branch on.
type Kind string

const (
	KindUnknown             Kind = ""
	KindIncarnationMismatch Kind = "IncarnationMismatch"
	KindMalformedToken      Kind = "MalformedToken"
	KindFatal               Kind = "ChangeStreamFatalError"
	KindHistoryLost         Kind = "ChangeStreamHistoryLost"
	KindQueryPlanKilled     Kind = "QueryPlanKilled"
	KindNotEnabled          Kind = "ChangeStreamNotEnabled"
	KindInvalidOptions      Kind = "InvalidOptions"
	KindCursorNotFound      Kind = "CursorNotFound"
)

// Sentinels used as marks.
var (
	ErrIncarnationMismatch = errors.New("incarnation mismatch")
	ErrMalformedToken      = errors.New("malformed resume token")
	ErrFatal               = errors.New("change stream fatal error")
	ErrHistoryLost         = errors.New("change stream history lost")
	ErrQueryPlanKilled     = errors.New("query plan killed")
	ErrNotEnabled          = errors.New("change streams not enabled")
	ErrInvalidOptions      = errors.New("invalid change stream options")
	ErrCursorNotFound      = errors.New("cursor not found")
)

var kinds = []struct {
	kind Kind
	mark error
}{
	{KindIncarnationMismatch, ErrIncarnationMismatch},
	{KindMalformedToken, ErrMalformedToken},
	{KindFatal, ErrFatal},
	{KindHistoryLost, ErrHistoryLost},
	{KindQueryPlanKilled, ErrQueryPlanKilled},
	{KindNotEnabled, ErrNotEnabled},
	{KindInvalidOptions, ErrInvalidOptions},
	{KindCursorNotFound, ErrCursorNotFound},
}

func sentinel(k Kind) error {
	for _, e := range kinds {
		if e.kind == k {
			return e.mark
		}
	}
	return nil
}

// New returns an error of kind k with a formatted message.
func New(k Kind, format string, args ...interface{}) error {
	err := errors.NewWithDepthf(1, format, args...)
	if m := sentinel(k); m != nil {
		err = errors.Mark(err, m)
	}
	return err
}

// Wrap marks err with kind k, keeping err in the chain.
func Wrap(err error, k Kind, msg string) error {
	if err == nil {
		return nil
	}
	err = errors.WrapWithDepth(1, err, msg)
	if m := sentinel(k); m != nil {
		err = errors.Mark(err, m)
	}
	return err
}

func IncarnationMismatch(format string, args ...interface{}) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrIncarnationMismatch)
}

func MalformedToken(format string, args ...interface{}) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrMalformedToken)
}

func Fatal(format string, args ...interface{}) error {
	err := errors.Mark(errors.NewWithDepthf(1, format, args...), ErrFatal)
	return errors.WithHint(err, "open a new change stream against the intended tenant")
}

func HistoryLost(format string, args ...interface{}) error {
	err := errors.Mark(errors.NewWithDepthf(1, format, args...), ErrHistoryLost)
	return errors.WithHint(err, "the requested history was truncated or belongs to a previous incarnation; reopen without a start point to accept the loss")
}

func QueryPlanKilled(format string, args ...interface{}) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrQueryPlanKilled)
}

func NotEnabled(format string, args ...interface{}) error {
	err := errors.Mark(errors.NewWithDepthf(1, format, args...), ErrNotEnabled)
	return errors.WithHint(err, "enable change streams for the tenant first")
}

func InvalidOptions(format string, args ...interface{}) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrInvalidOptions)
}

func CursorNotFound(format string, args ...interface{}) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrCursorNotFound)
}

// KindOf reports the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, e := range kinds {
		if errors.Is(err, e.mark) {
			return e.kind
		}
	}
	return KindUnknown
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	m := sentinel(k)
	return m != nil && errors.Is(err, m)
}

// IsTerminal reports whether err ends a cursor for good. Terminal errors are
// never retried by the core.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindMalformedToken, KindFatal, KindHistoryLost, KindQueryPlanKilled, KindIncarnationMismatch:
		return true
	}
	return false
}

// ParseKind converts a wire kind name back to a Kind.
func ParseKind(s string) Kind {
	for _, e := range kinds {
		if string(e.kind) == s {
			return e.kind
		}
	}
	return KindUnknown
}

// Hints returns the user-facing hints attached to err.
func Hints(err error) []string { return errors.GetAllHints(err) }
