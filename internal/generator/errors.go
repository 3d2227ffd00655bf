package generator

import (
	"errors"

	"github.com/kalambet/salesmail/internal/customer"
)

// Kind classifies generation failures for callers that map them to
// transport status codes.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindSourceUnavailable
	KindUnavailable
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindUnavailable:
		return "unavailable"
	case KindParse:
		return "parse"
	default:
		return "internal"
	}
}

// Error is returned for failures that happen before or during streaming.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

func lookupError(err error) error {
	kind := KindInternal
	switch {
	case errors.Is(err, customer.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, customer.ErrSourceUnavailable):
		kind = KindSourceUnavailable
	case errors.Is(err, customer.ErrMalformed):
		kind = KindParse
	}
	return &Error{Kind: kind, Err: err}
}
