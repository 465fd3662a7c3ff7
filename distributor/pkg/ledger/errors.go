package ledger

import (
	"errors"
	"fmt"
)

// Kind tags a ledger failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindExpiredCredential means the blockhash a transaction was built with is no longer valid.
	KindExpiredCredential
	// KindTimeout means confirmation was not observed within the wait bound.
	KindTimeout
	// KindUnavailable means the endpoint could not be reached or shed load.
	KindUnavailable
	// KindSimulationTransient means the dry run failed for a reason that may clear on rebuild.
	KindSimulationTransient
	// KindSimulationRejected means the dry run failed and will keep failing.
	KindSimulationRejected
	// KindRejected means the transaction landed with an error or was refused outright.
	KindRejected
	KindInsufficientBalance
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindExpiredCredential:
		return "expired_credential"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindSimulationTransient:
		return "simulation_transient"
	case KindSimulationRejected:
		return "simulation_rejected"
	case KindRejected:
		return "rejected"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is the failure type returned across the ledger boundary.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == kind
}
