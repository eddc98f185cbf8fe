package orders

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict means an active order already occupies the canonical name.
	ErrConflict = errors.New("an active order already exists for this domain")
	// ErrAccountMissing means no account is registered for the target
	// authority and environment.
	ErrAccountMissing = errors.New("no account exists for this authority and environment")
	// ErrUnsupportedIdentifier means the authority answered with an
	// identifier type other than dns.
	ErrUnsupportedIdentifier = errors.New("only identifier type dns is supported")
	// ErrMaxRoundsExceeded means the polling loop hit its round bound
	// before the authority reached a decision.
	ErrMaxRoundsExceeded = errors.New("maximum polling rounds exceeded")
)

// ChallengeInvalidError is fatal: the authority rejected the proof and the
// order has to be recreated.
type ChallengeInvalidError struct {
	Identifier string
	Detail     string
}

func (e *ChallengeInvalidError) Error() string {
	msg := fmt.Sprintf("challenge for %q is invalid, recreate the order", e.Identifier)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// UnexpectedOrderStatusError is fatal and indicates a protocol-level anomaly.
type UnexpectedOrderStatusError struct {
	Status string
}

func (e *UnexpectedOrderStatusError) Error() string {
	return fmt.Sprintf("unexpected order status %q", e.Status)
}
