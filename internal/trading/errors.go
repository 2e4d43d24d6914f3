package trading

import (
	"errors"
	"fmt"
)

var (
	ErrTradeActive         = errors.New("a trade is already active")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrInvalidStake        = errors.New("stake out of range")
	ErrInvalidDuration     = errors.New("duration not allowed")
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrInvalidDirection    = errors.New("invalid direction")
	ErrInvalidMode         = errors.New("invalid account mode")
	ErrStopped             = errors.New("trade manager stopped")
)

// Reason classifies a rejected open.
type Reason string

const (
	ReasonTradeActive         Reason = "trade_active"
	ReasonValidation          Reason = "validation"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonPriceUnavailable    Reason = "price_unavailable"
)

// PreconditionError is returned when Open refuses a trade before anything
// was mutated.
type PreconditionError struct {
	Reason Reason
	Err    error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("trade rejected (%s): %v", e.Reason, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

func reject(reason Reason, err error) *PreconditionError {
	return &PreconditionError{Reason: reason, Err: err}
}

// PersistenceError is returned when a balance or trade write failed. The
// attempt has been rolled back by the time it is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("could not %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
