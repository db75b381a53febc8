package exchange

import (
	"errors"
	"fmt"
)

// ErrRateLimit means a call slot could not be acquired in time.
// The call was never dispatched; retry next cycle.
var ErrRateLimit = errors.New("rate limit: no call slot available")

// ResolutionError means a symbol could not be mapped to any contract.
// Callers skip the symbol for the cycle; the resolver retries later.
type ResolutionError struct {
	Symbol string
	Tried  []string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %v", e.Symbol, e.Err)
	}
	return fmt.Sprintf("resolve %s: no contract matched (tried %v)", e.Symbol, e.Tried)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// OrderRejectedError means the exchange refused one order.
// The rest of the cycle proceeds.
type OrderRejectedError struct {
	Symbol string
	Side   Side
	Reason string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order rejected %s %s: %s", e.Symbol, e.Side, e.Reason)
}
