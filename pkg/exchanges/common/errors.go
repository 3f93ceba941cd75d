package common

import (
	"errors"
	"fmt"
)

// Gateway failure classes.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRejected          = errors.New("order rejected")
	ErrNetwork           = errors.New("network error")
	ErrOrderNotFound     = errors.New("order not found")
)

// IsRetryable reports whether a gateway error is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}

// Classify wraps err with class so errors.Is matches both.
func Classify(class error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", class, err)
}
