package cart

import "errors"

// ErrCurrencyMismatch is returned when a line's currency differs from the cart's.
var ErrCurrencyMismatch = errors.New("cart: currency mismatch")

// ErrLineNotFound is returned when an update targets a line that does not exist.
var ErrLineNotFound = errors.New("cart: line not found")

// ErrInvalidInput is returned when the provided item or quantity is invalid.
var ErrInvalidInput = errors.New("cart: invalid input")
