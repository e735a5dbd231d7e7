package model

import "errors"

// Error taxonomy for the market core. Operations wrap these with a
// reason (fmt.Errorf("%w: ...")); callers classify with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotEligible         = errors.New("not eligible")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadySettled      = errors.New("market already settled")
	ErrAlreadyActivated    = errors.New("market already activated")

	ErrMarketNotTradable    = errors.New("market not tradable")
	ErrIneligibleTrader     = errors.New("ineligible trader")
	ErrNoSuchTrade          = errors.New("no such trade")
	ErrMarketClosed         = errors.New("market closed")
	ErrInvalidMarketState   = errors.New("invalid market state")
	ErrOutOfRange           = errors.New("value out of range")
	ErrPreviewRequired      = errors.New("settlement preview required")
	ErrConfirmationRequired = errors.New("settlement confirmation required")

	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)
