package controller

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/assetguard/internal/activity"
)

var (
	ErrNotInitialized     = errors.New("controller not initialized")
	ErrAlreadyInitialized = errors.New("controller already initialized")
	ErrUnauthorized       = errors.New("caller is not the configured admin")
	ErrInvalidAmount      = errors.New("transfer amount must be a positive 128-bit integer")
)

// QuotaExceededError reports which account and direction blocked a transfer.
type QuotaExceededError struct {
	Direction activity.Direction
	Account   string
	Attempted decimal.Decimal
	Limit     decimal.Decimal
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded for account %s: %s > %s",
		e.Direction, e.Account, e.Attempted, e.Limit)
}
