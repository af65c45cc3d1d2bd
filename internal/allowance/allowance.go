// Package allowance models delegated-spend grants scoped to an
// (owner, spender) pair. Unlike quota entries, allowances do not decay with
// time; they expire by explicit comparison against the current ledger
// sequence.
package allowance

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrInsufficient = errors.New("insufficient allowance")

// Value is one grant. An allowance is live while the current ledger sequence
// has not passed ExpirationLedger.
type Value struct {
	Amount           decimal.Decimal `json:"amount"`
	ExpirationLedger uint32          `json:"expiration_ledger"`
}

// Live reports whether the grant is still usable at the given ledger.
func (v Value) Live(ledgerSeq uint32) bool {
	return v.ExpirationLedger >= ledgerSeq
}

// Remaining returns the spendable amount at the given ledger, zero once the
// grant has expired.
func (v Value) Remaining(ledgerSeq uint32) decimal.Decimal {
	if !v.Live(ledgerSeq) {
		return decimal.Zero
	}
	return v.Amount
}

// Spend consumes amount from the grant, failing if the grant is expired or
// too small. The receiver is left unchanged on failure.
func (v *Value) Spend(amount decimal.Decimal, ledgerSeq uint32) error {
	if v.Remaining(ledgerSeq).LessThan(amount) {
		return ErrInsufficient
	}
	v.Amount = v.Amount.Sub(amount)
	return nil
}
