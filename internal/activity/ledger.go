// Package activity implements the per-account quota ledger: timestamped
// transfer entries per direction, evicted as they age out of the rolling
// window, plus the read-only projections derived from them.
package activity

import (
	"github.com/shopspring/decimal"
)

// Direction tags which side of a transfer an entry belongs to.
type Direction string

const (
	Inflow  Direction = "inflow"
	Outflow Direction = "outflow"
)

// TxEntry is one recorded transfer contributing to quota consumption.
// Immutable once recorded; removed only by eviction.
type TxEntry struct {
	Amount    decimal.Decimal `json:"amount"`
	Timestamp uint64          `json:"timestamp"`
}

// Account holds both direction sequences for one account. Entries are
// appended in non-decreasing timestamp order, so eviction is a prefix trim.
type Account struct {
	Inflow  []TxEntry `json:"inflow"`
	Outflow []TxEntry `json:"outflow"`
}

// ReleaseEntry pairs an active entry's amount with the time remaining before
// it ages out of the window.
type ReleaseEntry struct {
	Amount   decimal.Decimal `json:"amount"`
	TimeLeft uint64          `json:"time_left"`
}

// ReleaseData is the quota-release projection for one account, ordered the
// same as the underlying sequences.
type ReleaseData struct {
	Inflow  []ReleaseEntry `json:"inflow"`
	Outflow []ReleaseEntry `json:"outflow"`
}

// expired reports whether an entry recorded at ts has aged out of the window
// at time now. The boundary is inclusive on the expiry side: an entry is
// expired exactly when ts + window <= now.
func expired(ts, window, now uint64) bool {
	if now < window {
		return false
	}
	return ts <= now-window
}

func (a *Account) entries(dir Direction) []TxEntry {
	if dir == Inflow {
		return a.Inflow
	}
	return a.Outflow
}

func (a *Account) setEntries(dir Direction, entries []TxEntry) {
	if dir == Inflow {
		a.Inflow = entries
	} else {
		a.Outflow = entries
	}
}

// Consumed returns the sum of amounts still inside the window at now.
// It never mutates the sequences: a rejected review must leave the ledger
// untouched, so physical trimming happens only in Record.
func (a *Account) Consumed(dir Direction, window, now uint64) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range a.entries(dir) {
		if expired(e.Timestamp, window, now) {
			continue
		}
		sum = sum.Add(e.Amount)
	}
	return sum
}

// Trim drops every expired entry from one direction. Entries are ordered by
// timestamp, so the scan stops at the first still-active entry.
func (a *Account) Trim(dir Direction, window, now uint64) {
	entries := a.entries(dir)
	i := 0
	for i < len(entries) && expired(entries[i].Timestamp, window, now) {
		i++
	}
	if i > 0 {
		a.setEntries(dir, entries[i:])
	}
}

// Record trims expired entries and appends a new one at now.
func (a *Account) Record(dir Direction, amount decimal.Decimal, window, now uint64) {
	a.Trim(dir, window, now)
	a.setEntries(dir, append(a.entries(dir), TxEntry{Amount: amount, Timestamp: now}))
}

// Reset clears both direction sequences, the admin's quota amnesty.
func (a *Account) Reset() {
	a.Inflow = nil
	a.Outflow = nil
}

// ReleaseTimes projects the time remaining before each active entry's amount
// is released back into the available quota.
func (a *Account) ReleaseTimes(window, now uint64) ReleaseData {
	return ReleaseData{
		Inflow:  releaseEntries(a.Inflow, window, now),
		Outflow: releaseEntries(a.Outflow, window, now),
	}
}

func releaseEntries(entries []TxEntry, window, now uint64) []ReleaseEntry {
	var out []ReleaseEntry
	for _, e := range entries {
		if expired(e.Timestamp, window, now) {
			continue
		}
		out = append(out, ReleaseEntry{
			Amount:   e.Amount,
			TimeLeft: e.Timestamp + window - now,
		})
	}
	return out
}
