// Package controller implements the transfer compliance engine: the quota
// evaluator gating transfers against rolling-window inflow/outflow limits,
// the probation tracker, the allowance bookkeeping and the configuration
// surface. All state lives behind a store.Store keyed by tagged keys; every
// operation receives the ledger time explicitly and never reads a clock.
package controller

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/assetguard/internal/activity"
	"github.com/terminal-bench/assetguard/internal/allowance"
	"github.com/terminal-bench/assetguard/internal/store"
)

// maxAmount is the largest representable transfer amount, 2^127 - 1.
var maxAmount = decimal.RequireFromString("170141183460469231731687303715884105727")

// Config holds the contract-wide parameters, written exactly once by
// Initialize and read by every other operation.
type Config struct {
	Admin           string
	Asset           string
	ProbationPeriod uint64
	QuotaTimeLimit  uint64
	InflowLimit     decimal.Decimal
	OutflowLimit    decimal.Decimal
}

// Quota is the remaining-allowance projection for one account.
type Quota struct {
	InflowRemaining  decimal.Decimal `json:"inflow_remaining"`
	OutflowRemaining decimal.Decimal `json:"outflow_remaining"`
}

// Engine is the compliance engine. One invocation executes at a time; the
// mutex gives the check-then-record sequence the same all-or-nothing
// atomicity a single-threaded contract host would.
type Engine struct {
	mu    sync.RWMutex
	store store.Store
}

func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// Initialize writes the contract-wide configuration. Callable exactly once.
func (e *Engine) Initialize(ctx context.Context, cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var existing string
	found, err := e.store.Get(ctx, store.Key{Kind: store.KindAdmin}, &existing)
	if err != nil {
		return err
	}
	if found {
		return ErrAlreadyInitialized
	}

	if cfg.Admin == "" || cfg.Asset == "" {
		return fmt.Errorf("admin and asset identities are required")
	}
	if cfg.QuotaTimeLimit == 0 {
		return fmt.Errorf("quota time limit must be > 0")
	}
	if err := validateLimit("inflow", cfg.InflowLimit); err != nil {
		return err
	}
	if err := validateLimit("outflow", cfg.OutflowLimit); err != nil {
		return err
	}

	writes := []struct {
		key   store.Key
		value interface{}
	}{
		{store.Key{Kind: store.KindAdmin}, cfg.Admin},
		{store.Key{Kind: store.KindAsset}, cfg.Asset},
		{store.Key{Kind: store.KindProbationPeriod}, cfg.ProbationPeriod},
		{store.Key{Kind: store.KindQuotaTimeLimit}, cfg.QuotaTimeLimit},
		{store.Key{Kind: store.KindInflowLimit}, cfg.InflowLimit},
		{store.Key{Kind: store.KindOutflowLimit}, cfg.OutflowLimit},
	}
	for _, w := range writes {
		if err := e.store.Put(ctx, w.key, w.value); err != nil {
			return err
		}
	}
	return nil
}

func validateLimit(name string, limit decimal.Decimal) error {
	if limit.IsNegative() || limit.GreaterThan(maxAmount) {
		return fmt.Errorf("%s limit out of range: %s", name, limit)
	}
	return nil
}

// ReviewTransfer is the gate every transfer must pass: amount counts as an
// outflow for from and an inflow for to. Both sides are checked before
// either is recorded; a failed check leaves both ledgers untouched.
func (e *Engine) ReviewTransfer(ctx context.Context, from, to string, amount decimal.Decimal, now uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reviewLocked(ctx, from, to, amount, now)
}

// ReviewTransferFrom is the delegated variant: the spender consumes
// allowance granted by from, then the transfer passes the same quota review.
// Allowance consumption and quota recording commit together or not at all.
func (e *Engine) ReviewTransferFrom(ctx context.Context, spender, from, to string, amount decimal.Decimal, now uint64, ledgerSeq uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateAmount(ctx, amount); err != nil {
		return err
	}

	key := store.Key{Kind: store.KindAllowance, Account: from, Spender: spender}
	var grant allowance.Value
	if _, err := e.store.Get(ctx, key, &grant); err != nil {
		return err
	}
	if err := grant.Spend(amount, ledgerSeq); err != nil {
		return err
	}

	if err := e.reviewLocked(ctx, from, to, amount, now); err != nil {
		return err
	}
	return e.store.Put(ctx, key, grant)
}

// validateAmount requires an initialized controller and a strictly positive
// amount inside the 128-bit range.
func (e *Engine) validateAmount(ctx context.Context, amount decimal.Decimal) error {
	if _, err := e.configLocked(ctx); err != nil {
		return err
	}
	if !amount.IsPositive() || amount.GreaterThan(maxAmount) {
		return ErrInvalidAmount
	}
	return nil
}

func (e *Engine) reviewLocked(ctx context.Context, from, to string, amount decimal.Decimal, now uint64) error {
	cfg, err := e.configLocked(ctx)
	if err != nil {
		return err
	}
	if !amount.IsPositive() || amount.GreaterThan(maxAmount) {
		return ErrInvalidAmount
	}

	fromAct, err := e.readActivity(ctx, from)
	if err != nil {
		return err
	}
	toAct := fromAct
	if to != from {
		toAct, err = e.readActivity(ctx, to)
		if err != nil {
			return err
		}
	}

	window := cfg.QuotaTimeLimit
	outflow := fromAct.Consumed(activity.Outflow, window, now).Add(amount)
	if outflow.GreaterThan(cfg.OutflowLimit) {
		return &QuotaExceededError{
			Direction: activity.Outflow,
			Account:   from,
			Attempted: outflow,
			Limit:     cfg.OutflowLimit,
		}
	}

	inflow := toAct.Consumed(activity.Inflow, window, now).Add(amount)
	if inflow.GreaterThan(cfg.InflowLimit) {
		return &QuotaExceededError{
			Direction: activity.Inflow,
			Account:   to,
			Attempted: inflow,
			Limit:     cfg.InflowLimit,
		}
	}

	// Both checks passed; the reservation becomes durable on both sides.
	// A self-transfer records into the same activity value twice.
	fromAct.Record(activity.Outflow, amount, window, now)
	toAct.Record(activity.Inflow, amount, window, now)

	if err := e.writeActivity(ctx, from, fromAct); err != nil {
		return err
	}
	if to != from {
		if err := e.writeActivity(ctx, to, toAct); err != nil {
			return err
		}
	}
	return nil
}

// SetProbationStart records an account's probation start, back- or
// future-dated at the admin's discretion. With resetQuotas it also clears
// the account's activity in both directions, an explicit quota amnesty.
func (e *Engine) SetProbationStart(ctx context.Context, caller, id string, probationStart uint64, resetQuotas bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.configLocked(ctx)
	if err != nil {
		return err
	}
	if caller != cfg.Admin {
		return ErrUnauthorized
	}

	if err := e.store.Put(ctx, store.Key{Kind: store.KindProbationStart, Account: id}, probationStart); err != nil {
		return err
	}
	if resetQuotas {
		return e.store.Delete(ctx, store.Key{Kind: store.KindActivity, Account: id})
	}
	return nil
}

// SetAdmin rotates the configured admin identity.
func (e *Engine) SetAdmin(ctx context.Context, caller, newAdmin string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.configLocked(ctx)
	if err != nil {
		return err
	}
	if caller != cfg.Admin {
		return ErrUnauthorized
	}
	if newAdmin == "" {
		return fmt.Errorf("admin identity is required")
	}
	return e.store.Put(ctx, store.Key{Kind: store.KindAdmin}, newAdmin)
}

// Approve sets the allowance a spender may move on the owner's behalf,
// expiring at the given ledger sequence.
func (e *Engine) Approve(ctx context.Context, owner, spender string, amount decimal.Decimal, expirationLedger uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.configLocked(ctx); err != nil {
		return err
	}
	if amount.IsNegative() || amount.GreaterThan(maxAmount) {
		return ErrInvalidAmount
	}

	key := store.Key{Kind: store.KindAllowance, Account: owner, Spender: spender}
	if amount.IsZero() {
		return e.store.Delete(ctx, key)
	}
	return e.store.Put(ctx, key, allowance.Value{Amount: amount, ExpirationLedger: expirationLedger})
}

// GetAllowance returns the spendable allowance at the given ledger sequence,
// zero for expired or absent grants.
func (e *Engine) GetAllowance(ctx context.Context, owner, spender string, ledgerSeq uint32) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, err := e.configLocked(ctx); err != nil {
		return decimal.Zero, err
	}
	var grant allowance.Value
	if _, err := e.store.Get(ctx, store.Key{Kind: store.KindAllowance, Account: owner, Spender: spender}, &grant); err != nil {
		return decimal.Zero, err
	}
	return grant.Remaining(ledgerSeq), nil
}

// GetQuota returns the remaining inflow and outflow allowance at now,
// clamped at zero.
func (e *Engine) GetQuota(ctx context.Context, id string, now uint64) (Quota, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cfg, err := e.configLocked(ctx)
	if err != nil {
		return Quota{}, err
	}
	acc, err := e.readActivity(ctx, id)
	if err != nil {
		return Quota{}, err
	}

	return Quota{
		InflowRemaining:  remaining(cfg.InflowLimit, acc.Consumed(activity.Inflow, cfg.QuotaTimeLimit, now)),
		OutflowRemaining: remaining(cfg.OutflowLimit, acc.Consumed(activity.Outflow, cfg.QuotaTimeLimit, now)),
	}, nil
}

func remaining(limit, consumed decimal.Decimal) decimal.Decimal {
	r := limit.Sub(consumed)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// GetQuotaReleaseTime projects, per active entry, the time remaining before
// its amount is released back into the available quota.
func (e *Engine) GetQuotaReleaseTime(ctx context.Context, id string, now uint64) (activity.ReleaseData, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cfg, err := e.configLocked(ctx)
	if err != nil {
		return activity.ReleaseData{}, err
	}
	acc, err := e.readActivity(ctx, id)
	if err != nil {
		return activity.ReleaseData{}, err
	}
	return acc.ReleaseTimes(cfg.QuotaTimeLimit, now), nil
}

// GetAccountProbationPeriod returns the probation time left for an account.
// Accounts the admin never flagged are not in probation and read zero.
func (e *Engine) GetAccountProbationPeriod(ctx context.Context, id string, now uint64) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cfg, err := e.configLocked(ctx)
	if err != nil {
		return 0, err
	}

	var start uint64
	found, err := e.store.Get(ctx, store.Key{Kind: store.KindProbationStart, Account: id}, &start)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}

	end := start + cfg.ProbationPeriod
	if end < start { // saturate on overflow
		end = math.MaxUint64
	}
	if now >= end {
		return 0, nil
	}
	return end - now, nil
}

// Configuration projections.

func (e *Engine) GetConfig(ctx context.Context) (Config, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cfg, err := e.configLocked(ctx)
	if err != nil {
		return Config{}, err
	}
	return *cfg, nil
}

func (e *Engine) GetAdmin(ctx context.Context) (string, error) {
	cfg, err := e.GetConfig(ctx)
	return cfg.Admin, err
}

func (e *Engine) GetAsset(ctx context.Context) (string, error) {
	cfg, err := e.GetConfig(ctx)
	return cfg.Asset, err
}

func (e *Engine) GetProbationPeriod(ctx context.Context) (uint64, error) {
	cfg, err := e.GetConfig(ctx)
	return cfg.ProbationPeriod, err
}

func (e *Engine) GetQuotaTimeLimit(ctx context.Context) (uint64, error) {
	cfg, err := e.GetConfig(ctx)
	return cfg.QuotaTimeLimit, err
}

func (e *Engine) GetInflowLimit(ctx context.Context) (decimal.Decimal, error) {
	cfg, err := e.GetConfig(ctx)
	return cfg.InflowLimit, err
}

func (e *Engine) GetOutflowLimit(ctx context.Context) (decimal.Decimal, error) {
	cfg, err := e.GetConfig(ctx)
	return cfg.OutflowLimit, err
}

// configLocked reads the full configuration; an absent admin key means the
// controller was never initialized. Callers must hold e.mu.
func (e *Engine) configLocked(ctx context.Context) (*Config, error) {
	var cfg Config
	found, err := e.store.Get(ctx, store.Key{Kind: store.KindAdmin}, &cfg.Admin)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotInitialized
	}

	if _, err := e.store.Get(ctx, store.Key{Kind: store.KindAsset}, &cfg.Asset); err != nil {
		return nil, err
	}
	if _, err := e.store.Get(ctx, store.Key{Kind: store.KindProbationPeriod}, &cfg.ProbationPeriod); err != nil {
		return nil, err
	}
	if _, err := e.store.Get(ctx, store.Key{Kind: store.KindQuotaTimeLimit}, &cfg.QuotaTimeLimit); err != nil {
		return nil, err
	}
	if _, err := e.store.Get(ctx, store.Key{Kind: store.KindInflowLimit}, &cfg.InflowLimit); err != nil {
		return nil, err
	}
	if _, err := e.store.Get(ctx, store.Key{Kind: store.KindOutflowLimit}, &cfg.OutflowLimit); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (e *Engine) readActivity(ctx context.Context, id string) (*activity.Account, error) {
	var acc activity.Account
	if _, err := e.store.Get(ctx, store.Key{Kind: store.KindActivity, Account: id}, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (e *Engine) writeActivity(ctx context.Context, id string, acc *activity.Account) error {
	return e.store.Put(ctx, store.Key{Kind: store.KindActivity, Account: id}, acc)
}
