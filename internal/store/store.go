// Package store provides the keyed persistent state behind the controller:
// a uniform map addressed by a discriminated Key (configuration scalars,
// per-account activity and probation records, per-pair allowances).
package store

import (
	"context"
	"strings"
)

// Kind discriminates the key space.
type Kind string

const (
	KindAdmin           Kind = "admin"
	KindAsset           Kind = "asset"
	KindInflowLimit     Kind = "inflow_limit"
	KindOutflowLimit    Kind = "outflow_limit"
	KindQuotaTimeLimit  Kind = "quota_time_limit"
	KindProbationPeriod Kind = "probation_period"
	KindActivity        Kind = "activity"  // per account
	KindProbationStart  Kind = "probation" // per account
	KindAllowance       Kind = "allowance" // per (owner, spender)
)

// Key addresses one record. Account is set for per-account kinds, Spender
// additionally for allowances.
type Key struct {
	Kind    Kind
	Account string
	Spender string
}

// String renders the key as a flat namespace path, used verbatim as the
// Redis key and as the map key in the in-memory store.
func (k Key) String() string {
	parts := []string{"assetguard", string(k.Kind)}
	if k.Account != "" {
		parts = append(parts, k.Account)
	}
	if k.Spender != "" {
		parts = append(parts, k.Spender)
	}
	return strings.Join(parts, ":")
}

// Store is the persistence contract used by the controller engine. Values
// are JSON-encoded; Get reports whether the key was present.
type Store interface {
	Get(ctx context.Context, key Key, dest interface{}) (bool, error)
	Put(ctx context.Context, key Key, value interface{}) error
	Delete(ctx context.Context, key Key) error
}
