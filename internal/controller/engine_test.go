package controller

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/assetguard/internal/activity"
	"github.com/terminal-bench/assetguard/internal/allowance"
	"github.com/terminal-bench/assetguard/internal/store"
)

func dec(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func testConfig() Config {
	return Config{
		Admin:           "admin",
		Asset:           "TOKEN",
		ProbationPeriod: 360,
		QuotaTimeLimit:  60,
		InflowLimit:     dec(100),
		OutflowLimit:    dec(150),
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(store.NewMemory())
	require.NoError(t, e.Initialize(context.Background(), testConfig()))
	return e
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds once", func(t *testing.T) {
		e := NewEngine(store.NewMemory())
		require.NoError(t, e.Initialize(ctx, testConfig()))

		admin, err := e.GetAdmin(ctx)
		require.NoError(t, err)
		assert.Equal(t, "admin", admin)
	})

	t.Run("fails on second call", func(t *testing.T) {
		e := NewEngine(store.NewMemory())
		require.NoError(t, e.Initialize(ctx, testConfig()))
		assert.ErrorIs(t, e.Initialize(ctx, testConfig()), ErrAlreadyInitialized)
	})

	t.Run("rejects a zero window", func(t *testing.T) {
		e := NewEngine(store.NewMemory())
		cfg := testConfig()
		cfg.QuotaTimeLimit = 0
		assert.Error(t, e.Initialize(ctx, cfg))
	})

	t.Run("rejects negative limits", func(t *testing.T) {
		e := NewEngine(store.NewMemory())
		cfg := testConfig()
		cfg.InflowLimit = dec(-1)
		assert.Error(t, e.Initialize(ctx, cfg))
	})

	t.Run("operations before initialize fail", func(t *testing.T) {
		e := NewEngine(store.NewMemory())
		err := e.ReviewTransfer(ctx, "a", "b", dec(1), 0)
		assert.ErrorIs(t, err, ErrNotInitialized)

		_, err = e.GetQuota(ctx, "a", 0)
		assert.ErrorIs(t, err, ErrNotInitialized)

		_, err = e.GetAccountProbationPeriod(ctx, "a", 0)
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}

func TestReviewTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("records both sides on success", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.ReviewTransfer(ctx, "A", "B", dec(80), 0))

		qa, err := e.GetQuota(ctx, "A", 0)
		require.NoError(t, err)
		assert.True(t, qa.OutflowRemaining.Equal(dec(70)))
		assert.True(t, qa.InflowRemaining.Equal(dec(100)))

		qb, err := e.GetQuota(ctx, "B", 0)
		require.NoError(t, err)
		assert.True(t, qb.InflowRemaining.Equal(dec(20)))
		assert.True(t, qb.OutflowRemaining.Equal(dec(150)))
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		e := newTestEngine(t)
		assert.ErrorIs(t, e.ReviewTransfer(ctx, "A", "B", dec(0), 0), ErrInvalidAmount)
		assert.ErrorIs(t, e.ReviewTransfer(ctx, "A", "B", dec(-5), 0), ErrInvalidAmount)
	})

	t.Run("rejects amounts beyond the 128-bit range", func(t *testing.T) {
		e := newTestEngine(t)
		huge := decimal.RequireFromString("170141183460469231731687303715884105728")
		assert.ErrorIs(t, e.ReviewTransfer(ctx, "A", "B", huge, 0), ErrInvalidAmount)
	})

	t.Run("reports direction and account on a breach", func(t *testing.T) {
		e := newTestEngine(t)
		err := e.ReviewTransfer(ctx, "A", "B", dec(120), 0)

		var qerr *QuotaExceededError
		require.ErrorAs(t, err, &qerr)
		assert.Equal(t, activity.Inflow, qerr.Direction)
		assert.Equal(t, "B", qerr.Account)
	})

	t.Run("a failed check leaves both ledgers unchanged", func(t *testing.T) {
		// Limits inflow=100 outflow=150 window=60.
		// 80 from A to B passes; 30 more passes the outflow
		// check (110 <= 150) but breaches B's inflow (110 > 100), and
		// the whole call must leave A's outflow at 80.
		e := newTestEngine(t)
		require.NoError(t, e.ReviewTransfer(ctx, "A", "B", dec(80), 0))

		err := e.ReviewTransfer(ctx, "A", "B", dec(30), 0)
		var qerr *QuotaExceededError
		require.ErrorAs(t, err, &qerr)
		assert.Equal(t, activity.Inflow, qerr.Direction)

		qa, err := e.GetQuota(ctx, "A", 0)
		require.NoError(t, err)
		assert.True(t, qa.OutflowRemaining.Equal(dec(70)), "A outflow ledger changed on a rejected call")

		rel, err := e.GetQuotaReleaseTime(ctx, "A", 0)
		require.NoError(t, err)
		require.Len(t, rel.Outflow, 1)
		assert.True(t, rel.Outflow[0].Amount.Equal(dec(80)))
	})

	t.Run("quota frees up as entries age out", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.ReviewTransfer(ctx, "A", "B", dec(80), 0))

		q, err := e.GetQuota(ctx, "B", 59)
		require.NoError(t, err)
		assert.True(t, q.InflowRemaining.Equal(dec(20)))

		// The t=0 entry is released once the window elapses.
		q, err = e.GetQuota(ctx, "B", 60)
		require.NoError(t, err)
		assert.True(t, q.InflowRemaining.Equal(dec(100)))

		q, err = e.GetQuota(ctx, "B", 61)
		require.NoError(t, err)
		assert.True(t, q.InflowRemaining.Equal(dec(100)))
	})

	t.Run("consumption never exceeds the limit after a successful review", func(t *testing.T) {
		e := newTestEngine(t)
		now := uint64(0)
		for i := 0; i < 50; i++ {
			err := e.ReviewTransfer(ctx, "A", "B", dec(30), now)
			if err == nil {
				q, qerr := e.GetQuota(ctx, "B", now)
				require.NoError(t, qerr)
				assert.False(t, q.InflowRemaining.IsNegative())
				qa, qerr := e.GetQuota(ctx, "A", now)
				require.NoError(t, qerr)
				assert.False(t, qa.OutflowRemaining.IsNegative())
			}
			now += 10
		}
	})

	t.Run("self-transfer is evaluated on both sides independently", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.ReviewTransfer(ctx, "A", "A", dec(90), 0))

		q, err := e.GetQuota(ctx, "A", 0)
		require.NoError(t, err)
		assert.True(t, q.InflowRemaining.Equal(dec(10)))
		assert.True(t, q.OutflowRemaining.Equal(dec(60)))

		// 90 + 20 breaches the inflow limit even though from == to.
		err = e.ReviewTransfer(ctx, "A", "A", dec(20), 0)
		var qerr *QuotaExceededError
		require.ErrorAs(t, err, &qerr)
		assert.Equal(t, activity.Inflow, qerr.Direction)
		assert.Equal(t, "A", qerr.Account)
	})

	t.Run("same-instant transfers see each other's effects", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.ReviewTransfer(ctx, "A", "B", dec(60), 10))
		require.NoError(t, e.ReviewTransfer(ctx, "A", "B", dec(40), 10))

		err := e.ReviewTransfer(ctx, "A", "B", dec(1), 10)
		var qerr *QuotaExceededError
		require.ErrorAs(t, err, &qerr)
		assert.Equal(t, activity.Inflow, qerr.Direction)
	})
}

func TestProbation(t *testing.T) {
	ctx := context.Background()

	t.Run("unflagged accounts are not in probation", func(t *testing.T) {
		e := newTestEngine(t)
		left, err := e.GetAccountProbationPeriod(ctx, "nobody", 1000)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), left)
	})

	t.Run("remaining period counts down and saturates at zero", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.SetProbationStart(ctx, "admin", "B", 0, false))

		left, err := e.GetAccountProbationPeriod(ctx, "B", 10)
		require.NoError(t, err)
		assert.Equal(t, uint64(350), left)

		left, err = e.GetAccountProbationPeriod(ctx, "B", 370)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), left)
	})

	t.Run("start set to now returns the full period", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.SetProbationStart(ctx, "admin", "B", 10, false))

		left, err := e.GetAccountProbationPeriod(ctx, "B", 10)
		require.NoError(t, err)
		assert.Equal(t, uint64(360), left)
	})

	t.Run("future start dates are allowed", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.SetProbationStart(ctx, "admin", "B", 100, false))

		left, err := e.GetAccountProbationPeriod(ctx, "B", 40)
		require.NoError(t, err)
		assert.Equal(t, uint64(420), left)
	})

	t.Run("only the admin may set probation", func(t *testing.T) {
		e := newTestEngine(t)
		err := e.SetProbationStart(ctx, "mallory", "B", 0, false)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("reset_quotas grants a full amnesty", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.ReviewTransfer(ctx, "A", "B", dec(80), 0))
		require.NoError(t, e.ReviewTransfer(ctx, "B", "A", dec(50), 0))

		require.NoError(t, e.SetProbationStart(ctx, "admin", "B", 0, true))

		q, err := e.GetQuota(ctx, "B", 0)
		require.NoError(t, err)
		assert.True(t, q.InflowRemaining.Equal(dec(100)))
		assert.True(t, q.OutflowRemaining.Equal(dec(150)))

		// The counterparty's ledger is untouched.
		qa, err := e.GetQuota(ctx, "A", 0)
		require.NoError(t, err)
		assert.True(t, qa.OutflowRemaining.Equal(dec(70)))
	})

	t.Run("review never mutates probation state", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.SetProbationStart(ctx, "admin", "A", 0, false))
		require.NoError(t, e.ReviewTransfer(ctx, "A", "B", dec(10), 5))

		left, err := e.GetAccountProbationPeriod(ctx, "A", 5)
		require.NoError(t, err)
		assert.Equal(t, uint64(355), left)
	})
}

func TestQuotaReleaseTime(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	require.NoError(t, e.ReviewTransfer(ctx, "A", "B", dec(30), 0))
	require.NoError(t, e.ReviewTransfer(ctx, "A", "B", dec(40), 20))

	rel, err := e.GetQuotaReleaseTime(ctx, "A", 25)
	require.NoError(t, err)
	require.Len(t, rel.Outflow, 2)
	assert.True(t, rel.Outflow[0].Amount.Equal(dec(30)))
	assert.Equal(t, uint64(35), rel.Outflow[0].TimeLeft)
	assert.True(t, rel.Outflow[1].Amount.Equal(dec(40)))
	assert.Equal(t, uint64(55), rel.Outflow[1].TimeLeft)
	assert.Empty(t, rel.Inflow)

	rel, err = e.GetQuotaReleaseTime(ctx, "nobody", 25)
	require.NoError(t, err)
	assert.Empty(t, rel.Inflow)
	assert.Empty(t, rel.Outflow)
}

func TestSetAdmin(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	t.Run("non-admin cannot rotate", func(t *testing.T) {
		assert.ErrorIs(t, e.SetAdmin(ctx, "mallory", "mallory"), ErrUnauthorized)
	})

	t.Run("admin hands over and loses access", func(t *testing.T) {
		require.NoError(t, e.SetAdmin(ctx, "admin", "admin2"))

		admin, err := e.GetAdmin(ctx)
		require.NoError(t, err)
		assert.Equal(t, "admin2", admin)

		assert.ErrorIs(t, e.SetProbationStart(ctx, "admin", "B", 0, false), ErrUnauthorized)
		require.NoError(t, e.SetProbationStart(ctx, "admin2", "B", 0, false))
	})
}

func TestAllowances(t *testing.T) {
	ctx := context.Background()

	t.Run("approve then query", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.Approve(ctx, "owner", "spender", dec(50), 100))

		got, err := e.GetAllowance(ctx, "owner", "spender", 90)
		require.NoError(t, err)
		assert.True(t, got.Equal(dec(50)))

		got, err = e.GetAllowance(ctx, "owner", "spender", 101)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("approve zero revokes", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.Approve(ctx, "owner", "spender", dec(50), 100))
		require.NoError(t, e.Approve(ctx, "owner", "spender", dec(0), 100))

		got, err := e.GetAllowance(ctx, "owner", "spender", 50)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("transfer-from consumes allowance and quota together", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.Approve(ctx, "A", "S", dec(50), 100))
		require.NoError(t, e.ReviewTransferFrom(ctx, "S", "A", "B", dec(30), 0, 10))

		got, err := e.GetAllowance(ctx, "A", "S", 10)
		require.NoError(t, err)
		assert.True(t, got.Equal(dec(20)))

		q, err := e.GetQuota(ctx, "A", 0)
		require.NoError(t, err)
		assert.True(t, q.OutflowRemaining.Equal(dec(120)))
	})

	t.Run("transfer-from without allowance fails", func(t *testing.T) {
		e := newTestEngine(t)
		err := e.ReviewTransferFrom(ctx, "S", "A", "B", dec(1), 0, 10)
		assert.ErrorIs(t, err, allowance.ErrInsufficient)
	})

	t.Run("a quota breach does not consume allowance", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.Approve(ctx, "A", "S", dec(500), 100))

		err := e.ReviewTransferFrom(ctx, "S", "A", "B", dec(200), 0, 10)
		var qerr *QuotaExceededError
		require.ErrorAs(t, err, &qerr)

		got, err := e.GetAllowance(ctx, "A", "S", 10)
		require.NoError(t, err)
		assert.True(t, got.Equal(dec(500)), "allowance consumed by a rejected transfer")
	})
}

func TestConfigGetters(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	asset, err := e.GetAsset(ctx)
	require.NoError(t, err)
	assert.Equal(t, "TOKEN", asset)

	window, err := e.GetQuotaTimeLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), window)

	period, err := e.GetProbationPeriod(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(360), period)

	in, err := e.GetInflowLimit(ctx)
	require.NoError(t, err)
	assert.True(t, in.Equal(dec(100)))

	out, err := e.GetOutflowLimit(ctx)
	require.NoError(t, err)
	assert.True(t, out.Equal(dec(150)))
}

func TestConcurrentReviewsNeverOverAdmit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	// B's inflow limit of 100 binds first; 30 workers each try to move
	// 10 into B and exactly ten may pass regardless of interleaving.
	var g errgroup.Group
	results := make([]error, 30)
	for i := range results {
		i := i
		g.Go(func() error {
			results[i] = e.ReviewTransfer(ctx, "A", "B", dec(10), 0)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	approved := 0
	for _, err := range results {
		if err == nil {
			approved++
			continue
		}
		var qerr *QuotaExceededError
		require.ErrorAs(t, err, &qerr)
	}
	assert.Equal(t, 10, approved, "inflow limit of 100 admits exactly ten transfers of 10")

	quota, err := e.GetQuota(ctx, "B", 0)
	require.NoError(t, err)
	assert.True(t, quota.InflowRemaining.Equal(dec(0)))
}
