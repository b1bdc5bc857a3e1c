package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/ledger/store"
	"github.com/warp/bsk-engine/logger"
	"github.com/warp/bsk-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Ledger, *store.Memory, *clockwork.FakeClock) {
	t.Helper()
	mem := store.NewMemory()
	clock := clockwork.NewFakeClockAt(time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))
	l, err := ledger.New(ledger.Config{Store: mem, Clock: clock, Logger: logger.NewTest()})
	require.NoError(t, err)
	return l, mem, clock
}

// forEachStore runs fn against the in-memory store and against SQLite.
func forEachStore(t *testing.T, fn func(t *testing.T, l *ledger.Ledger, clock *clockwork.FakeClock)) {
	t.Run("memory", func(t *testing.T) {
		l, _, clock := newTestLedger(t)
		fn(t, l, clock)
	})
	t.Run("sqlite", func(t *testing.T) {
		db, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		clock := clockwork.NewFakeClockAt(time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))
		l, err := ledger.New(ledger.Config{Store: db, Clock: clock, Logger: logger.NewTest()})
		require.NoError(t, err)
		fn(t, l, clock)
	})
}

func bsk(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func credit(user, key, amount string) ledger.Entry {
	return ledger.Entry{
		UserID:         ledger.UserID(user),
		IdempotencyKey: key,
		Type:           ledger.TxCredit,
		Subtype:        ledger.SubtypeAdminCredit,
		BalanceType:    ledger.BalanceWithdrawable,
		Amount:         bsk(amount),
	}
}

func debit(user, key, amount string) ledger.Entry {
	e := credit(user, key, amount)
	e.Type = ledger.TxDebit
	e.Subtype = ledger.SubtypeAdminDebit
	return e
}

// =============================================================================
// APPEND
// =============================================================================

func TestAppend_CreditUpdatesSnapshot(t *testing.T) {
	l, _, clock := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Append(ctx, credit("u1", "k1", "100"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.Entry.ID)
	assert.Equal(t, clock.Now().UTC(), res.Entry.CreatedAt)

	snap, err := l.GetBalance(ctx, "u1", ledger.BalanceWithdrawable)
	require.NoError(t, err)
	assert.True(t, snap.Current.Equal(bsk("100")))
	assert.True(t, snap.LifetimeCredited.Equal(bsk("100")))
	assert.True(t, snap.LifetimeDebited.IsZero())
}

func TestAppend_SameKeyTwice_ReturnsOriginal(t *testing.T) {
	// GIVEN: an entry already applied under key k1
	// WHEN: the same key is appended again (retry), even with another amount
	// THEN: no second entry, no balance change, original entry returned

	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Append(ctx, credit("u1", "k1", "100"))
	require.NoError(t, err)

	second, err := l.Append(ctx, credit("u1", "k1", "999"))
	require.NoError(t, err, "an already-applied key is not an error")
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.True(t, second.Entry.Amount.Equal(bsk("100")))

	snap, err := l.GetBalance(ctx, "u1", ledger.BalanceWithdrawable)
	require.NoError(t, err)
	assert.True(t, snap.Current.Equal(bsk("100")))

	sums, err := l.SumLedger(ctx, "u1", ledger.BalanceWithdrawable)
	require.NoError(t, err)
	assert.Equal(t, 1, sums.Count)
}

func TestAppend_InvalidEntries(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	cases := map[string]ledger.Entry{
		"missing key":     func() ledger.Entry { e := credit("u1", "", "1"); return e }(),
		"missing user":    credit("", "k", "1"),
		"zero amount":     credit("u1", "k", "0"),
		"negative":        credit("u1", "k", "-5"),
		"bad balance":     func() ledger.Entry { e := credit("u1", "k", "1"); e.BalanceType = "savings"; return e }(),
		"bad tx type":     func() ledger.Entry { e := credit("u1", "k", "1"); e.Type = "refund"; return e }(),
		"missing subtype": func() ledger.Entry { e := credit("u1", "k", "1"); e.Subtype = ""; return e }(),
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.Append(ctx, e)
			require.Error(t, err)
			assert.True(t, ledger.IsClientError(err))
		})
	}
}

func TestAppend_DebitWithoutFundsCheck_AllowsNegative(t *testing.T) {
	// Admin corrections may overdraw; the ledger does not enforce non-negativity.
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, debit("u1", "fix-1", "40"))
	require.NoError(t, err)

	snap, err := l.GetBalance(ctx, "u1", ledger.BalanceWithdrawable)
	require.NoError(t, err)
	assert.True(t, snap.Current.Equal(bsk("-40")))
}

func TestAppend_RequireFunds_Rejects(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, credit("u1", "k1", "50"))
	require.NoError(t, err)

	_, err = l.Append(ctx, debit("u1", "k2", "80"), ledger.RequireFunds())
	require.Error(t, err)

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(bsk("50")))
	assert.True(t, insufficient.Shortfall().Equal(bsk("30")))
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))

	// The rejected key was not consumed.
	_, found, err := l.Entry(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAppend_ConcurrentDebits_ExactlyOneWins(t *testing.T) {
	// GIVEN: a withdrawable balance of 1000
	// WHEN: two debits of 600 race each other
	// THEN: exactly one succeeds, the other fails with InsufficientBalance

	forEachStore(t, func(t *testing.T, l *ledger.Ledger, _ *clockwork.FakeClock) {
		ctx := context.Background()
		_, err := l.Append(ctx, credit("u1", "seed", "1000"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = l.Append(ctx, debit("u1", []string{"d1", "d2"}[i], "600"), ledger.RequireFunds())
			}(i)
		}
		close(start)
		wg.Wait()

		succeeded, insufficient := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientBalance):
				insufficient++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 1, insufficient)

		snap, err := l.GetBalance(ctx, "u1", ledger.BalanceWithdrawable)
		require.NoError(t, err)
		assert.True(t, snap.Current.Equal(bsk("400")))

		sums, err := l.SumLedger(ctx, "u1", ledger.BalanceWithdrawable)
		require.NoError(t, err)
		assert.True(t, sums.Net().Equal(snap.Current), "snapshot matches the ledger")
	})
}

func TestHistory_DateRangeIsHalfOpen(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *ledger.Ledger, clock *clockwork.FakeClock) {
		ctx := context.Background()
		start := clock.Now()
		for _, key := range []string{"h0", "h1", "h2"} {
			_, err := l.Append(ctx, credit("u1", key, "1"))
			require.NoError(t, err)
			clock.Advance(time.Hour)
		}

		to := start.Add(time.Hour)
		page, err := l.History(ctx, ledger.HistoryFilter{UserID: "u1", To: &to})
		require.NoError(t, err)
		require.Len(t, page, 1, "an entry at To is excluded")
		assert.Equal(t, "h0", page[0].IdempotencyKey)

		from := to
		page, err = l.History(ctx, ledger.HistoryFilter{UserID: "u1", From: &from})
		require.NoError(t, err)
		require.Len(t, page, 2, "an entry at From is included")
		assert.Equal(t, "h2", page[0].IdempotencyKey)
	})
}

func TestAppend_ManyConcurrentCredits_Conserved(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every key is written twice to exercise retries under contention.
			key := "c-" + decimal.NewFromInt(int64(i%25)).String()
			_, err := l.Append(ctx, credit("u1", key, "2"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, err := l.GetBalance(ctx, "u1", ledger.BalanceWithdrawable)
	require.NoError(t, err)
	sums, err := l.SumLedger(ctx, "u1", ledger.BalanceWithdrawable)
	require.NoError(t, err)

	assert.Equal(t, 25, sums.Count)
	assert.True(t, snap.Current.Equal(bsk("50")))
	assert.True(t, snap.Current.Equal(sums.Net()), "snapshot must equal ledger sum")
}

// =============================================================================
// BATCH & TRANSFER
// =============================================================================

func TestTransfer_MovesBetweenPools(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, credit("u1", "seed", "100"))
	require.NoError(t, err)

	res, err := l.Transfer(ctx, "u1", ledger.BalanceWithdrawable, ledger.BalanceHolding, bsk("30"), "lock-1", nil)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)

	w, _ := l.GetBalance(ctx, "u1", ledger.BalanceWithdrawable)
	h, _ := l.GetBalance(ctx, "u1", ledger.BalanceHolding)
	assert.True(t, w.Current.Equal(bsk("70")))
	assert.True(t, h.Current.Equal(bsk("30")))

	again, err := l.Transfer(ctx, "u1", ledger.BalanceWithdrawable, ledger.BalanceHolding, bsk("30"), "lock-1", nil)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	w, _ = l.GetBalance(ctx, "u1", ledger.BalanceWithdrawable)
	assert.True(t, w.Current.Equal(bsk("70")))
}

func TestTransfer_InsufficientRollsBackBothLegs(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Transfer(ctx, "u1", ledger.BalanceWithdrawable, ledger.BalanceHolding, bsk("30"), "lock-1", nil)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	h, _ := l.GetBalance(ctx, "u1", ledger.BalanceHolding)
	assert.True(t, h.Current.IsZero())
	_, found, _ := l.Entry(ctx, "lock-1:in")
	assert.False(t, found)
}

func TestAppendBatch_PartiallyAppliedKeys_Conflict(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, credit("u1", "a", "1"))
	require.NoError(t, err)

	_, err = l.AppendBatch(ctx, []ledger.Entry{credit("u1", "a", "1"), credit("u1", "b", "1")})
	require.ErrorIs(t, err, ledger.ErrIdempotencyConflict)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestHistory_FiltersAndPaginates(t *testing.T) {
	l, _, clock := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, credit("u1", "c"+decimal.NewFromInt(int64(i)).String(), "1"))
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}
	_, err := l.Append(ctx, debit("u1", "d0", "1"))
	require.NoError(t, err)
	_, err = l.Append(ctx, credit("u2", "other", "1"))
	require.NoError(t, err)

	page, err := l.History(ctx, ledger.HistoryFilter{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "d0", page[0].IdempotencyKey, "newest first")

	credits, err := l.History(ctx, ledger.HistoryFilter{UserID: "u1", Subtype: ledger.SubtypeAdminCredit})
	require.NoError(t, err)
	assert.Len(t, credits, 5)

	from := time.Date(2025, time.March, 1, 14, 0, 0, 0, time.UTC)
	recent, err := l.History(ctx, ledger.HistoryFilter{UserID: "u1", From: &from, Type: ledger.TxCredit})
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	beyond, err := l.History(ctx, ledger.HistoryFilter{UserID: "u1", Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestErrorHelpers(t *testing.T) {
	short := &ledger.InsufficientBalanceError{
		UserID: "u1", BalanceType: ledger.BalanceWithdrawable,
		Available: decimal.NewFromInt(3), Requested: decimal.NewFromInt(5),
	}
	wrapped := fmt.Errorf("purchase: %w", short)

	assert.ErrorIs(t, wrapped, ledger.ErrInsufficientBalance)
	assert.True(t, ledger.IsClientError(wrapped))
	assert.False(t, ledger.IsRetryable(wrapped))
	assert.Equal(t, "2", short.Shortfall().String())

	busy := fmt.Errorf("%w: database is locked", ledger.ErrStoreBusy)
	assert.True(t, ledger.IsRetryable(fmt.Errorf("append: %w", busy)))
	assert.False(t, ledger.IsClientError(busy))
}
