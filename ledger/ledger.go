/*
ledger.go - Append-only BSK ledger with an atomic balance projection

CRITICAL INVARIANTS:
 1. APPEND-ONLY: entries are never updated or deleted
 2. IDEMPOTENT: one idempotency key = one entry, forever
 3. PROJECTED: every applied Append updates exactly one snapshot row in
    the same transaction, so Snapshot.Current == sum(credits) - sum(debits)
 4. SERIALIZED: read-modify-write of a snapshot never interleaves with
    another write to the same (user, balance type)

RETRIES:

	Appending an entry whose key already exists is a no-op that returns the
	original entry with Duplicate=true. Callers that need to distinguish
	"already applied" from "applied now" branch on that flag; only real
	failures come back as errors.

FUNDS CHECK:

	The ledger itself allows balances to go negative (admin corrections).
	Debits that must not overdraw pass RequireFunds(); the check then runs
	under the account lock, inside the write transaction, so two concurrent
	600 debits against 1000 cannot both pass.

SEE ALSO:
  - store.go: Store / Tx interfaces
  - store/sqlite: SQLite implementation
  - ledger/store: in-memory implementation
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/warp/bsk-engine/logger"
	"github.com/warp/bsk-engine/metrics"
)

type Config struct {
	Store  Store
	Clock  clockwork.Clock
	Logger *slog.Logger
}

type Ledger struct {
	store Store
	clock clockwork.Clock
	log   *slog.Logger
	locks *keyedMutex
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Ledger{
		store: cfg.Store,
		clock: cfg.Clock,
		log:   logger.OrDiscard(cfg.Logger),
		locks: newKeyedMutex(),
	}, nil
}

// AppendResult is the outcome of an Append that did not fail.
type AppendResult struct {
	Entry     Entry
	Duplicate bool // the key was already applied; Entry is the original
}

// BatchResult is the outcome of AppendBatch.
type BatchResult struct {
	Entries   []Entry
	Duplicate bool
}

type appendOptions struct {
	requireFunds bool
}

type AppendOption func(*appendOptions)

// RequireFunds rejects a debit that would take the balance below zero.
func RequireFunds() AppendOption {
	return func(o *appendOptions) { o.requireFunds = true }
}

// =============================================================================
// WRITE PATH
// =============================================================================

// Append writes one entry and projects it onto the balance snapshot.
func (l *Ledger) Append(ctx context.Context, e Entry, opts ...AppendOption) (AppendResult, error) {
	res, err := l.AppendBatch(ctx, []Entry{e}, opts...)
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Entry: res.Entries[0], Duplicate: res.Duplicate}, nil
}

// AppendBatch writes several entries atomically: all are applied or none.
// If every key is already applied the batch is a duplicate; a mix of
// applied and unapplied keys is ErrIdempotencyConflict.
func (l *Ledger) AppendBatch(ctx context.Context, entries []Entry, opts ...AppendOption) (BatchResult, error) {
	if len(entries) == 0 {
		return BatchResult{}, fmt.Errorf("%w: empty batch", ErrInvalidEntry)
	}
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := l.clock.Now().UTC()
	seen := make(map[string]bool, len(entries))
	lockKeys := make([]string, 0, len(entries))
	prepared := make([]Entry, len(entries))
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return BatchResult{}, err
		}
		if seen[e.IdempotencyKey] {
			return BatchResult{}, fmt.Errorf("%w: key %q repeated in batch", ErrIdempotencyConflict, e.IdempotencyKey)
		}
		seen[e.IdempotencyKey] = true
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		prepared[i] = e
		lockKeys = append(lockKeys, accountKey(e.UserID, e.BalanceType))
	}

	start := time.Now()
	unlock := l.locks.LockAll(lockKeys...)
	defer unlock()

	var result BatchResult
	err := l.store.WithTx(ctx, func(tx Tx) error {
		existing, err := existingEntries(ctx, tx, prepared)
		if err != nil {
			return err
		}
		switch len(existing) {
		case len(prepared):
			result = BatchResult{Entries: existing, Duplicate: true}
			return nil
		case 0:
		default:
			return fmt.Errorf("%w: %d of %d keys already applied", ErrIdempotencyConflict, len(existing), len(prepared))
		}

		snapshots := make(map[string]Snapshot)
		for _, e := range prepared {
			k := accountKey(e.UserID, e.BalanceType)
			snap, ok := snapshots[k]
			if !ok {
				snap, err = tx.LockBalance(ctx, e.UserID, e.BalanceType)
				if err != nil {
					return fmt.Errorf("failed to lock balance: %w", err)
				}
			}
			if o.requireFunds && e.Type == TxDebit && snap.Current.LessThan(e.Amount) {
				return &InsufficientBalanceError{
					UserID:      e.UserID,
					BalanceType: e.BalanceType,
					Available:   snap.Current,
					Requested:   e.Amount,
				}
			}
			if err := tx.Insert(ctx, e); err != nil {
				return err
			}
			snapshots[k] = snap.Apply(e)
		}
		for _, snap := range snapshots {
			if err := tx.PutBalance(ctx, snap); err != nil {
				return fmt.Errorf("failed to update balance: %w", err)
			}
		}
		result = BatchResult{Entries: prepared}
		return nil
	})

	subtype := prepared[0].Subtype
	switch {
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		// Lost a race with a writer holding a different account lock.
		metrics.RecordAppend(subtype, "duplicate", time.Since(start))
		return l.reloadBatch(ctx, prepared)
	case errors.Is(err, ErrInsufficientBalance):
		metrics.RecordAppend(subtype, "insufficient", time.Since(start))
		return BatchResult{}, err
	case err != nil:
		metrics.RecordAppend(subtype, "error", time.Since(start))
		return BatchResult{}, err
	case result.Duplicate:
		metrics.RecordAppend(subtype, "duplicate", time.Since(start))
		l.log.Debug("ledger: idempotent replay", "key", prepared[0].IdempotencyKey, "entries", len(prepared))
	default:
		metrics.RecordAppend(subtype, "applied", time.Since(start))
	}
	return result, nil
}

func existingEntries(ctx context.Context, tx Tx, entries []Entry) ([]Entry, error) {
	var found []Entry
	for _, e := range entries {
		prev, ok, err := tx.EntryByKey(ctx, e.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if ok {
			found = append(found, prev)
		}
	}
	return found, nil
}

func (l *Ledger) reloadBatch(ctx context.Context, entries []Entry) (BatchResult, error) {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		prev, ok, err := l.store.EntryByKey(ctx, e.IdempotencyKey)
		if err != nil {
			return BatchResult{}, err
		}
		if !ok {
			return BatchResult{}, fmt.Errorf("%w: key %q", ErrIdempotencyConflict, e.IdempotencyKey)
		}
		out = append(out, prev)
	}
	return BatchResult{Entries: out, Duplicate: true}, nil
}

// Transfer moves amount between two balance pools of the same user.
// The source pool must cover the amount.
func (l *Ledger) Transfer(ctx context.Context, user UserID, from, to BalanceType, amount decimal.Decimal, key string, meta Metadata) (BatchResult, error) {
	if from == to {
		return BatchResult{}, fmt.Errorf("%w: transfer within the same balance type", ErrInvalidEntry)
	}
	out := Metadata{"direction": "out", "counterparty_balance": string(to)}
	in := Metadata{"direction": "in", "counterparty_balance": string(from)}
	for k, v := range meta {
		out[k] = v
		in[k] = v
	}
	return l.AppendBatch(ctx, []Entry{
		{UserID: user, IdempotencyKey: key + ":out", Type: TxDebit, Subtype: SubtypeTransfer, BalanceType: from, Amount: amount, Metadata: out},
		{UserID: user, IdempotencyKey: key + ":in", Type: TxCredit, Subtype: SubtypeTransfer, BalanceType: to, Amount: amount, Metadata: in},
	}, RequireFunds())
}

// =============================================================================
// READ PATH
// =============================================================================

// GetBalance returns the projected snapshot (hot path, no scan).
func (l *Ledger) GetBalance(ctx context.Context, user UserID, bt BalanceType) (Snapshot, error) {
	if !bt.Valid() {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidBalanceType, bt)
	}
	return l.store.Balance(ctx, user, bt)
}

// Balances returns every balance pool of a user.
func (l *Ledger) Balances(ctx context.Context, user UserID) ([]Snapshot, error) {
	out := make([]Snapshot, 0, len(BalanceTypes))
	for _, bt := range BalanceTypes {
		s, err := l.store.Balance(ctx, user, bt)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// SumLedger recomputes the balance from the entries. Used by the auditor only.
func (l *Ledger) SumLedger(ctx context.Context, user UserID, bt BalanceType) (Sums, error) {
	if !bt.Valid() {
		return Sums{}, fmt.Errorf("%w: %q", ErrInvalidBalanceType, bt)
	}
	return l.store.SumEntries(ctx, user, bt)
}

// History returns a page of entries, newest first.
func (l *Ledger) History(ctx context.Context, filter HistoryFilter) ([]Entry, error) {
	if filter.BalanceType != "" && !filter.BalanceType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBalanceType, filter.BalanceType)
	}
	return l.store.Entries(ctx, filter.Normalize())
}

// Entry looks up an applied entry by its idempotency key.
func (l *Ledger) Entry(ctx context.Context, key string) (Entry, bool, error) {
	return l.store.EntryByKey(ctx, key)
}

// Snapshots lists every projected balance row.
func (l *Ledger) Snapshots(ctx context.Context) ([]Snapshot, error) {
	return l.store.Snapshots(ctx)
}
