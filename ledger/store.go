package ledger

import "context"

// Store persists entries and snapshots. Entries are append-only: there is
// no update or delete. Snapshots are only ever written inside WithTx,
// together with the entry that produced them.
type Store interface {
	// WithTx runs fn in one ACID transaction. A non-nil error rolls back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Balance returns the snapshot, or an empty snapshot if none exists.
	Balance(ctx context.Context, user UserID, bt BalanceType) (Snapshot, error)

	// EntryByKey looks an entry up by idempotency key.
	EntryByKey(ctx context.Context, key string) (Entry, bool, error)

	// SumEntries recomputes an account from its entries. Full scan.
	SumEntries(ctx context.Context, user UserID, bt BalanceType) (Sums, error)

	// Entries returns entries matching the filter, newest first.
	Entries(ctx context.Context, filter HistoryFilter) ([]Entry, error)

	// Snapshots lists every snapshot row.
	Snapshots(ctx context.Context) ([]Snapshot, error)
}

// Tx is the write view of a Store inside WithTx.
type Tx interface {
	EntryByKey(ctx context.Context, key string) (Entry, bool, error)

	// LockBalance reads the snapshot for update. On row-locking databases
	// this is SELECT ... FOR UPDATE.
	LockBalance(ctx context.Context, user UserID, bt BalanceType) (Snapshot, error)

	// Insert writes a new entry; ErrDuplicateIdempotencyKey if the key exists.
	Insert(ctx context.Context, e Entry) error

	PutBalance(ctx context.Context, s Snapshot) error
}
