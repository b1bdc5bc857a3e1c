package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/bsk-engine/ledger"
)

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// WithTx runs fn inside one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&ledgerTx{tx: tx})
	})
}

func (s *Store) Balance(ctx context.Context, user ledger.UserID, bt ledger.BalanceType) (ledger.Snapshot, error) {
	return loadBalance(ctx, s.db, user, bt)
}

func (s *Store) EntryByKey(ctx context.Context, key string) (ledger.Entry, bool, error) {
	return entryByKey(ctx, s.db, key)
}

// SumEntries recomputes one account from its entries. Amounts are text,
// so the sum is done in decimal rather than by SQL SUM().
func (s *Store) SumEntries(ctx context.Context, user ledger.UserID, bt ledger.BalanceType) (ledger.Sums, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_type, amount FROM ledger_entries
		WHERE user_id = ? AND balance_type = ?
	`, string(user), string(bt))
	if err != nil {
		return ledger.Sums{}, fmt.Errorf("failed to sum entries: %w", err)
	}
	defer rows.Close()

	sums := ledger.Sums{Credited: decimal.Zero, Debited: decimal.Zero}
	for rows.Next() {
		var txType, amount string
		if err := rows.Scan(&txType, &amount); err != nil {
			return ledger.Sums{}, err
		}
		d, err := parseDecimal(amount)
		if err != nil {
			return ledger.Sums{}, err
		}
		if ledger.TxType(txType) == ledger.TxDebit {
			sums.Debited = sums.Debited.Add(d)
		} else {
			sums.Credited = sums.Credited.Add(d)
		}
		sums.Count++
	}
	return sums, rows.Err()
}

// Entries returns one page of history, newest first.
func (s *Store) Entries(ctx context.Context, f ledger.HistoryFilter) ([]ledger.Entry, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, string(f.UserID))
	}
	if f.BalanceType != "" {
		where = append(where, "balance_type = ?")
		args = append(args, string(f.BalanceType))
	}
	if f.Subtype != "" {
		where = append(where, "tx_subtype = ?")
		args = append(args, f.Subtype)
	}
	if f.Type != "" {
		where = append(where, "tx_type = ?")
		args = append(args, string(f.Type))
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*f.To))
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Snapshots(ctx context.Context) ([]ledger.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, balance_type, current_balance, lifetime_credited, lifetime_debited, updated_at
		FROM balance_snapshots
		ORDER BY user_id, balance_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []ledger.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// CorruptBalance overwrites a snapshot without a ledger entry. It exists
// for reconciliation drills and tests; nothing in the engine calls it.
func (s *Store) CorruptBalance(ctx context.Context, snap ledger.Snapshot) error {
	return putBalance(ctx, s.db, snap)
}

// =============================================================================
// LEDGER TRANSACTION (ledger.Tx interface)
// =============================================================================

type ledgerTx struct {
	tx *sql.Tx
}

func (t *ledgerTx) EntryByKey(ctx context.Context, key string) (ledger.Entry, bool, error) {
	return entryByKey(ctx, t.tx, key)
}

// LockBalance reads the snapshot inside the write transaction. Transactions
// begin IMMEDIATE, so the database write lock is already held.
func (t *ledgerTx) LockBalance(ctx context.Context, user ledger.UserID, bt ledger.BalanceType) (ledger.Snapshot, error) {
	return loadBalance(ctx, t.tx, user, bt)
}

func (t *ledgerTx) Insert(ctx context.Context, e ledger.Entry) error {
	var metaJSON sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, idempotency_key, tx_type, tx_subtype,
			balance_type, amount, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, string(e.UserID), e.IdempotencyKey, string(e.Type), e.Subtype,
		string(e.BalanceType), e.Amount.String(), metaJSON, formatTime(e.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (t *ledgerTx) PutBalance(ctx context.Context, snap ledger.Snapshot) error {
	return putBalance(ctx, t.tx, snap)
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

const entryColumns = `id, user_id, idempotency_key, tx_type, tx_subtype, balance_type, amount, metadata_json, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e                                 ledger.Entry
		user, txType, balanceType, amount string
		metaJSON                          sql.NullString
		createdAt                         string
	)
	if err := row.Scan(&e.ID, &user, &e.IdempotencyKey, &txType, &e.Subtype,
		&balanceType, &amount, &metaJSON, &createdAt); err != nil {
		return ledger.Entry{}, err
	}
	e.UserID = ledger.UserID(user)
	e.Type = ledger.TxType(txType)
	e.BalanceType = ledger.BalanceType(balanceType)

	var err error
	if e.Amount, err = parseDecimal(amount); err != nil {
		return ledger.Entry{}, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Entry{}, err
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
			return ledger.Entry{}, fmt.Errorf("invalid metadata on entry %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func entryByKey(ctx context.Context, q querier, key string) (ledger.Entry, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("failed to load entry %q: %w", key, err)
	}
	return e, true, nil
}

func scanSnapshot(row scanner) (ledger.Snapshot, error) {
	var user, bt, current, credited, debited, updatedAt string
	if err := row.Scan(&user, &bt, &current, &credited, &debited, &updatedAt); err != nil {
		return ledger.Snapshot{}, err
	}
	snap := ledger.Snapshot{UserID: ledger.UserID(user), BalanceType: ledger.BalanceType(bt)}
	var err error
	if snap.Current, err = parseDecimal(current); err != nil {
		return ledger.Snapshot{}, err
	}
	if snap.LifetimeCredited, err = parseDecimal(credited); err != nil {
		return ledger.Snapshot{}, err
	}
	if snap.LifetimeDebited, err = parseDecimal(debited); err != nil {
		return ledger.Snapshot{}, err
	}
	if snap.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Snapshot{}, err
	}
	return snap, nil
}

func loadBalance(ctx context.Context, q querier, user ledger.UserID, bt ledger.BalanceType) (ledger.Snapshot, error) {
	row := q.QueryRowContext(ctx, `
		SELECT user_id, balance_type, current_balance, lifetime_credited, lifetime_debited, updated_at
		FROM balance_snapshots
		WHERE user_id = ? AND balance_type = ?
	`, string(user), string(bt))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.EmptySnapshot(user, bt), nil
	}
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to load balance: %w", err)
	}
	return snap, nil
}

func putBalance(ctx context.Context, q querier, snap ledger.Snapshot) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO balance_snapshots (user_id, balance_type, current_balance,
			lifetime_credited, lifetime_debited, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, balance_type) DO UPDATE SET
			current_balance = excluded.current_balance,
			lifetime_credited = excluded.lifetime_credited,
			lifetime_debited = excluded.lifetime_debited,
			updated_at = excluded.updated_at
	`,
		string(snap.UserID), string(snap.BalanceType), snap.Current.String(),
		snap.LifetimeCredited.String(), snap.LifetimeDebited.String(), formatTime(snap.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}
