// Package store provides an in-memory ledger.Store (for tests and dev).
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/bsk-engine/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	entries  []ledger.Entry
	byKey    map[string]int
	balances map[account]ledger.Snapshot
}

type account struct {
	UserID      ledger.UserID
	BalanceType ledger.BalanceType
}

func NewMemory() *Memory {
	return &Memory{
		byKey:    make(map[string]int),
		balances: make(map[account]ledger.Snapshot),
	}
}

// WithTx runs fn under the write lock. Writes go straight to the maps and
// are rolled back from a snapshot if fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *Memory) Balance(_ context.Context, user ledger.UserID, bt ledger.BalanceType) (ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(user, bt), nil
}

func (m *Memory) EntryByKey(_ context.Context, key string) (ledger.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entryLocked(key)
}

func (m *Memory) SumEntries(_ context.Context, user ledger.UserID, bt ledger.BalanceType) (ledger.Sums, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := ledger.Sums{Credited: decimal.Zero, Debited: decimal.Zero}
	for _, e := range m.entries {
		if e.UserID != user || e.BalanceType != bt {
			continue
		}
		sums.Count++
		if e.Type == ledger.TxCredit {
			sums.Credited = sums.Credited.Add(e.Amount)
		} else {
			sums.Debited = sums.Debited.Add(e.Amount)
		}
	}
	return sums, nil
}

func (m *Memory) Entries(_ context.Context, filter ledger.HistoryFilter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ledger.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if filter.Matches(m.entries[i]) {
			matched = append(matched, m.entries[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []ledger.Entry{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *Memory) Snapshots(_ context.Context) ([]ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Snapshot, 0, len(m.balances))
	for _, s := range m.balances {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].BalanceType < out[j].BalanceType
	})
	return out, nil
}

// CorruptBalance overwrites a snapshot without a ledger entry. It exists so
// reconciliation tests can simulate drift; nothing else may call it.
func (m *Memory) CorruptBalance(s ledger.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account{s.UserID, s.BalanceType}] = s
}

func (m *Memory) balanceLocked(user ledger.UserID, bt ledger.BalanceType) ledger.Snapshot {
	if s, ok := m.balances[account{user, bt}]; ok {
		return s
	}
	return ledger.EmptySnapshot(user, bt)
}

func (m *Memory) entryLocked(key string) (ledger.Entry, bool, error) {
	i, ok := m.byKey[key]
	if !ok {
		return ledger.Entry{}, false, nil
	}
	return m.entries[i], true, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memorySnapshot struct {
	entries  int
	byKey    map[string]int
	balances map[account]ledger.Snapshot
}

func (m *Memory) snapshot() memorySnapshot {
	byKey := make(map[string]int, len(m.byKey))
	for k, v := range m.byKey {
		byKey[k] = v
	}
	balances := make(map[account]ledger.Snapshot, len(m.balances))
	for k, v := range m.balances {
		balances[k] = v
	}
	return memorySnapshot{entries: len(m.entries), byKey: byKey, balances: balances}
}

func (m *Memory) restore(s memorySnapshot) {
	m.entries = m.entries[:s.entries]
	m.byKey = s.byKey
	m.balances = s.balances
}

type memoryTx struct {
	m *Memory
}

func (t *memoryTx) EntryByKey(_ context.Context, key string) (ledger.Entry, bool, error) {
	return t.m.entryLocked(key)
}

func (t *memoryTx) LockBalance(_ context.Context, user ledger.UserID, bt ledger.BalanceType) (ledger.Snapshot, error) {
	return t.m.balanceLocked(user, bt), nil
}

func (t *memoryTx) Insert(_ context.Context, e ledger.Entry) error {
	if _, ok := t.m.byKey[e.IdempotencyKey]; ok {
		return ledger.ErrDuplicateIdempotencyKey
	}
	t.m.byKey[e.IdempotencyKey] = len(t.m.entries)
	t.m.entries = append(t.m.entries, e)
	return nil
}

func (t *memoryTx) PutBalance(_ context.Context, s ledger.Snapshot) error {
	t.m.balances[account{s.UserID, s.BalanceType}] = s
	return nil
}
