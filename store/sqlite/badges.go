package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/tier"
)

// =============================================================================
// BADGE HOLDINGS (tier.HoldingStore interface)
// =============================================================================

func (s *Store) CurrentBadge(ctx context.Context, user ledger.UserID) (tier.Holding, bool, error) {
	var (
		h          tier.Holding
		acquiredAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT badge_name, unlock_levels, acquired_at FROM badge_holdings WHERE user_id = ?
	`, string(user)).Scan(&h.BadgeName, &h.UnlockLevels, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tier.Holding{}, false, nil
	}
	if err != nil {
		return tier.Holding{}, false, fmt.Errorf("failed to load badge of %s: %w", user, err)
	}
	h.UserID = user
	if h.AcquiredAt, err = parseTime(acquiredAt); err != nil {
		return tier.Holding{}, false, err
	}
	return h, true, nil
}

// RecordAcquisition appends to the acquisition history and replaces the
// current holding (upgrades replace, they do not stack). A holding acquired
// later than h is kept. An acquisition whose event id is already recorded
// for the user changes nothing.
func (s *Store) RecordAcquisition(ctx context.Context, h tier.Holding) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if h.EventID != "" {
			var n int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM badge_history WHERE user_id = ? AND event_id = ?
			`, string(h.UserID), h.EventID).Scan(&n); err != nil {
				return fmt.Errorf("failed to check badge event: %w", err)
			}
			if n > 0 {
				return nil
			}
		}
		at := formatTime(h.AcquiredAt)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO badge_history (user_id, badge_name, unlock_levels, acquired_at, event_id)
			VALUES (?, ?, ?, ?, ?)
		`, string(h.UserID), h.BadgeName, h.UnlockLevels, at, nullString(h.EventID)); err != nil {
			return fmt.Errorf("failed to append badge history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO badge_holdings (user_id, badge_name, unlock_levels, acquired_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				badge_name = excluded.badge_name,
				unlock_levels = excluded.unlock_levels,
				acquired_at = excluded.acquired_at
			WHERE badge_holdings.acquired_at <= excluded.acquired_at
		`, string(h.UserID), h.BadgeName, h.UnlockLevels, at); err != nil {
			return fmt.Errorf("failed to save badge holding: %w", err)
		}
		return nil
	})
}

// AcquisitionByEvent finds the history row recorded for a keyed event.
func (s *Store) AcquisitionByEvent(ctx context.Context, user ledger.UserID, eventID string) (tier.Holding, bool, error) {
	h := tier.Holding{UserID: user, EventID: eventID}
	var at string
	err := s.db.QueryRowContext(ctx, `
		SELECT badge_name, unlock_levels, acquired_at FROM badge_history
		WHERE user_id = ? AND event_id = ?
	`, string(user), eventID).Scan(&h.BadgeName, &h.UnlockLevels, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return tier.Holding{}, false, nil
	}
	if err != nil {
		return tier.Holding{}, false, fmt.Errorf("failed to load badge event %s: %w", eventID, err)
	}
	if h.AcquiredAt, err = parseTime(at); err != nil {
		return tier.Holding{}, false, err
	}
	return h, true, nil
}

// RevokeBadge removes the current holding; history is kept.
func (s *Store) RevokeBadge(ctx context.Context, user ledger.UserID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM badge_holdings WHERE user_id = ?`, string(user))
	return err
}

// BadgeHistory lists a user's acquisitions, oldest first.
func (s *Store) BadgeHistory(ctx context.Context, user ledger.UserID) ([]tier.Holding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT badge_name, unlock_levels, acquired_at, event_id FROM badge_history
		WHERE user_id = ?
		ORDER BY acquired_at, id
	`, string(user))
	if err != nil {
		return nil, fmt.Errorf("failed to query badge history: %w", err)
	}
	defer rows.Close()

	var out []tier.Holding
	for rows.Next() {
		h := tier.Holding{UserID: user}
		var (
			at      string
			eventID sql.NullString
		)
		if err := rows.Scan(&h.BadgeName, &h.UnlockLevels, &at, &eventID); err != nil {
			return nil, err
		}
		if h.AcquiredAt, err = parseTime(at); err != nil {
			return nil, err
		}
		h.EventID = eventID.String
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// LEGACY STATUS (tier.StatusStore interface)
// =============================================================================

func (s *Store) StatusBadge(ctx context.Context, user ledger.UserID) (string, bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT badge_name FROM user_badge_status WHERE user_id = ?`, string(user)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load badge status of %s: %w", user, err)
	}
	return name, true, nil
}

func (s *Store) SetStatusBadge(ctx context.Context, user ledger.UserID, badge string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_badge_status (user_id, badge_name, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET badge_name = excluded.badge_name, updated_at = excluded.updated_at
	`, string(user), badge, formatTime(at))
	return err
}

// =============================================================================
// BADGE CARDS (tier.CardStore interface)
// =============================================================================

func (s *Store) AssignedCard(ctx context.Context, user ledger.UserID) (tier.Card, bool, error) {
	var (
		c          tier.Card
		assignedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT badge_name, unlock_levels, assigned_by FROM badge_cards WHERE user_id = ?
	`, string(user)).Scan(&c.BadgeName, &c.UnlockLevels, &assignedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return tier.Card{}, false, nil
	}
	if err != nil {
		return tier.Card{}, false, fmt.Errorf("failed to load badge card of %s: %w", user, err)
	}
	c.UserID = user
	c.AssignedBy = assignedBy.String
	return c, true, nil
}

func (s *Store) AssignCard(ctx context.Context, c tier.Card, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO badge_cards (user_id, badge_name, unlock_levels, assigned_by, assigned_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			badge_name = excluded.badge_name,
			unlock_levels = excluded.unlock_levels,
			assigned_by = excluded.assigned_by,
			assigned_at = excluded.assigned_at
	`, string(c.UserID), c.BadgeName, c.UnlockLevels, nullString(c.AssignedBy), formatTime(at))
	return err
}
