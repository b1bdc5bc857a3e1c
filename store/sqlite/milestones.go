package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/milestone"
)

// =============================================================================
// MILESTONE TRACKERS (milestone.Store interface)
// =============================================================================

func (s *Store) Tracker(ctx context.Context, user ledger.UserID) (milestone.Tracker, bool, error) {
	var vipAt, updatedAt string
	t := milestone.Tracker{UserID: user, Claims: map[int]milestone.Claim{}}
	err := s.db.QueryRowContext(ctx, `
		SELECT vip_badge_acquired_at, direct_vip_count, updated_at
		FROM milestone_trackers WHERE user_id = ?
	`, string(user)).Scan(&vipAt, &t.DirectVIPCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return milestone.Tracker{}, false, nil
	}
	if err != nil {
		return milestone.Tracker{}, false, fmt.Errorf("failed to load tracker %s: %w", user, err)
	}
	if t.VIPAcquiredAt, err = parseTime(vipAt); err != nil {
		return milestone.Tracker{}, false, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return milestone.Tracker{}, false, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT threshold, bonus, entry_id, claimed_at FROM milestone_claims WHERE user_id = ?
	`, string(user))
	if err != nil {
		return milestone.Tracker{}, false, fmt.Errorf("failed to load claims of %s: %w", user, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c              milestone.Claim
			bonus, claimed string
			entryID        sql.NullString
		)
		if err := rows.Scan(&c.Threshold, &bonus, &entryID, &claimed); err != nil {
			return milestone.Tracker{}, false, err
		}
		if c.Bonus, err = parseDecimal(bonus); err != nil {
			return milestone.Tracker{}, false, err
		}
		if c.ClaimedAt, err = parseTime(claimed); err != nil {
			return milestone.Tracker{}, false, err
		}
		c.EntryID = entryID.String
		t.Claims[c.Threshold] = c
	}
	return t, true, rows.Err()
}

func (s *Store) SaveTracker(ctx context.Context, t milestone.Tracker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO milestone_trackers (user_id, vip_badge_acquired_at, direct_vip_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			vip_badge_acquired_at = excluded.vip_badge_acquired_at,
			direct_vip_count = excluded.direct_vip_count,
			updated_at = excluded.updated_at
	`, string(t.UserID), formatTime(t.VIPAcquiredAt), t.DirectVIPCount, formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save tracker %s: %w", t.UserID, err)
	}
	return nil
}

// MarkClaimed never overwrites: claimed flags are monotonic.
func (s *Store) MarkClaimed(ctx context.Context, user ledger.UserID, c milestone.Claim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO milestone_claims (user_id, threshold, bonus, entry_id, claimed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, threshold) DO NOTHING
	`, string(user), c.Threshold, c.Bonus.String(), nullString(c.EntryID), formatTime(c.ClaimedAt))
	if err != nil {
		return fmt.Errorf("failed to mark claim %d for %s: %w", c.Threshold, user, err)
	}
	return nil
}

// CountDirectVIPAfter counts distinct locked direct referrals of sponsor
// with an acquisition of badge strictly after the given instant.
func (s *Store) CountDirectVIPAfter(ctx context.Context, sponsor ledger.UserID, badge string, after time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT h.user_id)
		FROM badge_history h
		JOIN sponsor_links l ON l.user_id = h.user_id
		WHERE l.sponsor_id = ?
			AND l.locked_at IS NOT NULL
			AND h.badge_name = ?
			AND h.acquired_at > ?
	`, string(sponsor), badge, formatTime(after)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count direct VIPs of %s: %w", sponsor, err)
	}
	return n, nil
}
