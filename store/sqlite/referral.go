package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/referral"
)

// =============================================================================
// SPONSOR LINKS (referral.Store interface)
// =============================================================================

const linkColumns = `user_id, sponsor_id, locked_at, created_at`

func scanLink(row scanner) (referral.SponsorLink, error) {
	var (
		link      referral.SponsorLink
		user      string
		sponsor   sql.NullString
		lockedAt  sql.NullString
		createdAt string
	)
	if err := row.Scan(&user, &sponsor, &lockedAt, &createdAt); err != nil {
		return referral.SponsorLink{}, err
	}
	link.UserID = ledger.UserID(user)
	link.SponsorID = ledger.UserID(sponsor.String)
	var err error
	if link.LockedAt, err = parseTimePtr(lockedAt); err != nil {
		return referral.SponsorLink{}, err
	}
	if link.CreatedAt, err = parseTime(createdAt); err != nil {
		return referral.SponsorLink{}, err
	}
	return link, nil
}

func (s *Store) SponsorLink(ctx context.Context, user ledger.UserID) (referral.SponsorLink, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM sponsor_links WHERE user_id = ?`, string(user))
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return referral.SponsorLink{}, false, nil
	}
	if err != nil {
		return referral.SponsorLink{}, false, fmt.Errorf("failed to load sponsor link %s: %w", user, err)
	}
	return link, true, nil
}

// SaveSponsorLink upserts a link. A locked row is never modified, even if
// two lock events race past the caller's check.
func (s *Store) SaveSponsorLink(ctx context.Context, link referral.SponsorLink) error {
	now := formatTime(link.CreatedAt)
	if link.LockedAt != nil {
		now = formatTime(*link.LockedAt)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sponsor_links (user_id, sponsor_id, locked_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			sponsor_id = excluded.sponsor_id,
			locked_at = excluded.locked_at,
			updated_at = excluded.updated_at
		WHERE sponsor_links.locked_at IS NULL
	`,
		string(link.UserID), nullString(string(link.SponsorID)), formatTimePtr(link.LockedAt),
		formatTime(link.CreatedAt), now,
	)
	if err != nil {
		return fmt.Errorf("failed to save sponsor link %s: %w", link.UserID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, ok, err := s.SponsorLink(ctx, link.UserID)
		if err != nil {
			return err
		}
		if ok && current.SponsorID != link.SponsorID {
			return fmt.Errorf("%w: %s is locked to %s", referral.ErrSponsorLocked, link.UserID, current.SponsorID)
		}
	}
	return nil
}

func (s *Store) DirectReferrals(ctx context.Context, sponsor ledger.UserID) ([]referral.SponsorLink, error) {
	return s.queryLinks(ctx, `SELECT `+linkColumns+` FROM sponsor_links WHERE sponsor_id = ? ORDER BY user_id`, string(sponsor))
}

func (s *Store) LockedLinks(ctx context.Context) ([]referral.SponsorLink, error) {
	return s.queryLinks(ctx, `
		SELECT `+linkColumns+` FROM sponsor_links
		WHERE locked_at IS NOT NULL AND sponsor_id IS NOT NULL AND sponsor_id <> ''
		ORDER BY user_id
	`)
}

func (s *Store) queryLinks(ctx context.Context, query string, args ...any) ([]referral.SponsorLink, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sponsor links: %w", err)
	}
	defer rows.Close()

	var out []referral.SponsorLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

// =============================================================================
// CLOSURE
// =============================================================================

// ReplaceClosure deletes user's edges and inserts the new set atomically.
// Other users' rows are never touched.
func (s *Store) ReplaceClosure(ctx context.Context, user ledger.UserID, edges []referral.Edge) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM referral_closure WHERE user_id = ?`, string(user)); err != nil {
			return fmt.Errorf("failed to clear closure: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO referral_closure (user_id, ancestor_id, level, direct_sponsor_id)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range edges {
			if e.UserID != user {
				return fmt.Errorf("edge for %s in closure of %s", e.UserID, user)
			}
			if _, err := stmt.ExecContext(ctx, string(e.UserID), string(e.AncestorID), e.Level, string(e.DirectSponsorID)); err != nil {
				return fmt.Errorf("failed to insert edge L%d: %w", e.Level, err)
			}
		}
		return nil
	})
}

func (s *Store) Ancestors(ctx context.Context, user ledger.UserID, maxLevel int) ([]referral.Edge, error) {
	return s.queryEdges(ctx, `
		SELECT user_id, ancestor_id, level, direct_sponsor_id FROM referral_closure
		WHERE user_id = ? AND level <= ?
		ORDER BY level
	`, string(user), maxLevel)
}

func (s *Store) Descendants(ctx context.Context, ancestor ledger.UserID) ([]ledger.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM referral_closure
		WHERE ancestor_id = ?
		ORDER BY level, user_id
	`, string(ancestor))
	if err != nil {
		return nil, fmt.Errorf("failed to query descendants: %w", err)
	}
	defer rows.Close()

	var out []ledger.UserID
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, ledger.UserID(u))
	}
	return out, rows.Err()
}

func (s *Store) LevelOneEdges(ctx context.Context) (map[ledger.UserID]referral.Edge, error) {
	edges, err := s.queryEdges(ctx, `
		SELECT user_id, ancestor_id, level, direct_sponsor_id FROM referral_closure
		WHERE level = 1
	`)
	if err != nil {
		return nil, err
	}
	out := make(map[ledger.UserID]referral.Edge, len(edges))
	for _, e := range edges {
		out[e.UserID] = e
	}
	return out, nil
}

// InconsistentDirectSponsors lists users with any edge whose
// direct_sponsor_id differs from their locked sponsor (or who have edges
// without a locked sponsor at all).
func (s *Store) InconsistentDirectSponsors(ctx context.Context) ([]ledger.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.user_id
		FROM referral_closure c
		LEFT JOIN sponsor_links l
			ON l.user_id = c.user_id AND l.locked_at IS NOT NULL
		WHERE l.sponsor_id IS NULL OR c.direct_sponsor_id <> l.sponsor_id
		ORDER BY c.user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to check direct sponsors: %w", err)
	}
	defer rows.Close()

	var out []ledger.UserID
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, ledger.UserID(u))
	}
	return out, rows.Err()
}

// DeleteEdge removes a single closure row. Used to simulate drift in
// repair drills; the engine itself only replaces whole closures.
func (s *Store) DeleteEdge(ctx context.Context, user ledger.UserID, level int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM referral_closure WHERE user_id = ? AND level = ?`, string(user), level)
	return err
}

func (s *Store) queryEdges(ctx context.Context, query string, args ...any) ([]referral.Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query closure: %w", err)
	}
	defer rows.Close()

	var out []referral.Edge
	for rows.Next() {
		var e referral.Edge
		var user, ancestor, direct string
		if err := rows.Scan(&user, &ancestor, &e.Level, &direct); err != nil {
			return nil, err
		}
		e.UserID = ledger.UserID(user)
		e.AncestorID = ledger.UserID(ancestor)
		e.DirectSponsorID = ledger.UserID(direct)
		out = append(out, e)
	}
	return out, rows.Err()
}
