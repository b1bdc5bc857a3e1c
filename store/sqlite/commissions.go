package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/bsk-engine/commission"
	"github.com/warp/bsk-engine/ledger"
)

// =============================================================================
// COMMISSION TRACES (commission.TraceStore interface)
// =============================================================================

// SaveDecisions upserts one row per level; a re-run replaces the trace of
// the levels it decided again.
func (s *Store) SaveDecisions(ctx context.Context, decisions []commission.Decision) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO commission_decisions (event_type, event_id, level, payer_id, ancestor_id,
				direct_sponsor_id, badge_found, badge_name, unlock_levels, source, rate_kind,
				rate_value, amount, outcome, reason, idempotency_key, entry_id, already_applied,
				error, decided_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_type, event_id, level) DO UPDATE SET
				payer_id = excluded.payer_id,
				ancestor_id = excluded.ancestor_id,
				direct_sponsor_id = excluded.direct_sponsor_id,
				badge_found = excluded.badge_found,
				badge_name = excluded.badge_name,
				unlock_levels = excluded.unlock_levels,
				source = excluded.source,
				rate_kind = excluded.rate_kind,
				rate_value = excluded.rate_value,
				amount = excluded.amount,
				outcome = excluded.outcome,
				reason = excluded.reason,
				idempotency_key = excluded.idempotency_key,
				entry_id = excluded.entry_id,
				already_applied = excluded.already_applied,
				error = excluded.error,
				decided_at = excluded.decided_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, d := range decisions {
			if _, err := stmt.ExecContext(ctx,
				d.EventType, d.EventID, d.Level, string(d.PayerID), string(d.AncestorID),
				string(d.DirectSponsorID), d.BadgeFound, nullString(d.BadgeName), d.UnlockLevels,
				nullString(d.Source), nullString(d.RateKind), d.RateValue.String(), d.Amount.String(),
				string(d.Outcome), nullString(d.Reason), nullString(d.IdempotencyKey),
				nullString(d.EntryID), d.AlreadyApplied, nullString(d.Error), formatTime(d.DecidedAt),
			); err != nil {
				return fmt.Errorf("failed to save decision L%d: %w", d.Level, err)
			}
		}
		return nil
	})
}

func (s *Store) Decisions(ctx context.Context, eventType, eventID string) ([]commission.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT level, payer_id, ancestor_id, direct_sponsor_id, badge_found, badge_name,
			unlock_levels, source, rate_kind, rate_value, amount, outcome, reason,
			idempotency_key, entry_id, already_applied, error, decided_at
		FROM commission_decisions
		WHERE event_type = ? AND event_id = ?
		ORDER BY level
	`, eventType, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []commission.Decision
	for rows.Next() {
		d := commission.Decision{EventType: eventType, EventID: eventID}
		var (
			payer, ancestor, direct, rateValue, amount, outcome, decidedAt string
			badgeName, source, rateKind, reason, key, entryID, errText     sql.NullString
		)
		if err := rows.Scan(&d.Level, &payer, &ancestor, &direct, &d.BadgeFound, &badgeName,
			&d.UnlockLevels, &source, &rateKind, &rateValue, &amount, &outcome, &reason,
			&key, &entryID, &d.AlreadyApplied, &errText, &decidedAt); err != nil {
			return nil, err
		}
		d.PayerID = ledger.UserID(payer)
		d.AncestorID = ledger.UserID(ancestor)
		d.DirectSponsorID = ledger.UserID(direct)
		d.BadgeName = badgeName.String
		d.Source = source.String
		d.RateKind = rateKind.String
		d.Outcome = commission.Outcome(outcome)
		d.Reason = reason.String
		d.IdempotencyKey = key.String
		d.EntryID = entryID.String
		d.Error = errText.String
		if d.RateValue, err = parseDecimal(rateValue); err != nil {
			return nil, err
		}
		if d.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if d.DecidedAt, err = parseTime(decidedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
