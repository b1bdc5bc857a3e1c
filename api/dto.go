/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  - JSON structures for API communication
  - Amounts leave as strings so they never pass through float64

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  - Done in handlers and the domain packages, not in DTOs

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/bsk-engine/audit"
	"github.com/warp/bsk-engine/bsk"
	"github.com/warp/bsk-engine/commission"
	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/milestone"
	"github.com/warp/bsk-engine/referral"
	"github.com/warp/bsk-engine/tier"
)

// =============================================================================
// REQUESTS
// =============================================================================

// PaymentEventRequest is an inbound purchase, upgrade or ad-reward payment.
type PaymentEventRequest struct {
	PayerID    string          `json:"payer_id"`
	EventType  string          `json:"event_type"`
	EventID    string          `json:"event_id"`
	BaseAmount decimal.Decimal `json:"base_amount"`
	Deduction  decimal.Decimal `json:"deduction"`
}

// BadgeEventRequest records a badge acquisition, optionally as a purchase.
type BadgeEventRequest struct {
	UserID     string     `json:"user_id"`
	Badge      string     `json:"badge"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	EventID    string     `json:"event_id"`
	Purchase   bool       `json:"purchase"`
	PaidFrom   string     `json:"paid_from,omitempty"`
}

// SponsorLockRequest locks a user's sponsor.
type SponsorLockRequest struct {
	UserID    string     `json:"user_id"`
	SponsorID string     `json:"sponsor_id"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
}

// SetSponsorRequest records an unlocked sponsor (signup or code claim).
type SetSponsorRequest struct {
	SponsorID string `json:"sponsor_id"`
}

type TransferRequest struct {
	From           string          `json:"from"`
	To             string          `json:"to"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// AdjustmentRequest is a manual operator correction.
type AdjustmentRequest struct {
	UserID         string          `json:"user_id"`
	BalanceType    string          `json:"balance_type"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Reason         string          `json:"reason"`
	Actor          string          `json:"actor"`
	RequireFunds   bool            `json:"require_funds"`
}

type StatusBadgeRequest struct {
	UserID string `json:"user_id"`
	Badge  string `json:"badge"`
}

type CardRequest struct {
	UserID       string `json:"user_id"`
	Badge        string `json:"badge"`
	UnlockLevels int    `json:"unlock_levels"`
	AssignedBy   string `json:"assigned_by"`
}

// =============================================================================
// LEDGER
// =============================================================================

type EntryDTO struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Type           string            `json:"type"`
	Subtype        string            `json:"subtype"`
	BalanceType    string            `json:"balance_type"`
	Amount         string            `json:"amount"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

type BalanceDTO struct {
	BalanceType      string     `json:"balance_type"`
	Current          string     `json:"current"`
	LifetimeCredited string     `json:"lifetime_credited"`
	LifetimeDebited  string     `json:"lifetime_debited"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

type BalancesDTO struct {
	UserID   string       `json:"user_id"`
	Balances []BalanceDTO `json:"balances"`
}

// AppendDTO is the response of a single ledger write.
type AppendDTO struct {
	Entry     EntryDTO `json:"entry"`
	Duplicate bool     `json:"duplicate"`
}

type TransferDTO struct {
	Entries   []EntryDTO `json:"entries"`
	Duplicate bool       `json:"duplicate"`
}

// =============================================================================
// COMMISSION
// =============================================================================

type DecisionDTO struct {
	Level           int       `json:"level"`
	AncestorID      string    `json:"ancestor_id"`
	DirectSponsorID string    `json:"direct_sponsor_id,omitempty"`
	BadgeFound      bool      `json:"badge_found"`
	BadgeName       string    `json:"badge_name,omitempty"`
	UnlockLevels    int       `json:"unlock_levels"`
	Source          string    `json:"source,omitempty"`
	RateKind        string    `json:"rate_kind,omitempty"`
	RateValue       string    `json:"rate_value,omitempty"`
	Amount          string    `json:"amount"`
	Outcome         string    `json:"outcome"`
	Reason          string    `json:"reason,omitempty"`
	IdempotencyKey  string    `json:"idempotency_key"`
	EntryID         string    `json:"entry_id,omitempty"`
	AlreadyApplied  bool      `json:"already_applied"`
	Error           string    `json:"error,omitempty"`
	DecidedAt       time.Time `json:"decided_at"`
}

type CommissionDTO struct {
	EventType        string        `json:"event_type"`
	EventID          string        `json:"event_id"`
	PayerID          string        `json:"payer_id"`
	BaseAmount       string        `json:"base_amount"`
	LevelsPaid       int           `json:"levels_paid"`
	LevelsSkipped    int           `json:"levels_skipped"`
	NewlyApplied     int           `json:"newly_applied"`
	TotalDistributed string        `json:"total_distributed"`
	FailedLevels     []int         `json:"failed_levels,omitempty"`
	Decisions        []DecisionDTO `json:"decisions"`
}

// TraceDTO is the stored decision trace of one event.
type TraceDTO struct {
	EventType string        `json:"event_type"`
	EventID   string        `json:"event_id"`
	Decisions []DecisionDTO `json:"decisions"`
}

// =============================================================================
// BADGES, SPONSORS, MILESTONES
// =============================================================================

type HoldingDTO struct {
	Badge        string    `json:"badge"`
	UnlockLevels int       `json:"unlock_levels"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

type BadgeOutcomeDTO struct {
	UserID      string         `json:"user_id"`
	Holding     HoldingDTO     `json:"holding"`
	Previous    *HoldingDTO    `json:"previous,omitempty"`
	Debit       *AppendDTO     `json:"debit,omitempty"`
	Commission  *CommissionDTO `json:"commission,omitempty"`
	Milestone   *EvaluationDTO `json:"milestone,omitempty"`
	AlreadySeen bool           `json:"already_seen"`
}

// BadgeDTO is the resolved badge of a user, plus its acquisition history.
type BadgeDTO struct {
	UserID       string       `json:"user_id"`
	Found        bool         `json:"found"`
	Badge        string       `json:"badge,omitempty"`
	UnlockLevels int          `json:"unlock_levels"`
	Source       string       `json:"source,omitempty"`
	History      []HoldingDTO `json:"history"`
}

type EdgeDTO struct {
	AncestorID      string `json:"ancestor_id"`
	Level           int    `json:"level"`
	DirectSponsorID string `json:"direct_sponsor_id"`
}

type UplineDTO struct {
	UserID    string    `json:"user_id"`
	Ancestors []EdgeDTO `json:"ancestors"`
}

type LockDTO struct {
	UserID             string            `json:"user_id"`
	SponsorID          string            `json:"sponsor_id"`
	LockedAt           *time.Time        `json:"locked_at,omitempty"`
	AlreadySet         bool              `json:"already_set"`
	Edges              int               `json:"edges"`
	DescendantsRebuilt int               `json:"descendants_rebuilt"`
	DescendantsFailed  map[string]string `json:"descendants_failed,omitempty"`
}

type ClaimDTO struct {
	Threshold int       `json:"threshold"`
	Bonus     string    `json:"bonus"`
	ClaimedAt time.Time `json:"claimed_at"`
	EntryID   string    `json:"entry_id,omitempty"`
}

type EvaluationDTO struct {
	UserID    string     `json:"user_id"`
	Rejected  bool       `json:"rejected"`
	Reason    string     `json:"reason,omitempty"`
	Count     int        `json:"count"`
	NewClaims []ClaimDTO `json:"new_claims"`
}

type ProgressDTO struct {
	UserID        string     `json:"user_id"`
	Tracking      bool       `json:"tracking"`
	VIPAcquiredAt *time.Time `json:"vip_acquired_at,omitempty"`
	Count         int        `json:"count"`
	NextThreshold *int       `json:"next_threshold,omitempty"`
	NextBonus     string     `json:"next_bonus,omitempty"`
	Remaining     int        `json:"remaining"`
	Claims        []ClaimDTO `json:"claims"`
}

// =============================================================================
// ADMIN
// =============================================================================

type FindingDTO struct {
	Kind            string `json:"kind"`
	UserID          string `json:"user_id"`
	ExpectedSponsor string `json:"expected_sponsor,omitempty"`
	ActualAncestor  string `json:"actual_ancestor,omitempty"`
}

type SponsorDiffDTO struct {
	SponsorID string `json:"sponsor_id"`
	Expected  int    `json:"expected"`
	Actual    int    `json:"actual"`
	Diff      int    `json:"diff"`
}

type AuditDTO struct {
	RunID        string            `json:"run_id"`
	Repair       bool              `json:"repair"`
	Clean        bool              `json:"clean"`
	LinksChecked int               `json:"links_checked"`
	Sponsors     int               `json:"sponsors"`
	Diffs        []SponsorDiffDTO  `json:"diffs"`
	Findings     []FindingDTO      `json:"findings"`
	Affected     []string          `json:"affected"`
	Rebuilt      int               `json:"rebuilt"`
	RebuildFails map[string]string `json:"rebuild_failures,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
}

type BalanceDiffDTO struct {
	UserID      string `json:"user_id"`
	BalanceType string `json:"balance_type"`
	Snapshot    string `json:"snapshot"`
	Ledger      string `json:"ledger"`
	Difference  string `json:"difference"`
	Entries     int    `json:"entries"`
	Match       bool   `json:"match"`
}

type ReconcileDTO struct {
	UserID string           `json:"user_id"`
	Diffs  []BalanceDiffDTO `json:"diffs"`
}

type RunDTO struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Checked     int        `json:"checked"`
	Findings    int        `json:"findings"`
	Repaired    int        `json:"repaired"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:             e.ID,
		UserID:         string(e.UserID),
		IdempotencyKey: e.IdempotencyKey,
		Type:           string(e.Type),
		Subtype:        e.Subtype,
		BalanceType:    string(e.BalanceType),
		Amount:         e.Amount.String(),
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt,
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	out := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryDTO(e))
	}
	return out
}

func toAppendDTO(r ledger.AppendResult) AppendDTO {
	return AppendDTO{Entry: toEntryDTO(r.Entry), Duplicate: r.Duplicate}
}

func toBalanceDTO(s ledger.Snapshot) BalanceDTO {
	dto := BalanceDTO{
		BalanceType:      string(s.BalanceType),
		Current:          s.Current.String(),
		LifetimeCredited: s.LifetimeCredited.String(),
		LifetimeDebited:  s.LifetimeDebited.String(),
	}
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt
		dto.UpdatedAt = &t
	}
	return dto
}

func toDecisionDTOs(ds []commission.Decision) []DecisionDTO {
	out := make([]DecisionDTO, 0, len(ds))
	for _, d := range ds {
		dto := DecisionDTO{
			Level:           d.Level,
			AncestorID:      string(d.AncestorID),
			DirectSponsorID: string(d.DirectSponsorID),
			BadgeFound:      d.BadgeFound,
			BadgeName:       d.BadgeName,
			UnlockLevels:    d.UnlockLevels,
			Source:          d.Source,
			RateKind:        d.RateKind,
			Amount:          d.Amount.String(),
			Outcome:         string(d.Outcome),
			Reason:          d.Reason,
			IdempotencyKey:  d.IdempotencyKey,
			EntryID:         d.EntryID,
			AlreadyApplied:  d.AlreadyApplied,
			Error:           d.Error,
			DecidedAt:       d.DecidedAt,
		}
		if d.RateKind != "" {
			dto.RateValue = d.RateValue.String()
		}
		out = append(out, dto)
	}
	return out
}

func toCommissionDTO(r commission.Result) CommissionDTO {
	dto := CommissionDTO{
		EventType:        r.EventType,
		EventID:          r.EventID,
		PayerID:          string(r.PayerID),
		BaseAmount:       r.BaseAmount.String(),
		LevelsPaid:       r.LevelsPaid,
		LevelsSkipped:    r.LevelsSkipped,
		NewlyApplied:     r.NewlyApplied,
		TotalDistributed: r.TotalDistributed.String(),
		Decisions:        toDecisionDTOs(r.Decisions),
	}
	for _, d := range r.Decisions {
		if d.Outcome == commission.OutcomeFailed {
			dto.FailedLevels = append(dto.FailedLevels, d.Level)
		}
	}
	return dto
}

func toHoldingDTO(h tier.Holding) HoldingDTO {
	return HoldingDTO{Badge: h.BadgeName, UnlockLevels: h.UnlockLevels, AcquiredAt: h.AcquiredAt}
}

func toClaimDTOs(claims []milestone.Claim) []ClaimDTO {
	out := make([]ClaimDTO, 0, len(claims))
	for _, c := range claims {
		out = append(out, ClaimDTO{Threshold: c.Threshold, Bonus: c.Bonus.String(), ClaimedAt: c.ClaimedAt, EntryID: c.EntryID})
	}
	return out
}

func toEvaluationDTO(e milestone.Evaluation) EvaluationDTO {
	return EvaluationDTO{
		UserID:    string(e.UserID),
		Rejected:  e.Rejected,
		Reason:    e.Reason,
		Count:     e.Count,
		NewClaims: toClaimDTOs(e.NewClaims),
	}
}

func toBadgeOutcomeDTO(user string, o bsk.BadgeOutcome) BadgeOutcomeDTO {
	dto := BadgeOutcomeDTO{UserID: user, Holding: toHoldingDTO(o.Holding), AlreadySeen: o.AlreadySeen}
	if o.Previous != nil {
		prev := toHoldingDTO(*o.Previous)
		dto.Previous = &prev
	}
	if o.Debit != nil {
		debit := toAppendDTO(*o.Debit)
		dto.Debit = &debit
	}
	if o.Commission != nil {
		c := toCommissionDTO(*o.Commission)
		dto.Commission = &c
	}
	if o.Milestone != nil {
		m := toEvaluationDTO(*o.Milestone)
		dto.Milestone = &m
	}
	return dto
}

func toProgressDTO(p milestone.Progress) ProgressDTO {
	dto := ProgressDTO{
		UserID:        string(p.UserID),
		Tracking:      p.Tracking,
		VIPAcquiredAt: p.VIPAcquiredAt,
		Count:         p.Count,
		Remaining:     p.Remaining,
		Claims:        toClaimDTOs(p.Claims),
	}
	if p.Next != nil {
		n := p.Next.Count
		dto.NextThreshold = &n
		dto.NextBonus = p.Next.Bonus.String()
	}
	return dto
}

func toUplineDTO(user string, edges []referral.Edge) UplineDTO {
	dto := UplineDTO{UserID: user, Ancestors: make([]EdgeDTO, 0, len(edges))}
	for _, e := range edges {
		dto.Ancestors = append(dto.Ancestors, EdgeDTO{
			AncestorID:      string(e.AncestorID),
			Level:           e.Level,
			DirectSponsorID: string(e.DirectSponsorID),
		})
	}
	return dto
}

func toLockDTO(r referral.LockResult) LockDTO {
	dto := LockDTO{
		UserID:             string(r.Link.UserID),
		SponsorID:          string(r.Link.SponsorID),
		LockedAt:           r.Link.LockedAt,
		AlreadySet:         r.AlreadySet,
		Edges:              r.Edges,
		DescendantsRebuilt: len(r.Descendants.Rebuilt),
	}
	dto.DescendantsFailed = failureMap(r.Descendants.Failed)
	return dto
}

func failureMap(failed map[ledger.UserID]error) map[string]string {
	if len(failed) == 0 {
		return nil
	}
	out := make(map[string]string, len(failed))
	for u, err := range failed {
		out[string(u)] = err.Error()
	}
	return out
}

func toAuditDTO(r audit.ClosureReport) AuditDTO {
	dto := AuditDTO{
		RunID:        r.RunID,
		Repair:       r.Repair,
		Clean:        r.Clean(),
		LinksChecked: r.LinksChecked,
		Sponsors:     r.Sponsors,
		Diffs:        make([]SponsorDiffDTO, 0, len(r.Diffs)),
		Findings:     make([]FindingDTO, 0, len(r.Findings)),
		Affected:     make([]string, 0, len(r.Affected)),
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
	for _, d := range r.Diffs {
		dto.Diffs = append(dto.Diffs, SponsorDiffDTO{SponsorID: string(d.SponsorID), Expected: d.Expected, Actual: d.Actual, Diff: d.Diff()})
	}
	for _, f := range r.Findings {
		dto.Findings = append(dto.Findings, FindingDTO{
			Kind:            f.Kind,
			UserID:          string(f.UserID),
			ExpectedSponsor: string(f.ExpectedSponsor),
			ActualAncestor:  string(f.ActualAncestor),
		})
	}
	for _, u := range r.Affected {
		dto.Affected = append(dto.Affected, string(u))
	}
	if r.Repaired != nil {
		dto.Rebuilt = len(r.Repaired.Rebuilt)
		dto.RebuildFails = failureMap(r.Repaired.Failed)
	}
	return dto
}

func toBalanceDiffDTOs(diffs []audit.BalanceDiff) []BalanceDiffDTO {
	out := make([]BalanceDiffDTO, 0, len(diffs))
	for _, d := range diffs {
		out = append(out, BalanceDiffDTO{
			UserID:      string(d.UserID),
			BalanceType: string(d.BalanceType),
			Snapshot:    d.Snapshot.String(),
			Ledger:      d.Ledger.String(),
			Difference:  d.Difference().String(),
			Entries:     d.Entries,
			Match:       d.Match(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BalanceType < out[j].BalanceType })
	return out
}

func toRunDTOs(runs []audit.Run) []RunDTO {
	out := make([]RunDTO, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunDTO{
			ID:          r.ID,
			Kind:        r.Kind,
			Status:      r.Status,
			Checked:     r.Checked,
			Findings:    r.Findings,
			Repaired:    r.Repaired,
			Error:       r.Error,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
		})
	}
	return out
}
