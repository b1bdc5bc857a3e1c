/*
handlers.go - HTTP API handlers for the BSK engine

PURPOSE:
  Exposes the ledger, sponsor graph, commission engine, milestones and the
  consistency auditor via REST. Handles HTTP request/response and JSON, and
  delegates everything else to bsk.Service.

ENDPOINTS:
  Events:
    POST   /api/events/payments               Distribute commission for a payment
    POST   /api/events/badges                 Badge acquisition (optionally a purchase)
    POST   /api/events/sponsors               Lock a sponsor
    POST   /api/sponsors/{id}                 Record an unlocked sponsor

  Users:
    GET    /api/users/{id}/balances           Both balance pools
    GET    /api/users/{id}/transactions       Filterable, paginated history
    POST   /api/users/{id}/transfers          Move funds between pools
    GET    /api/users/{id}/milestones         Milestone progress
    GET    /api/users/{id}/upline             Closure ancestors
    GET    /api/users/{id}/badge              Resolved badge and history

  Commissions:
    GET    /api/commissions/{eventType}/{eventID}  Stored decision trace

  Admin:
    POST   /api/admin/audit                   Read-only closure audit
    POST   /api/admin/audit/repair            Audit and rebuild affected users
    GET    /api/admin/audit/runs              Recent audit and reconcile runs
    GET    /api/admin/reconcile/{id}          Snapshot vs ledger for one user
    POST   /api/admin/reconcile               Snapshot vs ledger for everyone
    POST   /api/admin/adjustments             Manual credit or debit
    POST   /api/admin/status-badges           Write the status-table badge
    POST   /api/admin/cards                   Assign a badge card
    DELETE /api/admin/badges/{id}             Revoke the current holding

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Nothing recorded for the requested key
  - 409: Insufficient balance, locked sponsor, cycles, key conflicts
  - 429: Event rate limit exceeded
  - 500: Internal errors
  - 503: Database busy; retry with the same idempotency key

SECURITY NOTE:
  No authentication or authorization. Admin routes must sit behind a
  gateway that enforces it.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/bsk-engine/bsk"
	"github.com/warp/bsk-engine/commission"
	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/logger"
	"github.com/warp/bsk-engine/referral"
	"github.com/warp/bsk-engine/tier"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *bsk.Service
	Log     *slog.Logger

	// EventLimiter throttles /api/events per client. Nil disables it.
	EventLimiter *RateLimiter
}

// NewHandler creates a new handler.
func NewHandler(svc *bsk.Service, log *slog.Logger) *Handler {
	return &Handler{Service: svc, Log: logger.OrDiscard(log)}
}

// =============================================================================
// EVENTS
// =============================================================================

// HandlePayment handles POST /api/events/payments.
// A partially failed distribution answers 207 with the failed levels; the
// caller retries the same event to fill them in.
func (h *Handler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.HandlePayment(r.Context(), commission.Event{
		PayerID:    ledger.UserID(req.PayerID),
		EventType:  req.EventType,
		EventID:    req.EventID,
		BaseAmount: req.BaseAmount,
		Deduction:  req.Deduction,
	})
	if errors.Is(err, commission.ErrPartialDistribution) {
		writeJSON(w, http.StatusMultiStatus, toCommissionDTO(res))
		return
	}
	if err != nil {
		h.writeDomainError(w, r, "failed to distribute commission", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(res))
}

// HandleBadge handles POST /api/events/badges.
func (h *Handler) HandleBadge(w http.ResponseWriter, r *http.Request) {
	var req BadgeEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	ev := bsk.BadgeEvent{
		UserID:   ledger.UserID(req.UserID),
		Badge:    req.Badge,
		EventID:  req.EventID,
		Purchase: req.Purchase,
	}
	if req.AcquiredAt != nil {
		ev.AcquiredAt = *req.AcquiredAt
	}
	if req.PaidFrom != "" {
		bt, err := ledger.ParseBalanceType(req.PaidFrom)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid paid_from", err)
			return
		}
		ev.PaidFrom = bt
	}
	out, err := h.Service.AcquireBadge(r.Context(), ev)
	if errors.Is(err, commission.ErrPartialDistribution) {
		writeJSON(w, http.StatusMultiStatus, toBadgeOutcomeDTO(req.UserID, out))
		return
	}
	if err != nil {
		h.writeDomainError(w, r, "failed to record badge", err)
		return
	}
	writeJSON(w, http.StatusOK, toBadgeOutcomeDTO(req.UserID, out))
}

// LockSponsor handles POST /api/events/sponsors.
func (h *Handler) LockSponsor(w http.ResponseWriter, r *http.Request) {
	var req SponsorLockRequest
	if !h.decode(w, r, &req) {
		return
	}
	at := time.Time{}
	if req.LockedAt != nil {
		at = *req.LockedAt
	}
	res, err := h.Service.LockSponsor(r.Context(), ledger.UserID(req.UserID), ledger.UserID(req.SponsorID), at)
	if err != nil {
		h.writeDomainError(w, r, "failed to lock sponsor", err)
		return
	}
	writeJSON(w, http.StatusOK, toLockDTO(res))
}

// SetSponsor handles POST /api/sponsors/{id}.
func (h *Handler) SetSponsor(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "id")
	var req SetSponsorRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Service.SetSponsor(r.Context(), ledger.UserID(user), ledger.UserID(req.SponsorID)); err != nil {
		h.writeDomainError(w, r, "failed to set sponsor", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// USER QUERIES
// =============================================================================

// GetBalances handles GET /api/users/{id}/balances.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "id")
	snaps, err := h.Service.Balances(r.Context(), ledger.UserID(user))
	if err != nil {
		h.writeDomainError(w, r, "failed to load balances", err)
		return
	}
	dto := BalancesDTO{UserID: user, Balances: make([]BalanceDTO, 0, len(snaps))}
	for _, s := range snaps {
		dto.Balances = append(dto.Balances, toBalanceDTO(s))
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetTransactions handles GET /api/users/{id}/transactions.
// Query: balance_type, subtype, type, from (inclusive), to (exclusive),
// both RFC3339, limit, offset.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	f, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	entries, err := h.Service.History(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, "failed to load transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

func parseHistoryFilter(r *http.Request) (ledger.HistoryFilter, error) {
	q := r.URL.Query()
	f := ledger.HistoryFilter{
		UserID:  ledger.UserID(chi.URLParam(r, "id")),
		Subtype: q.Get("subtype"),
	}
	if v := q.Get("balance_type"); v != "" {
		bt, err := ledger.ParseBalanceType(v)
		if err != nil {
			return f, err
		}
		f.BalanceType = bt
	}
	if v := q.Get("type"); v != "" {
		t := ledger.TxType(v)
		if !t.Valid() {
			return f, fmt.Errorf("unknown tx type %q", v)
		}
		f.Type = t
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s: %w", name, err)
		}
		*dst = &t
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, fmt.Errorf("limit: %w", err)
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, fmt.Errorf("offset: %w", err)
	}
	return f.Normalize(), nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative, got %d", n)
	}
	return n, nil
}

// Transfer handles POST /api/users/{id}/transfers.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "id")
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	from, err := ledger.ParseBalanceType(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from", err)
		return
	}
	to, err := ledger.ParseBalanceType(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to", err)
		return
	}
	res, err := h.Service.Transfer(r.Context(), ledger.UserID(user), from, to, req.Amount, req.IdempotencyKey)
	if err != nil {
		h.writeDomainError(w, r, "failed to transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, TransferDTO{Entries: toEntryDTOs(res.Entries), Duplicate: res.Duplicate})
}

// GetMilestones handles GET /api/users/{id}/milestones.
func (h *Handler) GetMilestones(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "id")
	p, err := h.Service.MilestoneProgress(r.Context(), ledger.UserID(user))
	if err != nil {
		h.writeDomainError(w, r, "failed to load milestones", err)
		return
	}
	writeJSON(w, http.StatusOK, toProgressDTO(p))
}

// GetUpline handles GET /api/users/{id}/upline?max_level=N.
func (h *Handler) GetUpline(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "id")
	maxLevel, err := intParam(r.URL.Query().Get("max_level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid max_level", err)
		return
	}
	if maxLevel == 0 || maxLevel > referral.MaxDepth {
		maxLevel = referral.MaxDepth
	}
	edges, err := h.Service.Upline(r.Context(), ledger.UserID(user), maxLevel)
	if err != nil {
		h.writeDomainError(w, r, "failed to load upline", err)
		return
	}
	writeJSON(w, http.StatusOK, toUplineDTO(user, edges))
}

// GetBadge handles GET /api/users/{id}/badge.
func (h *Handler) GetBadge(w http.ResponseWriter, r *http.Request) {
	user := ledger.UserID(chi.URLParam(r, "id"))
	res, err := h.Service.Badge(r.Context(), user)
	if err != nil {
		h.writeDomainError(w, r, "failed to resolve badge", err)
		return
	}
	history, err := h.Service.BadgeHistory(r.Context(), user)
	if err != nil {
		h.writeDomainError(w, r, "failed to load badge history", err)
		return
	}
	dto := BadgeDTO{UserID: string(user), Found: res.Found, Source: res.Source, History: make([]HoldingDTO, 0, len(history))}
	if res.Found {
		dto.Badge = res.Badge.Name
		dto.UnlockLevels = res.Badge.UnlockLevels
	}
	for _, hold := range history {
		dto.History = append(dto.History, toHoldingDTO(hold))
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// COMMISSIONS
// =============================================================================

// GetTrace handles GET /api/commissions/{eventType}/{eventID}.
func (h *Handler) GetTrace(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "eventType")
	eventID := chi.URLParam(r, "eventID")
	ds, err := h.Service.Trace(r.Context(), eventType, eventID)
	if err != nil {
		h.writeDomainError(w, r, "failed to load trace", err)
		return
	}
	if len(ds) == 0 {
		writeError(w, http.StatusNotFound, "no decisions recorded for event", nil)
		return
	}
	writeJSON(w, http.StatusOK, TraceDTO{EventType: eventType, EventID: eventID, Decisions: toDecisionDTOs(ds)})
}

// =============================================================================
// ADMIN
// =============================================================================

// RunAudit handles POST /api/admin/audit. It never writes.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	h.audit(w, r, false)
}

// RepairClosure handles POST /api/admin/audit/repair.
func (h *Handler) RepairClosure(w http.ResponseWriter, r *http.Request) {
	h.audit(w, r, true)
}

func (h *Handler) audit(w http.ResponseWriter, r *http.Request, repair bool) {
	report, err := h.Service.Audit(r.Context(), repair)
	if err != nil {
		h.writeDomainError(w, r, "closure audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

// ListAuditRuns handles GET /api/admin/audit/runs?limit=N.
func (h *Handler) ListAuditRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	runs, err := h.Service.AuditRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, "failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTOs(runs))
}

// ReconcileUser handles GET /api/admin/reconcile/{id}. Reports only.
func (h *Handler) ReconcileUser(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "id")
	diffs, err := h.Service.Reconcile(r.Context(), ledger.UserID(user))
	if err != nil {
		h.writeDomainError(w, r, "reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileDTO{UserID: user, Diffs: toBalanceDiffDTOs(diffs)})
}

// ReconcileAll handles POST /api/admin/reconcile.
func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.ReconcileAll(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     report.RunID,
		"checked":    report.Checked,
		"mismatches": toBalanceDiffDTOs(report.Mismatches),
	})
}

// CreateAdjustment handles POST /api/admin/adjustments.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	bt, err := ledger.ParseBalanceType(req.BalanceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid balance_type", err)
		return
	}
	res, err := h.Service.AdminAdjust(r.Context(), bsk.Adjustment{
		UserID:         ledger.UserID(req.UserID),
		BalanceType:    bt,
		Type:           ledger.TxType(req.Type),
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
		Actor:          req.Actor,
		RequireFunds:   req.RequireFunds,
	})
	if err != nil {
		h.writeDomainError(w, r, "adjustment failed", err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, toAppendDTO(res))
}

// SetStatusBadge handles POST /api/admin/status-badges.
func (h *Handler) SetStatusBadge(w http.ResponseWriter, r *http.Request) {
	var req StatusBadgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	if err := h.Service.SetStatusBadge(r.Context(), ledger.UserID(req.UserID), req.Badge); err != nil {
		h.writeDomainError(w, r, "failed to set status badge", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignCard handles POST /api/admin/cards.
func (h *Handler) AssignCard(w http.ResponseWriter, r *http.Request) {
	var req CardRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	err := h.Service.AssignCard(r.Context(), tier.Card{
		UserID:       ledger.UserID(req.UserID),
		BadgeName:    req.Badge,
		UnlockLevels: req.UnlockLevels,
		AssignedBy:   req.AssignedBy,
	})
	if err != nil {
		h.writeDomainError(w, r, "failed to assign card", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeBadge handles DELETE /api/admin/badges/{id}.
func (h *Handler) RevokeBadge(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "id")
	if err := h.Service.RevokeBadge(r.Context(), ledger.UserID(user)); err != nil {
		h.writeDomainError(w, r, "failed to revoke badge", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrIdempotencyConflict),
		errors.Is(err, referral.ErrSponsorLocked),
		errors.Is(err, referral.ErrSponsorCycle),
		errors.Is(err, bsk.ErrBadgeDowngrade):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidEntry),
		errors.Is(err, ledger.ErrInvalidBalanceType),
		errors.Is(err, commission.ErrInvalidEvent),
		errors.Is(err, tier.ErrUnknownBadge),
		errors.Is(err, tier.ErrInvalidTier),
		errors.Is(err, referral.ErrSelfSponsor),
		errors.Is(err, referral.ErrSponsorMissing),
		errors.Is(err, referral.ErrMissingUser),
		errors.Is(err, bsk.ErrMissingKey),
		errors.Is(err, bsk.ErrInvalidAdjustment):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError logs server-side failures with the request id and hides
// their details from the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error(message, "error", err, "request_id", middleware.GetReqID(r.Context()), "path", r.URL.Path)
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
