package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ListAlerts handles GET /alerts?status=&limit=.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	status := domain.AlertStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, &domain.FieldError{Field: "status", Reason: "must be one of open, investigating, resolved, closed"})
		return
	}

	limit := defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, &domain.FieldError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = min(n, maxPageLimit)
	}

	alerts, err := h.repo.ListAlerts(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.Alert{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert retrieves an alert by ID.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.repo.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// UpdateAlertStatusRequest is the body for PUT /alerts/{id}/status.
type UpdateAlertStatusRequest struct {
	Status domain.AlertStatus `json:"status"`
}

// UpdateAlertStatus moves an alert through its investigation states.
func (h *Handler) UpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req UpdateAlertStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.repo.UpdateAlertStatus(ctx, id, req.Status); err != nil {
		writeError(w, err)
		return
	}

	alert, err := h.repo.GetAlert(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("alert status updated", "alert_id", id, "status", req.Status)
	writeJSON(w, http.StatusOK, alert)
}

// ListAlertRules returns every stored alert rule, enabled or not.
func (h *Handler) ListAlertRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.repo.ListAlertRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if rules == nil {
		rules = []*domain.AlertRule{}
	}

	loaded := 0
	if h.rules != nil {
		loaded = len(h.rules.Rules())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  rules,
		"count":  len(rules),
		"loaded": loaded,
	})
}

// CreateAlertRuleRequest is the request body for creating an alert rule.
type CreateAlertRuleRequest struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Expression  string               `json:"expression"`
	Severity    domain.AlertSeverity `json:"severity"`
	Enabled     *bool                `json:"enabled,omitempty"`
}

// CreateAlertRule validates, stores and hot-loads an alert rule. Posting an
// existing ID replaces that rule.
func (h *Handler) CreateAlertRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "alert rule engine not available",
		})
		return
	}

	var req CreateAlertRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	now := h.now().UTC()
	rule := &domain.AlertRule{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Severity:    req.Severity,
		Enabled:     req.Enabled == nil || *req.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	if existing, err := h.repo.GetAlertRule(ctx, rule.ID); err == nil {
		rule.CreatedAt = existing.CreatedAt
	}

	if err := h.rules.ValidateRule(rule); err != nil {
		writeError(w, err)
		return
	}
	if err := h.repo.SaveAlertRule(ctx, rule); err != nil {
		slog.Error("failed to save alert rule", "rule_id", rule.ID, "error", err)
		writeError(w, err)
		return
	}
	if err := h.rules.LoadRule(rule); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("alert rule saved", "rule_id", rule.ID, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, rule)
}
