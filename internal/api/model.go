package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// trainPageSize is how many stored transactions are read per query when
// calibrating from the repository.
const trainPageSize = 1000

// TrainRequest is the body for POST /model/train.
type TrainRequest struct {
	Transactions []domain.TransactionRequest `json:"transactions"`
}

// EvaluateRequest is the body for POST /model/evaluate.
type EvaluateRequest struct {
	Transactions []domain.TransactionRequest `json:"transactions"`
	Labels       []bool                      `json:"labels"`
}

// ModelSummary handles GET /model.
func (h *Handler) ModelSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.trainer.Summary())
}

// Train handles POST /model/train. With ?source=repository the stored
// transactions are used instead of the request body.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var txs []*domain.Transaction
	switch source := r.URL.Query().Get("source"); source {
	case "repository":
		var err error
		if txs, err = h.storedTransactions(ctx); err != nil {
			writeError(w, err)
			return
		}
	case "", "body":
		var req TrainRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		var err error
		if txs, err = h.convert(req.Transactions); err != nil {
			writeError(w, err)
			return
		}
	default:
		writeError(w, &domain.FieldError{Field: "source", Reason: "must be body or repository"})
		return
	}

	if err := h.trainer.Calibrate(ctx, txs); err != nil {
		writeError(w, err)
		return
	}

	summary := h.trainer.Summary()
	metrics.Calibrated.Set(1)
	metrics.CalibratedTransactions.Set(float64(summary.Transactions))
	slog.Info("model trained",
		"submitted", len(txs),
		"transactions", summary.Transactions,
		"merchants", len(summary.Merchants),
		"locations", len(summary.Locations),
	)
	writeJSON(w, http.StatusOK, summary)
}

// Evaluate handles POST /model/evaluate.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Transactions) != len(req.Labels) {
		writeError(w, fmt.Errorf("%w: %d transactions, %d labels", domain.ErrLengthMismatch, len(req.Transactions), len(req.Labels)))
		return
	}

	txs, err := h.convert(req.Transactions)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.evaluator.Evaluate(r.Context(), txs, req.Labels)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) convert(reqs []domain.TransactionRequest) ([]*domain.Transaction, error) {
	now := h.now()
	txs := make([]*domain.Transaction, len(reqs))
	for i := range reqs {
		tx, err := reqs[i].ToTransaction(now)
		if err == nil {
			err = features.ValidateAmount(tx)
		}
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		txs[i] = tx
	}
	return txs, nil
}

func (h *Handler) storedTransactions(ctx context.Context) ([]*domain.Transaction, error) {
	var all []*domain.Transaction
	for offset := 0; ; offset += trainPageSize {
		page, err := h.repo.ListTransactions(ctx, trainPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < trainPageSize {
			return all, nil
		}
	}
}
