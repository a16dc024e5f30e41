package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of a transaction as reported by the
// system of record. The scoring core reads it but never changes it.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
)

// Valid reports whether s is one of the known lifecycle states.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Transaction represents a payment submitted for risk scoring.
type Transaction struct {
	// Core identifiers
	ID     string `json:"id"`
	UserID string `json:"userId"`

	// Financial details
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	// Counterparty and origin
	Merchant          string `json:"merchant"`
	Location          string `json:"location"`
	IPAddress         string `json:"ipAddress,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	Status TransactionStatus `json:"status"`
}

// TransactionRequest is the API payload describing a transaction.
// Amount accepts both JSON numbers and numeric strings.
type TransactionRequest struct {
	ID                string          `json:"id,omitempty"`
	UserID            string          `json:"userId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	Merchant          string          `json:"merchant"`
	Location          string          `json:"location"`
	IPAddress         string          `json:"ipAddress,omitempty"`
	DeviceFingerprint string          `json:"deviceFingerprint,omitempty"`
	Timestamp         string          `json:"timestamp,omitempty"` // RFC 3339
	Status            string          `json:"status,omitempty"`
}

// ToTransaction converts a request to a Transaction. A missing timestamp
// defaults to now; a present but unparseable one is an InvalidInput error.
func (r *TransactionRequest) ToTransaction(now time.Time) (*Transaction, error) {
	ts := now.UTC()
	if r.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, r.Timestamp)
		if err != nil {
			return nil, &FieldError{Field: "timestamp", Reason: "must be an RFC 3339 time"}
		}
		ts = parsed
	}

	status := StatusPending
	if r.Status != "" {
		status = TransactionStatus(r.Status)
		if !status.Valid() {
			return nil, &FieldError{Field: "status", Reason: "must be one of pending, completed, failed, cancelled"}
		}
	}

	currency := r.Currency
	if currency == "" {
		currency = "USD"
	}

	return &Transaction{
		ID:                r.ID,
		UserID:            r.UserID,
		Amount:            r.Amount,
		Currency:          currency,
		Merchant:          r.Merchant,
		Location:          r.Location,
		IPAddress:         r.IPAddress,
		DeviceFingerprint: r.DeviceFingerprint,
		Timestamp:         ts,
		CreatedAt:         now.UTC(),
		Status:            status,
	}, nil
}
