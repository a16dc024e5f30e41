package domain

import "context"

// UserHistory is the aggregate view of a user's prior activity, measured back
// from the timestamp of the transaction being scored.
type UserHistory struct {
	// PriorCount is the number of transactions in the lookback window.
	PriorCount int `json:"priorCount"`

	// RecentCount is the number of transactions in the frequency window.
	RecentCount int `json:"recentCount"`

	// HighValueCount is the number of high-value transactions in the velocity window.
	HighValueCount int `json:"highValueCount"`

	MeanAmount   float64 `json:"meanAmount"`
	StdDevAmount float64 `json:"stdDevAmount"`

	// Locations counts prior transactions per lowercase location.
	Locations map[string]int `json:"locations,omitempty"`
}

// SeenLocation reports whether the user transacted from location before.
func (h *UserHistory) SeenLocation(location string) bool {
	if h == nil || h.Locations == nil {
		return false
	}
	return h.Locations[location] > 0
}

// HistoryProvider supplies user history to the feature extractor.
type HistoryProvider interface {
	History(ctx context.Context, tx *Transaction) (*UserHistory, error)
}

// AmountStats is the amount distribution of one merchant or location group.
type AmountStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// CalibrationSummary describes the current calibration state.
type CalibrationSummary struct {
	Calibrated   bool                   `json:"calibrated"`
	Transactions int                    `json:"transactions"`
	Merchants    map[string]AmountStats `json:"merchants"`
	Locations    map[string]AmountStats `json:"locations"`
	UpdatedAt    int64                  `json:"updatedAt,omitempty"` // unix millis
}

// Calibrator is the aggregate trainer contract. Statistics are descriptive
// only; they never alter scoring weights.
type Calibrator interface {
	Calibrate(ctx context.Context, txs []*Transaction) error
	Calibrated() bool
	Summary() *CalibrationSummary
}
