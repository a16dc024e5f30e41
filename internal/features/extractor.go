// Package features builds the fixed-shape feature vector the scorer consumes.
package features

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/risk"
)

const (
	// deviationZCap is the z-score at which the amount component saturates.
	deviationZCap = 4.0

	amountDeviationWeight   = 0.6
	locationDeviationWeight = 0.4

	// velocityBurst is the number of high-value transactions in the velocity
	// window that maps to maximum velocity.
	velocityBurst = 3.0
)

// NeutralHistory reports no prior activity for every user.
type NeutralHistory struct{}

// History implements domain.HistoryProvider.
func (NeutralHistory) History(_ context.Context, _ *domain.Transaction) (*domain.UserHistory, error) {
	return &domain.UserHistory{}, nil
}

// Extractor converts transactions into feature vectors.
type Extractor struct {
	history   domain.HistoryProvider
	loc       *time.Location
	merchants risk.TierTable
	locations risk.TierTable
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLocation sets the reference time zone for hour and day of week.
func WithLocation(loc *time.Location) Option {
	return func(e *Extractor) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithMerchantTiers replaces the merchant classifier.
func WithMerchantTiers(t risk.TierTable) Option {
	return func(e *Extractor) { e.merchants = t }
}

// WithLocationTiers replaces the location classifier.
func WithLocationTiers(t risk.TierTable) Option {
	return func(e *Extractor) { e.locations = t }
}

// NewExtractor creates an extractor. A nil history provider means neutral history.
func NewExtractor(history domain.HistoryProvider, opts ...Option) *Extractor {
	if history == nil {
		history = NeutralHistory{}
	}
	e := &Extractor{
		history:   history,
		loc:       time.UTC,
		merchants: risk.DefaultMerchantTiers(),
		locations: risk.DefaultLocationTiers(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Location returns the reference time zone.
func (e *Extractor) Location() *time.Location {
	return e.loc
}

// Validate checks the fields extraction depends on.
func Validate(tx *domain.Transaction) error {
	if tx == nil {
		return &domain.FieldError{Field: "transaction", Reason: "is required"}
	}
	if strings.TrimSpace(tx.UserID) == "" {
		return &domain.FieldError{Field: "userId", Reason: "is required"}
	}
	if strings.TrimSpace(tx.Merchant) == "" {
		return &domain.FieldError{Field: "merchant", Reason: "is required"}
	}
	if strings.TrimSpace(tx.Location) == "" {
		return &domain.FieldError{Field: "location", Reason: "is required"}
	}
	if tx.Timestamp.IsZero() {
		return &domain.FieldError{Field: "timestamp", Reason: "is required"}
	}
	return ValidateAmount(tx)
}

// ValidateAmount rejects amounts too large to score as a float64.
func ValidateAmount(tx *domain.Transaction) error {
	if math.IsInf(tx.Amount.InexactFloat64(), 0) {
		return &domain.FieldError{Field: "amount", Reason: "is out of range"}
	}
	return nil
}

// Extract builds the feature vector for tx.
func (e *Extractor) Extract(ctx context.Context, tx *domain.Transaction) (*domain.FeatureVector, error) {
	if err := Validate(tx); err != nil {
		return nil, err
	}

	amount := Amount(tx)
	local := tx.Timestamp.In(e.loc)

	h, err := e.history.History(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("user history for %s: %w", tx.UserID, err)
	}
	if h == nil {
		h = &domain.UserHistory{}
	}

	return &domain.FeatureVector{
		Amount:                amount,
		Hour:                  local.Hour(),
		DayOfWeek:             int(local.Weekday()),
		MerchantRisk:          e.merchants.Classify(tx.Merchant),
		LocationRisk:          e.locations.Classify(tx.Location),
		UserBehaviorDeviation: Deviation(amount, strings.ToLower(tx.Location), h),
		TransactionFrequency:  float64(h.RecentCount),
		Velocity:              math.Min(1, float64(h.HighValueCount)/velocityBurst),
	}, nil
}

// Amount returns the transaction amount as a non-negative float.
func Amount(tx *domain.Transaction) float64 {
	v := tx.Amount.InexactFloat64()
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// Deviation scores how unusual amount and location are for the user, in [0,1].
// Users without prior activity deviate by 0.
func Deviation(amount float64, location string, h *domain.UserHistory) float64 {
	if h == nil || h.PriorCount == 0 {
		return 0
	}

	var z float64
	diff := math.Abs(amount - h.MeanAmount)
	switch {
	case h.StdDevAmount > 0:
		z = diff / h.StdDevAmount
	case h.MeanAmount > 0:
		z = diff / h.MeanAmount
	}

	novel := 0.0
	if !h.SeenLocation(location) {
		novel = 1
	}

	d := amountDeviationWeight*math.Min(1, z/deviationZCap) + locationDeviationWeight*novel
	return math.Max(0, math.Min(1, d))
}
