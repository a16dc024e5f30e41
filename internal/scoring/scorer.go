// Package scoring turns feature vectors into fraud predictions.
package scoring

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// FraudThreshold is the score above which a transaction is classified as fraud.
const FraudThreshold = 0.5

// FeatureExtractor produces the feature vector for a transaction.
type FeatureExtractor interface {
	Extract(ctx context.Context, tx *domain.Transaction) (*domain.FeatureVector, error)
}

// CalibrationState reports whether the engine has been calibrated.
type CalibrationState interface {
	Calibrated() bool
}

// Scorer is the weighted linear risk scorer. It holds no mutable state apart
// from the one-shot uncalibrated warning, so it is safe for concurrent use.
type Scorer struct {
	extractor   FeatureExtractor
	weights     domain.FeatureWeights
	calibration CalibrationState
	warnOnce    sync.Once
}

// NewScorer creates a scorer. Weights are validated once here. calibration may be nil.
func NewScorer(extractor FeatureExtractor, weights domain.FeatureWeights, calibration CalibrationState) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{
		extractor:   extractor,
		weights:     weights,
		calibration: calibration,
	}, nil
}

// Weights returns the scorer's weight table.
func (s *Scorer) Weights() domain.FeatureWeights {
	return s.weights
}

// Predict scores one transaction.
func (s *Scorer) Predict(ctx context.Context, tx *domain.Transaction) (*domain.PredictionResult, error) {
	a, err := s.Assess(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &a.Prediction, nil
}

// Assess scores one transaction and returns the features and contributions
// behind the prediction.
func (s *Scorer) Assess(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error) {
	fv, err := s.extractor.Extract(ctx, tx)
	if err != nil {
		return nil, err
	}

	calibrated := s.calibration != nil && s.calibration.Calibrated()
	if !calibrated {
		s.warnOnce.Do(func() {
			slog.Warn("scoring before calibration", "error", domain.ErrNotCalibrated)
		})
	}

	contributions := make([]domain.ContributionDetail, 0, len(domain.FeatureOrder))
	explanations := make([]string, 0, len(domain.FeatureOrder))
	var score float64

	for _, f := range domain.FeatureOrder {
		c := curve(f, fv, tx)
		if !c.Fired() {
			continue
		}
		w := s.weights.Weight(f)
		score += w * c.Multiplier
		explanations = append(explanations, c.Explanation)
		contributions = append(contributions, domain.ContributionDetail{
			Feature:     f,
			Value:       fv.Value(f),
			Weight:      w,
			Multiplier:  c.Multiplier,
			Explanation: c.Explanation,
		})
	}

	return &domain.Assessment{
		Prediction:    Decide(score, explanations),
		Features:      *fv,
		Contributions: contributions,
		Calibrated:    calibrated,
	}, nil
}

// Decide clamps and rounds a raw score and derives the decision and
// confidence from the rounded value.
func Decide(raw float64, explanations []string) domain.PredictionResult {
	score := Round(clamp01(raw))
	return domain.PredictionResult{
		IsFraud:      score > FraudThreshold,
		RiskScore:    score,
		Confidence:   Round(clamp01(math.Abs(score-FraudThreshold) * 2)),
		Explanations: explanations,
	}
}

func curve(f domain.Feature, fv *domain.FeatureVector, tx *domain.Transaction) risk.Contribution {
	switch f {
	case domain.FeatureAmount:
		return risk.Amount(fv.Amount)
	case domain.FeatureHour:
		return risk.Hour(fv.Hour)
	case domain.FeatureDayOfWeek:
		return risk.DayOfWeek(fv.DayOfWeek)
	case domain.FeatureMerchantRisk:
		return risk.Merchant(fv.MerchantRisk, tx.Merchant)
	case domain.FeatureLocationRisk:
		return risk.Location(fv.LocationRisk, tx.Location)
	case domain.FeatureUserBehaviorDeviation:
		return risk.BehaviorDeviation(fv.UserBehaviorDeviation)
	case domain.FeatureTransactionFrequency:
		return risk.Frequency(fv.TransactionFrequency)
	case domain.FeatureVelocity:
		return risk.Velocity(fv.Velocity)
	}
	return risk.Contribution{}
}

// Round rounds to three decimal places.
func Round(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
