package domain

import (
	"fmt"
	"math"
)

// Feature names a scalar scoring signal.
type Feature string

const (
	FeatureAmount                Feature = "amount"
	FeatureHour                  Feature = "hour"
	FeatureDayOfWeek             Feature = "dayOfWeek"
	FeatureMerchantRisk          Feature = "merchantRisk"
	FeatureLocationRisk          Feature = "locationRisk"
	FeatureUserBehaviorDeviation Feature = "userBehaviorDeviation"
	FeatureTransactionFrequency  Feature = "transactionFrequency"
	FeatureVelocity              Feature = "velocity"
)

// FeatureOrder is the fixed evaluation order. Explanations follow it.
var FeatureOrder = []Feature{
	FeatureAmount,
	FeatureHour,
	FeatureDayOfWeek,
	FeatureMerchantRisk,
	FeatureLocationRisk,
	FeatureUserBehaviorDeviation,
	FeatureTransactionFrequency,
	FeatureVelocity,
}

// FeatureVector is the fixed-shape input to the scorer. It is built fresh for
// every scoring call.
type FeatureVector struct {
	Amount                float64 `json:"amount"`
	Hour                  int     `json:"hour"`
	DayOfWeek             int     `json:"dayOfWeek"` // Sunday = 0
	MerchantRisk          float64 `json:"merchantRisk"`
	LocationRisk          float64 `json:"locationRisk"`
	UserBehaviorDeviation float64 `json:"userBehaviorDeviation"`
	TransactionFrequency  float64 `json:"transactionFrequency"`
	Velocity              float64 `json:"velocity"`
}

// Value returns the raw value of a feature as a float.
func (v *FeatureVector) Value(f Feature) float64 {
	switch f {
	case FeatureAmount:
		return v.Amount
	case FeatureHour:
		return float64(v.Hour)
	case FeatureDayOfWeek:
		return float64(v.DayOfWeek)
	case FeatureMerchantRisk:
		return v.MerchantRisk
	case FeatureLocationRisk:
		return v.LocationRisk
	case FeatureUserBehaviorDeviation:
		return v.UserBehaviorDeviation
	case FeatureTransactionFrequency:
		return v.TransactionFrequency
	case FeatureVelocity:
		return v.Velocity
	}
	return 0
}

// FeatureWeights holds the static per-feature weights of the linear score.
type FeatureWeights struct {
	Amount                float64 `json:"amount"`
	Hour                  float64 `json:"hour"`
	DayOfWeek             float64 `json:"dayOfWeek"`
	MerchantRisk          float64 `json:"merchantRisk"`
	LocationRisk          float64 `json:"locationRisk"`
	UserBehaviorDeviation float64 `json:"userBehaviorDeviation"`
	TransactionFrequency  float64 `json:"transactionFrequency"`
	Velocity              float64 `json:"velocity"`
}

// DefaultFeatureWeights returns the standard weight table.
func DefaultFeatureWeights() FeatureWeights {
	return FeatureWeights{
		Amount:                0.25,
		Hour:                  0.15,
		DayOfWeek:             0.10,
		MerchantRisk:          0.20,
		LocationRisk:          0.15,
		UserBehaviorDeviation: 0.10,
		TransactionFrequency:  0.03,
		Velocity:              0.02,
	}
}

// Weight returns the weight for a feature.
func (w FeatureWeights) Weight(f Feature) float64 {
	switch f {
	case FeatureAmount:
		return w.Amount
	case FeatureHour:
		return w.Hour
	case FeatureDayOfWeek:
		return w.DayOfWeek
	case FeatureMerchantRisk:
		return w.MerchantRisk
	case FeatureLocationRisk:
		return w.LocationRisk
	case FeatureUserBehaviorDeviation:
		return w.UserBehaviorDeviation
	case FeatureTransactionFrequency:
		return w.TransactionFrequency
	case FeatureVelocity:
		return w.Velocity
	}
	return 0
}

const weightSumTolerance = 1e-9

// Validate checks that every weight is finite and non-negative and that the
// weights sum to 1.
func (w FeatureWeights) Validate() error {
	var sum float64
	for _, f := range FeatureOrder {
		v := w.Weight(f)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: weight %s must be a non-negative number", ErrInvalidInput, f)
		}
		sum += v
	}
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("%w: weights sum to %v, want 1", ErrInvalidInput, sum)
	}
	return nil
}
