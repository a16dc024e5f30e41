package scoring

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/shopspring/decimal"
)

type fixedCalibration bool

func (c fixedCalibration) Calibrated() bool { return bool(c) }

type fixedVector struct {
	fv  domain.FeatureVector
	err error
}

func (f fixedVector) Extract(_ context.Context, _ *domain.Transaction) (*domain.FeatureVector, error) {
	if f.err != nil {
		return nil, f.err
	}
	v := f.fv
	return &v, nil
}

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(features.NewExtractor(nil), domain.DefaultFeatureWeights(), fixedCalibration(true))
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	return s
}

func tx(amount string, ts time.Time, merchant, location string) *domain.Transaction {
	return &domain.Transaction{
		ID:        "tx",
		UserID:    "user",
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USD",
		Merchant:  merchant,
		Location:  location,
		Timestamp: ts,
	}
}

func TestPredictJewelryScenario(t *testing.T) {
	s := newTestScorer(t)

	// Saturday 03:00 UTC
	res, err := s.Predict(context.Background(), tx("2500", time.Date(2024, 1, 6, 3, 0, 0, 0, time.UTC), "Jewelry Store", "Miami, FL"))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	if !res.IsFraud {
		t.Error("expected fraud")
	}
	if res.RiskScore != 0.515 {
		t.Errorf("expected risk score 0.515, got %v", res.RiskScore)
	}
	if res.Confidence != 0.03 {
		t.Errorf("expected confidence 0.03, got %v", res.Confidence)
	}

	want := []string{
		"High transaction amount: $2500.00",
		"Transaction at unusual hour: 3:00",
		"Weekend transaction",
		"High-risk merchant: Jewelry Store",
	}
	if len(res.Explanations) != len(want) {
		t.Fatalf("expected %d explanations, got %v", len(want), res.Explanations)
	}
	for i := range want {
		if res.Explanations[i] != want[i] {
			t.Errorf("explanation %d: expected %q, got %q", i, want[i], res.Explanations[i])
		}
	}
}

func TestPredictStarbucksScenario(t *testing.T) {
	s := newTestScorer(t)

	// Wednesday 14:00 UTC
	res, err := s.Predict(context.Background(), tx("45.99", time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC), "Starbucks", "Seattle, WA"))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	if res.IsFraud {
		t.Error("expected not fraud")
	}
	if res.RiskScore >= 0.2 {
		t.Errorf("expected risk score < 0.2, got %v", res.RiskScore)
	}
	if res.Confidence != 1 {
		t.Errorf("expected confidence 1, got %v", res.Confidence)
	}
	if len(res.Explanations) != 0 {
		t.Errorf("expected no explanations, got %v", res.Explanations)
	}
}

func TestAssessContributions(t *testing.T) {
	s := newTestScorer(t)

	a, err := s.Assess(context.Background(), tx("2500", time.Date(2024, 1, 6, 3, 0, 0, 0, time.UTC), "Jewelry Store", "Lagos, Nigeria"))
	if err != nil {
		t.Fatalf("Assess failed: %v", err)
	}

	if len(a.Contributions) != 5 {
		t.Fatalf("expected 5 contributions, got %d", len(a.Contributions))
	}
	last := a.Contributions[4]
	if last.Feature != domain.FeatureLocationRisk || last.Multiplier != 0.8 || last.Weight != 0.15 {
		t.Errorf("unexpected location contribution %+v", last)
	}
	if !a.Calibrated {
		t.Error("expected calibrated flag to be carried")
	}
	if a.Features.LocationRisk != 0.9 {
		t.Errorf("expected location risk 0.9, got %v", a.Features.LocationRisk)
	}
}

func TestExtractionErrorSurfaces(t *testing.T) {
	s := newTestScorer(t)

	_, err := s.Predict(context.Background(), tx("10", time.Time{}, "Starbucks", "Seattle"))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewScorerRejectsBadWeights(t *testing.T) {
	w := domain.DefaultFeatureWeights()
	w.Amount = 0.5

	if _, err := NewScorer(features.NewExtractor(nil), w, nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	w = domain.DefaultFeatureWeights()
	w.Velocity = -0.02
	w.TransactionFrequency = 0.07
	if _, err := NewScorer(features.NewExtractor(nil), w, nil); err == nil {
		t.Error("expected negative weight to be rejected")
	}
}

func TestUncalibratedScoresIdentically(t *testing.T) {
	calibrated := newTestScorer(t)
	uncalibrated, err := NewScorer(features.NewExtractor(nil), domain.DefaultFeatureWeights(), nil)
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}

	in := tx("1500", time.Date(2024, 1, 7, 23, 0, 0, 0, time.UTC), "Casino Royale", "Panama")
	a, _ := calibrated.Predict(context.Background(), in)
	b, err := uncalibrated.Predict(context.Background(), in)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if a.RiskScore != b.RiskScore || a.IsFraud != b.IsFraud || a.Confidence != b.Confidence {
		t.Errorf("calibration changed the score: %+v vs %+v", a, b)
	}
}

func TestInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	merchants := []string{"Casino", "Electronics Hub", "Grocer", "Crypto Exchange Ltd"}
	locations := []string{"Seattle", "Panama", "Lagos, Nigeria", "Caribbean"}

	for i := 0; i < 500; i++ {
		fv := domain.FeatureVector{
			Amount:                rng.Float64() * 5000,
			Hour:                  rng.Intn(24),
			DayOfWeek:             rng.Intn(7),
			MerchantRisk:          rng.Float64(),
			LocationRisk:          rng.Float64(),
			UserBehaviorDeviation: rng.Float64(),
			TransactionFrequency:  float64(rng.Intn(10)),
			Velocity:              rng.Float64(),
		}
		s, err := NewScorer(fixedVector{fv: fv}, domain.DefaultFeatureWeights(), nil)
		if err != nil {
			t.Fatalf("NewScorer failed: %v", err)
		}

		in := tx("1", time.Now(), merchants[i%4], locations[i%4])
		res, err := s.Predict(context.Background(), in)
		if err != nil {
			t.Fatalf("Predict failed: %v", err)
		}

		if res.RiskScore < 0 || res.RiskScore > 1 {
			t.Fatalf("risk score out of range: %v", res.RiskScore)
		}
		if res.Confidence < 0 || res.Confidence > 1 {
			t.Fatalf("confidence out of range: %v", res.Confidence)
		}
		if res.IsFraud != (res.RiskScore > 0.5) {
			t.Fatalf("decision inconsistent with score %v", res.RiskScore)
		}
		if want := Round(math.Abs(res.RiskScore-0.5) * 2); res.Confidence != want {
			t.Fatalf("confidence %v, want %v", res.Confidence, want)
		}

		again, _ := s.Predict(context.Background(), in)
		if again.RiskScore != res.RiskScore || strings.Join(again.Explanations, "|") != strings.Join(res.Explanations, "|") {
			t.Fatal("prediction is not deterministic")
		}
	}
}

func TestDecideClamps(t *testing.T) {
	if r := Decide(1.7, nil); r.RiskScore != 1 || r.Confidence != 1 || !r.IsFraud {
		t.Errorf("unexpected clamp result %+v", r)
	}
	if r := Decide(-0.2, nil); r.RiskScore != 0 || r.IsFraud {
		t.Errorf("unexpected clamp result %+v", r)
	}
	// 0.5004 rounds to 0.5, which is not above the threshold.
	if r := Decide(0.5004, nil); r.IsFraud || r.Confidence != 0 {
		t.Errorf("expected rounded score to drive the decision, got %+v", r)
	}
}
