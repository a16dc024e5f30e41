// Package history aggregates a user's prior transactions into the signals
// the feature extractor needs.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// TransactionSource lists a user's transactions in an inclusive time range.
type TransactionSource interface {
	GetTransactionsByUser(ctx context.Context, userID string, since, until time.Time) ([]*domain.Transaction, error)
}

// baseline is the long-window amount and location profile of a user.
type baseline struct {
	Count     int            `json:"count"`
	Mean      float64        `json:"mean"`
	StdDev    float64        `json:"stdDev"`
	Locations map[string]int `json:"locations"`
}

// Service implements domain.HistoryProvider on top of stored transactions.
type Service struct {
	source TransactionSource
	cache  domain.Cache
	cfg    domain.HistoryConfig
}

// NewService creates a history service. cache may be nil.
func NewService(source TransactionSource, c domain.Cache, cfg domain.HistoryConfig) *Service {
	def := domain.DefaultHistoryConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.FrequencyWindow <= 0 {
		cfg.FrequencyWindow = def.FrequencyWindow
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = def.VelocityWindow
	}
	if cfg.HighValue <= 0 {
		cfg.HighValue = def.HighValue
	}
	if cfg.BaselineTTL <= 0 {
		cfg.BaselineTTL = def.BaselineTTL
	}
	return &Service{source: source, cache: c, cfg: cfg}
}

// History returns the user's history as of tx.Timestamp, excluding tx.
//
// Recent and high-value counts are exact. The baseline profile covers the
// lookback window up to the start of the BaselineTTL bucket containing the
// transaction, so every transaction in a bucket shares one cached baseline.
func (s *Service) History(ctx context.Context, tx *domain.Transaction) (*domain.UserHistory, error) {
	if tx == nil || tx.UserID == "" {
		return nil, &domain.FieldError{Field: "userId", Reason: "is required"}
	}
	at := tx.Timestamp

	b, err := s.baseline(ctx, tx.UserID, at)
	if err != nil {
		return nil, err
	}

	window := s.cfg.FrequencyWindow
	if s.cfg.VelocityWindow > window {
		window = s.cfg.VelocityWindow
	}
	recent, err := s.source.GetTransactionsByUser(ctx, tx.UserID, at.Add(-window), at)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent transactions: %w", err)
	}

	h := &domain.UserHistory{
		PriorCount:   b.Count,
		MeanAmount:   b.Mean,
		StdDevAmount: b.StdDev,
		Locations:    b.Locations,
	}

	freqSince := at.Add(-s.cfg.FrequencyWindow)
	velSince := at.Add(-s.cfg.VelocityWindow)
	for _, r := range recent {
		if r.ID == tx.ID && r.ID != "" {
			continue
		}
		if !r.Timestamp.Before(freqSince) {
			h.RecentCount++
		}
		if !r.Timestamp.Before(velSince) && features.Amount(r) >= s.cfg.HighValue {
			h.HighValueCount++
		}
	}

	return h, nil
}

func (s *Service) baseline(ctx context.Context, userID string, at time.Time) (*baseline, error) {
	bucket := at.Truncate(s.cfg.BaselineTTL)
	key := fmt.Sprintf("history:baseline:%s:%d", userID, bucket.Unix())

	if s.cache != nil {
		var b baseline
		ok, err := cache.GetJSON(ctx, s.cache, key, &b)
		if err != nil {
			slog.Debug("baseline cache read failed", "user_id", userID, "error", err)
		}
		if ok {
			return &b, nil
		}
	}

	txs, err := s.source.GetTransactionsByUser(ctx, userID, bucket.Add(-s.cfg.Lookback), bucket.Add(-time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("failed to get user baseline: %w", err)
	}
	b := summarize(txs)

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, key, b, s.cfg.BaselineTTL); err != nil {
			slog.Debug("baseline cache write failed", "user_id", userID, "error", err)
		}
	}
	return b, nil
}

func summarize(txs []*domain.Transaction) *baseline {
	b := &baseline{Locations: make(map[string]int)}
	if len(txs) == 0 {
		return b
	}

	var sum, sumSq float64
	for _, tx := range txs {
		v := features.Amount(tx)
		sum += v
		sumSq += v * v
		if loc := strings.ToLower(tx.Location); loc != "" {
			b.Locations[loc]++
		}
	}

	n := float64(len(txs))
	b.Count = len(txs)
	b.Mean = sum / n
	if variance := sumSq/n - b.Mean*b.Mean; variance > 0 {
		b.StdDev = math.Sqrt(variance)
	}
	return b
}
