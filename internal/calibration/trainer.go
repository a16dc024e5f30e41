// Package calibration aggregates descriptive amount statistics per merchant
// and location. The statistics are informational; scoring weights are static.
package calibration

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// accumulator is a running amount distribution.
type accumulator struct {
	count int
	sum   float64
	sumSq float64
	min   float64
	max   float64
}

func (a *accumulator) add(v float64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if a.count == 0 || v > a.max {
		a.max = v
	}
	a.count++
	a.sum += v
	a.sumSq += v * v
}

func (a accumulator) stats() domain.AmountStats {
	if a.count == 0 {
		return domain.AmountStats{}
	}
	n := float64(a.count)
	mean := a.sum / n
	variance := a.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return domain.AmountStats{
		Count:  a.count,
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Min:    a.min,
		Max:    a.max,
	}
}

// Snapshot is an immutable view of the calibration statistics.
type Snapshot struct {
	Transactions int
	Merchants    map[string]domain.AmountStats
	Locations    map[string]domain.AmountStats
	UpdatedAt    time.Time
}

// Merchant returns the statistics for a merchant, keyed case-insensitively.
func (s *Snapshot) Merchant(name string) (domain.AmountStats, bool) {
	st, ok := s.Merchants[groupKey(name)]
	return st, ok
}

// Location returns the statistics for a location, keyed case-insensitively.
func (s *Snapshot) Location(name string) (domain.AmountStats, bool) {
	st, ok := s.Locations[groupKey(name)]
	return st, ok
}

// Trainer is the aggregate trainer. Calibrate calls are serialised; readers
// see the latest published snapshot without locking.
type Trainer struct {
	mu sync.Mutex
	// seen holds one key per distinct transaction ever calibrated, so its
	// memory grows with the total history fed to the trainer.
	seen      map[string]struct{}
	merchants map[string]*accumulator
	locations map[string]*accumulator
	total     int

	snapshot   atomic.Pointer[Snapshot]
	calibrated atomic.Bool
}

// NewTrainer creates an uncalibrated trainer.
func NewTrainer() *Trainer {
	return &Trainer{
		seen:      make(map[string]struct{}),
		merchants: make(map[string]*accumulator),
		locations: make(map[string]*accumulator),
	}
}

// Calibrate folds a batch of transactions into the statistics. Transactions
// already seen are skipped, so repeating a batch changes nothing. Identity is
// the transaction ID, or the transaction's content when it has none. An
// empty batch only sets the calibrated flag. If ctx is cancelled mid-batch
// nothing is published and the flag is left as it was.
func (t *Trainer) Calibrate(ctx context.Context, txs []*domain.Transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Work on copies so an aborted batch leaves the published state intact.
	merchants := cloneGroups(t.merchants)
	locations := cloneGroups(t.locations)
	batchSeen := make(map[string]struct{})
	added := 0

	for i, tx := range txs {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if tx == nil {
			continue
		}
		key := dedupKey(tx)
		if _, ok := t.seen[key]; ok {
			continue
		}
		if _, ok := batchSeen[key]; ok {
			continue
		}
		batchSeen[key] = struct{}{}

		amount := features.Amount(tx)
		addTo(merchants, tx.Merchant, amount)
		addTo(locations, tx.Location, amount)
		added++
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id := range batchSeen {
		t.seen[id] = struct{}{}
	}
	t.merchants = merchants
	t.locations = locations
	t.total += added

	t.snapshot.Store(t.buildSnapshot())
	t.calibrated.Store(true)

	slog.Info("calibration complete",
		"batch_size", len(txs),
		"added", added,
		"total", t.total,
		"merchants", len(t.merchants),
		"locations", len(t.locations),
	)
	return nil
}

// dedupKey identifies a transaction for calibration. Transactions without an
// ID are keyed on user, amount, merchant, location and timestamp.
func dedupKey(tx *domain.Transaction) string {
	if tx.ID != "" {
		return "id\x00" + tx.ID
	}
	return strings.Join([]string{
		"content",
		tx.UserID,
		tx.Amount.String(),
		groupKey(tx.Merchant),
		groupKey(tx.Location),
		tx.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "\x00")
}

// Calibrated reports whether Calibrate has completed at least once.
func (t *Trainer) Calibrated() bool {
	return t.calibrated.Load()
}

// Snapshot returns the latest statistics, or nil before the first calibration.
func (t *Trainer) Snapshot() *Snapshot {
	return t.snapshot.Load()
}

// Summary returns the calibration state in API form.
func (t *Trainer) Summary() *domain.CalibrationSummary {
	s := t.snapshot.Load()
	if s == nil {
		return &domain.CalibrationSummary{
			Calibrated: t.Calibrated(),
			Merchants:  map[string]domain.AmountStats{},
			Locations:  map[string]domain.AmountStats{},
		}
	}
	return &domain.CalibrationSummary{
		Calibrated:   t.Calibrated(),
		Transactions: s.Transactions,
		Merchants:    s.Merchants,
		Locations:    s.Locations,
		UpdatedAt:    s.UpdatedAt.UnixMilli(),
	}
}

func (t *Trainer) buildSnapshot() *Snapshot {
	s := &Snapshot{
		Transactions: t.total,
		Merchants:    make(map[string]domain.AmountStats, len(t.merchants)),
		Locations:    make(map[string]domain.AmountStats, len(t.locations)),
		UpdatedAt:    time.Now().UTC(),
	}
	for k, a := range t.merchants {
		s.Merchants[k] = a.stats()
	}
	for k, a := range t.locations {
		s.Locations[k] = a.stats()
	}
	return s
}

func groupKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func addTo(groups map[string]*accumulator, name string, amount float64) {
	key := groupKey(name)
	if key == "" {
		return
	}
	a, ok := groups[key]
	if !ok {
		a = &accumulator{}
		groups[key] = a
	}
	a.add(amount)
}

func cloneGroups(src map[string]*accumulator) map[string]*accumulator {
	dst := make(map[string]*accumulator, len(src))
	for k, a := range src {
		c := *a
		dst[k] = &c
	}
	return dst
}
