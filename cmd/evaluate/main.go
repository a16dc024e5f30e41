// Offline evaluator for the Kestrel scorer.
//
// Usage:
//
//	go run ./cmd/evaluate -csv labeled.csv [-calibrate] [-tz UTC]
//
// The CSV needs a header with the columns
// user_id,amount,currency,merchant,location,timestamp,is_fraud.
// Transactions are scored in-process; with -calibrate the trainer first sees
// the whole file. Prints the confusion matrix and classifier metrics.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/calibration"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluation"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/shopspring/decimal"
)

var requiredColumns = []string{"user_id", "amount", "merchant", "location", "timestamp", "is_fraud"}

// Dataset is a labelled set of transactions read from CSV.
type Dataset struct {
	Transactions []*domain.Transaction
	Labels       []bool
	Skipped      int
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled CSV file")
	calibrate := flag.Bool("calibrate", false, "Calibrate on the dataset before scoring")
	tz := flag.String("tz", "UTC", "Reference time zone for hour and weekday features")
	limit := flag.Int("limit", 0, "Maximum rows to read (0 = all)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if *csvPath == "" {
		fmt.Println("Usage: evaluate -csv /path/to/labeled.csv [-calibrate]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		fmt.Printf("ERROR: unknown time zone %q: %v\n", *tz, err)
		os.Exit(1)
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	ds, err := ReadDataset(f, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions (%d rows skipped)\n", len(ds.Transactions), ds.Skipped)

	start := time.Now()
	m, err := Run(context.Background(), ds, *calibrate, loc)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	printResults(os.Stdout, m, time.Since(start))
}

// ReadDataset parses a labelled CSV. Rows that cannot be parsed are counted
// in Skipped and left out.
func ReadDataset(r io.Reader, limit int) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	ds := &Dataset{}
	for row := 1; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			ds.Skipped++
			continue
		}

		tx, label, err := parseRow(record, col, row)
		if err != nil {
			slog.Warn("skipping row", "row", row, "error", err)
			ds.Skipped++
			continue
		}
		ds.Transactions = append(ds.Transactions, tx)
		ds.Labels = append(ds.Labels, label)

		if limit > 0 && len(ds.Transactions) >= limit {
			break
		}
	}
	return ds, nil
}

func parseRow(record []string, col map[string]int, row int) (*domain.Transaction, bool, error) {
	get := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	amount, err := decimal.NewFromString(get("amount"))
	if err != nil {
		return nil, false, fmt.Errorf("amount: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, get("timestamp"))
	if err != nil {
		return nil, false, fmt.Errorf("timestamp: %w", err)
	}
	label, err := strconv.ParseBool(get("is_fraud"))
	if err != nil {
		return nil, false, fmt.Errorf("is_fraud: %w", err)
	}

	currency := get("currency")
	if currency == "" {
		currency = "USD"
	}

	return &domain.Transaction{
		ID:        "row-" + strconv.Itoa(row),
		UserID:    get("user_id"),
		Amount:    amount,
		Currency:  currency,
		Merchant:  get("merchant"),
		Location:  get("location"),
		Timestamp: ts,
		CreatedAt: ts,
		Status:    domain.StatusCompleted,
	}, label, nil
}

// Run scores the dataset and returns the classifier metrics.
func Run(ctx context.Context, ds *Dataset, calibrate bool, loc *time.Location) (*domain.EvaluationMetrics, error) {
	trainer := calibration.NewTrainer()
	if calibrate {
		if err := trainer.Calibrate(ctx, ds.Transactions); err != nil {
			return nil, fmt.Errorf("calibrate: %w", err)
		}
	}

	scorer, err := scoring.NewScorer(features.NewExtractor(nil, features.WithLocation(loc)), domain.DefaultFeatureWeights(), trainer)
	if err != nil {
		return nil, err
	}
	return evaluation.NewEvaluator(scorer).Evaluate(ctx, ds.Transactions, ds.Labels)
}

func printResults(w io.Writer, m *domain.EvaluationMetrics, duration time.Duration) {
	cm := m.ConfusionMatrix
	total := cm.Total()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "CONFUSION MATRIX")
	fmt.Fprintln(w, "                     Predicted")
	fmt.Fprintln(w, "                  FRAUD    LEGIT")
	fmt.Fprintf(w, "   Actual FRAUD   %6d   %6d\n", cm.TruePositive, cm.FalseNegative)
	fmt.Fprintf(w, "   Actual LEGIT   %6d   %6d\n", cm.FalsePositive, cm.TrueNegative)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "METRICS")
	fmt.Fprintf(w, "   Accuracy:   %6.2f%%\n", 100*m.Accuracy)
	fmt.Fprintf(w, "   Precision:  %6.2f%%\n", 100*m.Precision)
	fmt.Fprintf(w, "   Recall:     %6.2f%%\n", 100*m.Recall)
	fmt.Fprintf(w, "   F1 Score:   %6.2f%%\n", 100*m.F1Score)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "   Scored:     %d in %v", total, duration.Round(time.Millisecond))
	if total > 0 {
		fmt.Fprintf(w, " (%.0f tx/sec)", float64(total)/duration.Seconds())
	}
	fmt.Fprintln(w)
}
