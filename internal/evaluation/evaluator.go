// Package evaluation measures classifier quality against labelled transactions.
package evaluation

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Predictor scores a single transaction.
type Predictor interface {
	Predict(ctx context.Context, tx *domain.Transaction) (*domain.PredictionResult, error)
}

// Evaluator runs a predictor over labelled data.
type Evaluator struct {
	predictor Predictor
}

// NewEvaluator creates an evaluator.
func NewEvaluator(p Predictor) *Evaluator {
	return &Evaluator{predictor: p}
}

// Evaluate scores every transaction and compares the decision to the label
// at the same index.
func (e *Evaluator) Evaluate(ctx context.Context, txs []*domain.Transaction, labels []bool) (*domain.EvaluationMetrics, error) {
	if len(txs) != len(labels) {
		return nil, fmt.Errorf("%w: %d transactions, %d labels", domain.ErrLengthMismatch, len(txs), len(labels))
	}

	var cm domain.ConfusionMatrix
	for i, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.predictor.Predict(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		cm = Tally(cm, res.IsFraud, labels[i])
	}

	m := Metrics(cm)
	return &m, nil
}

// Tally adds one prediction/label pair to a confusion matrix.
func Tally(cm domain.ConfusionMatrix, predicted, actual bool) domain.ConfusionMatrix {
	switch {
	case predicted && actual:
		cm.TruePositive++
	case predicted && !actual:
		cm.FalsePositive++
	case !predicted && actual:
		cm.FalseNegative++
	default:
		cm.TrueNegative++
	}
	return cm
}

// Metrics derives accuracy, precision, recall and F1 from a confusion matrix.
// Undefined ratios are 0.
func Metrics(cm domain.ConfusionMatrix) domain.EvaluationMetrics {
	tp := float64(cm.TruePositive)
	fp := float64(cm.FalsePositive)
	tn := float64(cm.TrueNegative)
	fn := float64(cm.FalseNegative)

	accuracy := ratio(tp+tn, tp+tn+fp+fn)
	precision := ratio(tp, tp+fp)
	recall := ratio(tp, tp+fn)
	f1 := ratio(2*precision*recall, precision+recall)

	return domain.EvaluationMetrics{
		Accuracy:        scoring.Round(accuracy),
		Precision:       scoring.Round(precision),
		Recall:          scoring.Round(recall),
		F1Score:         scoring.Round(f1),
		ConfusionMatrix: cm,
	}
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
