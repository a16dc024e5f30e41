package domain

// PredictionResult is the scorer's output for one transaction.
type PredictionResult struct {
	IsFraud      bool     `json:"isFraud"`
	RiskScore    float64  `json:"riskScore"`
	Confidence   float64  `json:"confidence"`
	Explanations []string `json:"explanations"`
}

// ContributionDetail records one rule that fired during scoring.
type ContributionDetail struct {
	Feature     Feature `json:"feature"`
	Value       float64 `json:"value"`
	Weight      float64 `json:"weight"`
	Multiplier  float64 `json:"multiplier"`
	Explanation string  `json:"explanation"`
}

// Assessment is a prediction together with the inputs that produced it.
type Assessment struct {
	Prediction    PredictionResult     `json:"prediction"`
	Features      FeatureVector        `json:"features"`
	Contributions []ContributionDetail `json:"contributions"`
	Calibrated    bool                 `json:"calibrated"`
}

// ConfusionMatrix holds the four outcome counts of a binary classifier run.
type ConfusionMatrix struct {
	TruePositive  int `json:"truePositive"`
	FalsePositive int `json:"falsePositive"`
	TrueNegative  int `json:"trueNegative"`
	FalseNegative int `json:"falseNegative"`
}

// Total is the number of classified samples.
func (m ConfusionMatrix) Total() int {
	return m.TruePositive + m.FalsePositive + m.TrueNegative + m.FalseNegative
}

// EvaluationMetrics summarises classifier quality against labelled data.
type EvaluationMetrics struct {
	Accuracy        float64         `json:"accuracy"`
	Precision       float64         `json:"precision"`
	Recall          float64         `json:"recall"`
	F1Score         float64         `json:"f1Score"`
	ConfusionMatrix ConfusionMatrix `json:"confusionMatrix"`
}
