package risk

import "fmt"

// Contribution is the outcome of applying a risk curve to one feature value.
type Contribution struct {
	Multiplier  float64
	Explanation string
}

// Fired reports whether the rule contributed to the score.
func (c Contribution) Fired() bool {
	return c.Multiplier > 0
}

// step is one breakpoint of a threshold curve: values strictly above Above
// map to Multiplier.
type step struct {
	Above      float64
	Multiplier float64
	Label      string
}

// firstAbove walks steps in descending order and returns the first match.
func firstAbove(v float64, steps []step) (step, bool) {
	for _, s := range steps {
		if v > s.Above {
			return s, true
		}
	}
	return step{}, false
}

var amountSteps = []step{
	{Above: 2000, Multiplier: 0.8, Label: "High transaction amount"},
	{Above: 1000, Multiplier: 0.5, Label: "Medium-high transaction amount"},
	{Above: 500, Multiplier: 0.2, Label: "Moderate transaction amount"},
}

// Amount scores the transaction amount.
func Amount(amount float64) Contribution {
	s, ok := firstAbove(amount, amountSteps)
	if !ok {
		return Contribution{}
	}
	return Contribution{
		Multiplier:  s.Multiplier,
		Explanation: fmt.Sprintf("%s: $%.2f", s.Label, amount),
	}
}

// Hour scores the hour of day. Late night and early morning are unusual.
func Hour(hour int) Contribution {
	if hour >= 22 || hour <= 5 {
		return Contribution{
			Multiplier:  0.7,
			Explanation: fmt.Sprintf("Transaction at unusual hour: %d:00", hour),
		}
	}
	return Contribution{}
}

// DayOfWeek scores the weekday, Sunday = 0.
func DayOfWeek(day int) Contribution {
	if day == 0 || day == 6 {
		return Contribution{Multiplier: 0.3, Explanation: "Weekend transaction"}
	}
	return Contribution{}
}

var merchantSteps = []step{
	{Above: 0.5, Multiplier: 0.9, Label: "High-risk merchant"},
	{Above: 0.2, Multiplier: 0.4, Label: "Medium-risk merchant"},
}

// Merchant scores a merchant risk value. The name is used in the explanation.
func Merchant(merchantRisk float64, merchant string) Contribution {
	s, ok := firstAbove(merchantRisk, merchantSteps)
	if !ok {
		return Contribution{}
	}
	return Contribution{
		Multiplier:  s.Multiplier,
		Explanation: fmt.Sprintf("%s: %s", s.Label, merchant),
	}
}

var locationSteps = []step{
	{Above: 0.7, Multiplier: 0.8, Label: "Unusual location"},
	{Above: 0.4, Multiplier: 0.4, Label: "Somewhat unusual location"},
}

// Location scores a location risk value.
func Location(locationRisk float64, location string) Contribution {
	s, ok := firstAbove(locationRisk, locationSteps)
	if !ok {
		return Contribution{}
	}
	return Contribution{
		Multiplier:  s.Multiplier,
		Explanation: fmt.Sprintf("%s: %s", s.Label, location),
	}
}

var deviationSteps = []step{
	{Above: 0.8, Multiplier: 0.9, Label: "Significant deviation from user behavior"},
	{Above: 0.5, Multiplier: 0.5, Label: "Moderate deviation from user behavior"},
}

// BehaviorDeviation scores how far the transaction is from the user's norm.
func BehaviorDeviation(deviation float64) Contribution {
	s, ok := firstAbove(deviation, deviationSteps)
	if !ok {
		return Contribution{}
	}
	return Contribution{Multiplier: s.Multiplier, Explanation: s.Label}
}

// Frequency scores the number of recent transactions.
func Frequency(count float64) Contribution {
	if count > 5 {
		return Contribution{Multiplier: 0.6, Explanation: "High transaction frequency"}
	}
	return Contribution{}
}

// Velocity scores the normalised burst of high-value transactions.
func Velocity(velocity float64) Contribution {
	if velocity > 0.8 {
		return Contribution{Multiplier: 0.7, Explanation: "High transaction velocity"}
	}
	return Contribution{}
}
