// Package risk holds the categorical classifiers and per-feature risk curves
// used by the scorer.
package risk

import "strings"

// TierTable is a three-tier keyword classifier. A value matches a tier when
// its lowercase form contains any of the tier's keywords; high is checked
// before medium.
type TierTable struct {
	High   []string
	Medium []string

	HighRisk   float64
	MediumRisk float64
	LowRisk    float64
}

// Classify returns the risk value of the first tier that matches value.
func (t TierTable) Classify(value string) float64 {
	lower := strings.ToLower(value)
	if containsAny(lower, t.High) {
		return t.HighRisk
	}
	if containsAny(lower, t.Medium) {
		return t.MediumRisk
	}
	return t.LowRisk
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(s, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// DefaultMerchantTiers is the standard merchant classifier.
func DefaultMerchantTiers() TierTable {
	return TierTable{
		High:       []string{"casino", "gambling", "crypto exchange", "jewelry"},
		Medium:     []string{"online shopping", "electronics", "luxury goods"},
		HighRisk:   0.8,
		MediumRisk: 0.5,
		LowRisk:    0.1,
	}
}

// DefaultLocationTiers is the standard location classifier.
func DefaultLocationTiers() TierTable {
	return TierTable{
		High:       []string{"nigeria", "somalia", "north korea", "iran"},
		Medium:     []string{"caribbean", "panama", "cayman islands"},
		HighRisk:   0.9,
		MediumRisk: 0.6,
		LowRisk:    0.2,
	}
}

var (
	merchantTiers = DefaultMerchantTiers()
	locationTiers = DefaultLocationTiers()
)

// ClassifyMerchant classifies a merchant name with the default table.
func ClassifyMerchant(merchant string) float64 {
	return merchantTiers.Classify(merchant)
}

// ClassifyLocation classifies a location string with the default table.
func ClassifyLocation(location string) float64 {
	return locationTiers.Classify(location)
}
