package emergency

// Severity discretized emergency risk level.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Score thresholds, ascending. A score exactly on a threshold takes the
// higher tier.
const (
	lowThreshold      = 2.0
	mediumThreshold   = 4.0
	highThreshold     = 8.0
	criticalThreshold = 12.0
)

// SeverityFromScore maps a raw score to its tier.
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= criticalThreshold:
		return SeverityCritical
	case score >= highThreshold:
		return SeverityHigh
	case score >= mediumThreshold:
		return SeverityMedium
	case score >= lowThreshold:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// Rank orders tiers: none=0 .. critical=4.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Tier pattern tiers used in the lexical tables.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
)

func (t Tier) multiplier() float64 {
	switch t {
	case TierCritical:
		return 3
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	}
	return 0
}

// Category pattern categories.
type Category string

const (
	CategorySymptom        Category = "symptom"
	CategoryUrgencyWord    Category = "urgency_word"
	CategoryContextualClue Category = "contextual_clue"
)

func (c Category) weight() float64 {
	switch c {
	case CategorySymptom:
		return 3.0
	case CategoryUrgencyWord:
		return 2.5
	case CategoryContextualClue:
		return 2.0
	}
	return 0
}
