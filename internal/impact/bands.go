package impact

import "math"

// Band is the severity band of an item score.
type Band int

const (
	BandLow Band = iota
	BandModerate
	BandCritical
)

const (
	// ModerateThreshold is the lowest score that needs human review.
	ModerateThreshold = 2.0
	// CriticalThreshold is the lowest score counted as high severity.
	CriticalThreshold = 4.0
	MaxScore          = 5.0
)

func (b Band) String() string {
	switch b {
	case BandCritical:
		return "critical"
	case BandModerate:
		return "moderate"
	default:
		return "low"
	}
}

// BandFor maps a 0..5 score onto its band. It is monotonic in score.
func BandFor(score float64) Band {
	switch {
	case score >= CriticalThreshold:
		return BandCritical
	case score >= ModerateThreshold:
		return BandModerate
	default:
		return BandLow
	}
}

func IsHighSeverity(score float64) bool {
	return score >= CriticalThreshold
}

// ClampScore bounds a score to [0, MaxScore]. NaN is reported as invalid.
func ClampScore(score float64) (float64, bool) {
	if math.IsNaN(score) {
		return 0, false
	}
	if score < 0 {
		return 0, true
	}
	if score > MaxScore {
		return MaxScore, true
	}
	return score, true
}
