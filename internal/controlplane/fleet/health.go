package fleet

// Score thresholds. Boundary values map to the higher bucket.
const (
	HealthyScore   = 70
	excellentScore = 90
	goodScore      = 75
	fairScore      = 50
)

// ClampScore bounds a score to [0,100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// QualityForScore maps a score to its connection quality bucket.
func QualityForScore(score int) Quality {
	switch {
	case score >= excellentScore:
		return QualityExcellent
	case score >= goodScore:
		return QualityGood
	case score >= fairScore:
		return QualityFair
	default:
		return QualityPoor
	}
}

// IsHealthy reports whether a score counts as healthy.
func IsHealthy(score int) bool {
	return score >= HealthyScore
}
