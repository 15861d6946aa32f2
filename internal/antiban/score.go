package antiban

// ============================================
// SAFETY SCORE
// ============================================

// HealthScore turns a session's recent error profile into a 0-100 score.
// Each point of error rate costs one point, each consecutive error ten.
func HealthScore(errorRate float64, consecutiveErrors int) int {
	score := 100 - int(errorRate*100) - consecutiveErrors*10

	// Clamp to 0-100
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// RecommendedAction maps a health score to an operator hint.
func RecommendedAction(score int) string {
	switch {
	case score >= 90:
		return "normal"
	case score >= 70:
		return "slow"
	case score >= 40:
		return "pause"
	default:
		return "stop"
	}
}
