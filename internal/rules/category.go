package rules

import "github.com/park285/cheese-lobby/internal/domain"

// Estimated game length is initial + 40 increments, in milliseconds.
const (
	bulletUnderMs = 180_000
	blitzUnderMs  = 480_000
	rapidUnderMs  = 1_500_000
)

// InferRatingCategory buckets a time control. A zero base time is correspondence.
func InferRatingCategory(tc domain.TimeControl) domain.Category {
	if tc.InitialMs <= 0 {
		return domain.Correspondence
	}
	est := tc.InitialMs + 40*tc.IncrementMs
	switch {
	case est < bulletUnderMs:
		return domain.Bullet
	case est < blitzUnderMs:
		return domain.Blitz
	case est < rapidUnderMs:
		return domain.Rapid
	default:
		return domain.Classical
	}
}
