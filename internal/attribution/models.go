package attribution

import (
	"math"
	"time"
)

// creditTouches assigns fractional credit to an ordered touch sequence
// (oldest first) under the given model. The returned slice always sums to
// exactly 1.0 up to float representation; callers can rely on that when
// multiplying through by order revenue.
func creditTouches(model string, touches []TouchRef, convertedAt time.Time, halfLife time.Duration) []float64 {
	n := len(touches)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []float64{1}
	}

	credits := make([]float64, n)
	switch model {
	case ModelFirstClick:
		credits[0] = 1
	case ModelLastClick:
		credits[n-1] = 1
	case ModelLinear:
		for i := range credits {
			credits[i] = 1 / float64(n)
		}
	case ModelTimeDecay:
		sum := 0.0
		for i, tp := range touches {
			age := convertedAt.Sub(tp.TouchedAt)
			if age < 0 {
				age = 0
			}
			w := math.Exp2(-age.Hours() / halfLife.Hours())
			credits[i] = w
			sum += w
		}
		if sum <= 0 {
			// all weights underflowed; fall back to equal split
			for i := range credits {
				credits[i] = 1 / float64(n)
			}
			return normalizeCredits(credits)
		}
		for i := range credits {
			credits[i] /= sum
		}
	case ModelPositionBased:
		if n == 2 {
			credits[0], credits[1] = 0.5, 0.5
			break
		}
		credits[0], credits[n-1] = 0.4, 0.4
		middle := 0.2 / float64(n-2)
		for i := 1; i < n-1; i++ {
			credits[i] = middle
		}
	default:
		credits[n-1] = 1 // unknown model behaves as last_click
	}
	return normalizeCredits(credits)
}

// normalizeCredits rescales so the credits sum to exactly 1, folding any
// float residue into the largest credit where it distorts the least.
func normalizeCredits(credits []float64) []float64 {
	sum := 0.0
	for _, c := range credits {
		sum += c
	}
	if sum <= 0 {
		return credits
	}
	largest := 0
	newSum := 0.0
	for i := range credits {
		credits[i] /= sum
		newSum += credits[i]
		if credits[i] > credits[largest] {
			largest = i
		}
	}
	credits[largest] += 1 - newSum
	return credits
}
