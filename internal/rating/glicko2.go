// Package rating applies a single-game Glicko-2 update on top of go-glicko2.
package rating

import (
	"math"

	glicko "github.com/zelenin/go-glicko2"
)

const (
	DefaultRating     = float64(glicko.RATING_BASE_R)
	DefaultDeviation  = float64(glicko.RATING_BASE_RD)
	DefaultVolatility = glicko.RATING_BASE_SIGMA

	minRD = 30.0
	maxRD = DefaultDeviation
)

// Rating is one player's Glicko-2 state in the display scale.
type Rating struct {
	Rating     float64 `json:"rating"`
	Deviation  float64 `json:"deviation"`
	Volatility float64 `json:"volatility"`
	Games      int     `json:"games"`
}

// Default returns the rating given to players with no history in a category.
func Default() Rating {
	return Rating{Rating: DefaultRating, Deviation: DefaultDeviation, Volatility: DefaultVolatility}
}

func (r Rating) normalized() Rating {
	if r.Deviation <= 0 {
		r.Deviation = DefaultDeviation
	}
	if r.Volatility <= 0 {
		r.Volatility = DefaultVolatility
	}
	if r.Rating == 0 {
		r.Rating = DefaultRating
	}
	return r
}

func (r Rating) player() *glicko.Player {
	return glicko.NewPlayer(glicko.NewRating(r.Rating, r.Deviation, r.Volatility))
}

// next copies the post-period state of p; the deviation is clamped to [minRD, maxRD].
func (r Rating) next(p *glicko.Player) Rating {
	post := p.Rating()
	return Rating{
		Rating:     post.R(),
		Deviation:  math.Max(minRD, math.Min(maxRD, post.Rd())),
		Volatility: post.Sigma(),
		Games:      r.Games + 1,
	}
}

// Update rates one game between a and b as its own rating period. score is a's
// result: 1 win, 0.5 draw, 0 loss.
func Update(a, b Rating, score float64) (Rating, Rating) {
	a, b = a.normalized(), b.normalized()
	pa, pb := a.player(), b.player()
	period := glicko.NewRatingPeriod()
	period.AddMatch(pa, pb, matchResult(score))
	period.Calculate()
	return a.next(pa), b.next(pb)
}

func matchResult(score float64) glicko.MatchResult {
	switch {
	case score > 0.5:
		return glicko.MATCH_RESULT_WIN
	case score < 0.5:
		return glicko.MATCH_RESULT_LOSS
	default:
		return glicko.MATCH_RESULT_DRAW
	}
}

// Delta returns the rounded rating change from prev to next.
func Delta(prev, next Rating) int {
	return int(math.Round(next.Rating)) - int(math.Round(prev.Rating))
}
