package scoring

import (
	"errors"
	"math"
	"time"
)

const (
	// Horizon is how far ahead an offer can be before earliness floors at 0.
	Horizon = 14 * 24 * time.Hour
	// RatingScale normalizes provider ratings.
	RatingScale = 5.0
	// MaxRadiusKM is the distance beyond which proximity contributes nothing.
	MaxRadiusKM = 30.0

	weightTolerance = 1e-6
)

var ErrInvalidWeights = errors.New("scoring: weights must be non-negative and sum to 1")

// Weights are the campaign's ranking preferences.
type Weights struct {
	Earliest  float64 `json:"earliest"`
	Rating    float64 `json:"rating"`
	Proximity float64 `json:"proximity"`
}

func DefaultWeights() Weights {
	return Weights{Earliest: 0.5, Rating: 0.3, Proximity: 0.2}
}

func (w Weights) IsZero() bool {
	return w.Earliest == 0 && w.Rating == 0 && w.Proximity == 0
}

func (w Weights) Validate() error {
	if w.Earliest < 0 || w.Rating < 0 || w.Proximity < 0 {
		return ErrInvalidWeights
	}
	if math.Abs(w.Earliest+w.Rating+w.Proximity-1) > weightTolerance {
		return ErrInvalidWeights
	}
	return nil
}

// Offer holds the inputs of one reported slot.
// DistanceKM is ignored unless DistanceKnown is set.
type Offer struct {
	At            time.Time
	Rating        float64
	DistanceKM    float64
	DistanceKnown bool
}

// Score maps an offer to [0,100]. It is pure: the same inputs always give the same score.
func Score(o Offer, w Weights, now time.Time) float64 {
	s := w.Earliest*Earliness(o.At, now) +
		w.Rating*RatingNorm(o.Rating) +
		w.Proximity*Proximity(o.DistanceKM, o.DistanceKnown)
	return clamp01(s) * 100
}

// Earliness is 1 for offers at or before now and falls linearly to 0 at Horizon.
func Earliness(at, now time.Time) float64 {
	d := at.Sub(now)
	if d <= 0 {
		return 1
	}
	if d >= Horizon {
		return 0
	}
	return 1 - float64(d)/float64(Horizon)
}

func RatingNorm(rating float64) float64 {
	return clamp01(rating / RatingScale)
}

func Proximity(km float64, known bool) float64 {
	if !known || km < 0 || math.IsNaN(km) {
		return 0
	}
	return clamp01(1 - km/MaxRadiusKM)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
