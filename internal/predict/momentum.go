package predict

import (
	"fmt"
	"math"

	"roundflow/pkg/types"
)

// Scoring thresholds for the momentum strategy. Points accumulate per side;
// the larger side wins, with the raw flow ratio breaking ties.
const (
	streakWindow     = 3
	flowDeviationMin = 0.10
	volumeSurgeMin   = 1.5
	volumeBiasHigh   = 0.6
	volumeBiasLow    = 0.4
	calmSigmaMax     = 0.01
	breakoutMoveMin  = 0.02

	minHistoryRounds = 3

	// Confidence boosts.
	confVolumeMid = 1.2
	confSlopeMin  = 0.04 // up_ratio change per second
	confHighScore = 3
	lowVolumeFrac = 0.2
)

// history is the digested view of the recent finalized rounds, oldest first.
type history struct {
	results      []types.Direction
	priceChanges []float64
	avgUpRatio   float64
	avgVolume    float64
}

// buildHistory digests store rounds (given newest first) into chronological
// series and averages. Rounds with zero totals contribute nothing to the
// up-ratio average.
func buildHistory(rounds []types.Round) history {
	h := history{}
	if len(rounds) == 0 {
		return h
	}

	// Reverse into chronological order.
	ordered := make([]types.Round, len(rounds))
	for i, r := range rounds {
		ordered[len(rounds)-1-i] = r
	}

	var ratioSum, volumeSum float64
	ratioCount := 0
	for _, r := range ordered {
		h.results = append(h.results, r.Result)

		lock, _ := r.LockPrice.Float64()
		closeP, _ := r.ClosePrice.Float64()
		change := 0.0
		if lock != 0 {
			change = (closeP - lock) / lock
		}
		h.priceChanges = append(h.priceChanges, change)

		total, _ := r.TotalAmount.Float64()
		volumeSum += total
		if total > 0 {
			up, _ := r.UpAmount.Float64()
			ratioSum += up / total
			ratioCount++
		}
	}
	if ratioCount > 0 {
		h.avgUpRatio = ratioSum / float64(ratioCount)
	}
	h.avgVolume = volumeSum / float64(len(ordered))
	return h
}

func (h history) depth() int { return len(h.results) }

// scoreMomentum runs the momentum rules over the digested history and the
// current flow features. Score is up-points minus down-points, so its sign
// matches the predicted direction except on tie-breaks.
func scoreMomentum(h history, f types.Features) types.MomentumResult {
	res := types.MomentumResult{Features: f}

	if h.depth() < minHistoryRounds {
		res.Prediction = ratioLean(f.UpRatio)
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("thin history (%d rounds), leaning on flow %.3f", h.depth(), f.UpRatio))
		return res
	}

	var up, down int

	// Streak reversal: three same-side results in a row bet on the turn;
	// two of three ride the tilt.
	recent := h.results[len(h.results)-streakWindow:]
	upCount := 0
	for _, r := range recent {
		if r == types.UP {
			upCount++
		}
	}
	switch upCount {
	case streakWindow:
		down += 2
		res.Reasons = append(res.Reasons, "up streak, expecting reversal")
	case streakWindow - 1:
		up++
		res.Reasons = append(res.Reasons, "up tilt in recent results")
	case 1:
		down++
		res.Reasons = append(res.Reasons, "down tilt in recent results")
	case 0:
		up += 2
		res.Reasons = append(res.Reasons, "down streak, expecting reversal")
	}

	// Flow deviation from the historical norm.
	if math.Abs(f.UpRatioDiff) > flowDeviationMin {
		if f.UpRatioDiff > 0 {
			up += 2
		} else {
			down += 2
		}
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("flow deviates %+.3f from norm", f.UpRatioDiff))
	}

	// Volume surge only matters when the flow is clearly one-sided.
	if f.VolumeRatio > volumeSurgeMin {
		if f.UpRatio > volumeBiasHigh {
			up++
			res.Reasons = append(res.Reasons, "volume surge behind up flow")
		} else if f.UpRatio < volumeBiasLow {
			down++
			res.Reasons = append(res.Reasons, "volume surge behind down flow")
		}
	}

	// Breakout from a calm stretch: low dispersion then a sharp move.
	sigma := stddev(h.priceChanges)
	last := h.priceChanges[len(h.priceChanges)-1]
	if sigma < calmSigmaMax && math.Abs(last) > breakoutMoveMin {
		if last > 0 {
			up += 2
		} else {
			down += 2
		}
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("breakout %+.4f after calm stretch (sigma %.4f)", last, sigma))
	}

	res.Score = up - down
	switch {
	case res.Score > 0:
		res.Prediction = types.UP
	case res.Score < 0:
		res.Prediction = types.DOWN
	default:
		res.Prediction = ratioLean(f.UpRatio)
		res.Reasons = append(res.Reasons, "tied score, leaning on flow")
	}
	return res
}

// confidenceFor grades a revision: medium baseline, boosted by strong
// deviation, surging volume, and a steep flow slope; starved rounds get
// knocked down a notch, and the final revision never goes out as low.
func confidenceFor(f types.Features, total, avgVolume float64, final bool) types.Confidence {
	boost := 0
	if math.Abs(f.UpRatioDiff) > flowDeviationMin {
		boost += 2
	}
	switch {
	case f.VolumeRatio >= volumeSurgeMin:
		boost += 2
	case f.VolumeRatio >= confVolumeMid:
		boost++
	}
	if f.Slope > confSlopeMin {
		boost++
	}

	conf := types.ConfidenceMedium
	if boost >= confHighScore {
		conf = types.ConfidenceHigh
	}

	if avgVolume > 0 && total < lowVolumeFrac*avgVolume {
		conf = downgrade(conf)
	}
	if final && conf == types.ConfidenceLow {
		conf = types.ConfidenceMedium
	}
	return conf
}

func downgrade(c types.Confidence) types.Confidence {
	switch c {
	case types.ConfidenceHigh:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}

func ratioLean(upRatio float64) types.Direction {
	if upRatio >= 0.5 {
		return types.UP
	}
	return types.DOWN
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}
