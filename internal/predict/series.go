package predict

import "time"

const (
	seriesCap   = 50
	slopeWindow = 8 * time.Second
)

type flowPoint struct {
	at      time.Time
	upRatio float64
	total   float64
}

// flowSeries is the bounded trail of (time, up_ratio, total) samples for
// the current epoch, oldest first.
type flowSeries struct {
	points []flowPoint
}

func (s *flowSeries) add(p flowPoint) {
	s.points = append(s.points, p)
	if len(s.points) > seriesCap {
		s.points = s.points[1:]
	}
}

func (s *flowSeries) reset() { s.points = nil }

// slope fits a least-squares line to the up_ratio samples inside the slope
// window and returns its gradient in ratio-per-second. Fewer than two
// samples, or samples at one instant, give zero.
func (s *flowSeries) slope(now time.Time) float64 {
	cutoff := now.Add(-slopeWindow)
	var xs, ys []float64
	for _, p := range s.points {
		if p.at.Before(cutoff) {
			continue
		}
		xs = append(xs, p.at.Sub(cutoff).Seconds())
		ys = append(ys, p.upRatio)
	}
	if len(xs) < 2 {
		return 0
	}

	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / float64(len(xs))
	meanY := sumY / float64(len(ys))

	var num, den float64
	for i := range xs {
		dx := xs[i] - meanX
		num += dx * (ys[i] - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}
