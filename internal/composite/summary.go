package composite

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Summary describes a finished run.
type Summary struct {
	Width, Height int
	Blocks        int
	Pixels        int
	Composited    int
	NoData        int
	// Wins counts composited pixels per scene index.
	Wins []int
	// QualityMean and QualityStdDev describe the winning scores.
	QualityMean   float64
	QualityStdDev float64
	Duration      time.Duration
}

// blockStats is what one block contributes to the Summary.
type blockStats struct {
	pixels int
	wins   []int
	n      int
	mean   float64
	m2     float64 // sum of squared deviations from mean
}

func newBlockStats(pixels int, scores []float64, wins []int) blockStats {
	bs := blockStats{pixels: pixels, wins: wins, n: len(scores)}
	if bs.n == 0 {
		return bs
	}
	if bs.n == 1 {
		bs.mean = scores[0]
		return bs
	}
	mean, variance := stat.MeanVariance(scores, nil)
	bs.mean = mean
	bs.m2 = variance * float64(bs.n-1)
	return bs
}

// summarize merges block statistics in block order, so the result does not
// depend on which worker finished first.
func summarize(width, height, scenes int, blocks []blockStats) Summary {
	s := Summary{Width: width, Height: height, Blocks: len(blocks), Wins: make([]int, scenes)}
	var n int
	var mean, m2 float64
	for _, b := range blocks {
		s.Pixels += b.pixels
		for i, w := range b.wins {
			s.Wins[i] += w
		}
		if b.n == 0 {
			continue
		}
		if n == 0 {
			n, mean, m2 = b.n, b.mean, b.m2
			continue
		}
		total := n + b.n
		delta := b.mean - mean
		mean += delta * float64(b.n) / float64(total)
		m2 += b.m2 + delta*delta*float64(n)*float64(b.n)/float64(total)
		n = total
	}
	s.Composited = n
	s.NoData = s.Pixels - n
	s.QualityMean = mean
	if n > 1 {
		s.QualityStdDev = math.Sqrt(m2 / float64(n-1))
	}
	return s
}
