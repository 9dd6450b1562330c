package quality

import (
	"fmt"
	"math"
)

// Policy decides which of a pixel's scored candidates wins.
type Policy struct {
	percentile float64
	ranked     bool
}

// Argmax selects the highest score. Ties go to the lower scene index.
func Argmax() Policy { return Policy{percentile: 100} }

// AtPercentile selects the candidate at percentile p (0..100) of the
// candidates sorted by ascending score.
func AtPercentile(p float64) Policy { return Policy{percentile: p, ranked: true} }

// Ranked reports whether the policy is an order statistic.
func (p Policy) Ranked() bool { return p.ranked }

// Percentile returns the configured percentile, 100 for argmax.
func (p Policy) Percentile() float64 { return p.percentile }

// Rank returns the 0-based index into n ascending candidates that the policy
// selects: ceil(p/100 * n) - 1, clamped to [0, n-1]. n must be positive.
func (p Policy) Rank(n int) int {
	if !p.ranked {
		return n - 1
	}
	// p*n/100 rather than p/100*n: whole percentages stay exact.
	k := int(math.Ceil(p.percentile*float64(n)/100)) - 1
	if k < 0 {
		return 0
	}
	if k > n-1 {
		return n - 1
	}
	return k
}

func (p Policy) String() string {
	if !p.ranked {
		return "argmax"
	}
	return fmt.Sprintf("percentile %g", p.percentile)
}
