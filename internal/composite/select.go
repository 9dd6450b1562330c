package composite

import (
	"slices"

	"compositor/internal/quality"
)

// Candidate is one valid scene at one pixel.
type Candidate struct {
	Scene int
	Score float64
}

// SortCandidates orders candidates by ascending score. Among equal scores the
// higher scene index comes first, so the lower index ranks higher.
func SortCandidates(cands []Candidate) {
	slices.SortFunc(cands, func(a, b Candidate) int {
		switch {
		case a.Score < b.Score:
			return -1
		case a.Score > b.Score:
			return 1
		case a.Scene > b.Scene:
			return -1
		case a.Scene < b.Scene:
			return 1
		}
		return 0
	})
}

// SelectWinner applies policy to a pixel's candidates. It reports false when
// there are none. A ranked policy sorts cands in place.
func SelectWinner(cands []Candidate, policy quality.Policy) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	if !policy.Ranked() {
		best := cands[0]
		for _, c := range cands[1:] {
			if c.Score > best.Score || (c.Score == best.Score && c.Scene < best.Scene) {
				best = c
			}
		}
		return best, true
	}
	SortCandidates(cands)
	return cands[policy.Rank(len(cands))], true
}
