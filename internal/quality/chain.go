package quality

import (
	"fmt"
	"math"
	"strings"

	"compositor/internal/scene"
)

// Chain is a validated, ordered list of stages. It is immutable and safe for
// concurrent use.
type Chain struct {
	stages []Stage
	policy Policy
}

// NewChain validates the stages and derives the selection policy. A
// percentile stage may appear at most once and only in last position.
func NewChain(stages ...Stage) (*Chain, error) {
	if len(stages) == 0 {
		return nil, &ConfigError{Index: 0, Field: "compositors", Reason: "at least one stage is required"}
	}
	c := &Chain{stages: append([]Stage(nil), stages...), policy: Argmax()}
	for i, st := range stages {
		if err := validateStage(i, st); err != nil {
			return nil, err
		}
		if p, ok := st.(Percentile); ok {
			if i != len(stages)-1 {
				return nil, configErr(i, ClassPercentile, "", "percentile must be the last stage")
			}
			c.policy = AtPercentile(p.Percentile)
		}
	}
	return c, nil
}

func validateStage(i int, st Stage) error {
	switch s := st.(type) {
	case Darkest:
		if !finite(s.ScaleMin) || !finite(s.ScaleMax) {
			return configErr(i, ClassDarkest, "scale_min", "scale bounds must be finite")
		}
		if s.ScaleMin >= s.ScaleMax {
			return configErr(i, ClassDarkest, "scale_min", "must be less than scale_max (%g >= %g)", s.ScaleMin, s.ScaleMax)
		}
	case Greenest:
	case SceneMeasure:
		if s.Key == "" {
			return configErr(i, ClassSceneMeasure, "scene_measure", "metadata key is required")
		}
	case CloudMask:
		w := s.Weights
		for _, f := range []struct {
			name string
			v    float64
		}{
			{"not_cloud", w.NotCloud},
			{"partially_confident_cloud", w.PartiallyConfidentCloud},
			{"mostly_confident_cloud", w.MostlyConfidentCloud},
			{"fully_confident_cloud", w.FullyConfidentCloud},
			{"partially_confident_cirrus", w.PartiallyConfidentCirrus},
			{"fully_confident_cirrus", w.FullyConfidentCirrus},
		} {
			if !(f.v >= 0 && f.v <= 1) {
				return configErr(i, ClassLandsat8, f.name, "weight must be within [0,1], got %g", f.v)
			}
		}
	case Percentile:
		if !(s.Percentile >= 0 && s.Percentile <= 100) {
			return configErr(i, ClassPercentile, "quality_percentile", "must be within [0,100], got %g", s.Percentile)
		}
	case nil:
		return configErr(i, "", "class", "stage is nil")
	default:
		return &ConfigError{Index: i, Field: "class", Reason: fmt.Sprintf("unsupported stage %T", st), Err: ErrUnknownClass}
	}
	return nil
}

// Stages returns a copy of the chain's stages.
func (c *Chain) Stages() []Stage { return append([]Stage(nil), c.stages...) }

// Policy returns the chain's selection policy.
func (c *Chain) Policy() Policy { return c.policy }

// UsesCloud reports whether any stage reads cloud rasters.
func (c *Chain) UsesCloud() bool {
	for _, st := range c.stages {
		if _, ok := st.(CloudMask); ok {
			return true
		}
	}
	return false
}

// Check validates the chain against the scenes it will score, so that
// requirements are reported before any pixel is processed.
func (c *Chain) Check(scenes []*scene.Scene) error {
	for i, st := range c.stages {
		switch s := st.(type) {
		case Greenest:
			for _, sc := range scenes {
				if n := sc.Color.Layout().ColorBands(); n < GreenestBands {
					return configErr(i, ClassGreenest, "bands", "%s has %d color band(s), need %d", sc.Name, n, GreenestBands)
				}
			}
		case SceneMeasure:
			for _, sc := range scenes {
				if _, ok := sc.Measure(s.Key); !ok {
					e := configErr(i, ClassSceneMeasure, s.Key, "%s has no %q metadata", sc.Name, s.Key)
					e.Err = ErrMissingMetadata
					return e
				}
			}
		}
	}
	return nil
}

// Score runs the scoring stages over one candidate. ok is false when a stage
// rejects the candidate at this pixel.
func (c *Chain) Score(px Pixel) (score float64, ok bool) {
	score = 1.0
	for _, st := range c.stages {
		var f float64
		switch s := st.(type) {
		case Darkest:
			f, ok = s.Factor(px.Color)
		case Greenest:
			f, ok = s.Factor(px.Color)
		case SceneMeasure:
			if px.Scene == nil {
				return 0, false
			}
			f, ok = px.Scene.Measure(s.Key)
		case CloudMask:
			if !px.HasCloud {
				continue
			}
			f, ok = s.Weight(px.Cloud)
			ok = ok && f != 0
		case Percentile:
			continue
		}
		if !ok {
			return 0, false
		}
		score *= f
	}
	if !finite(score) {
		return 0, false
	}
	return score, true
}

func (c *Chain) String() string {
	parts := make([]string, len(c.stages))
	for i, st := range c.stages {
		parts[i] = st.String()
	}
	return strings.Join(parts, " -> ")
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
