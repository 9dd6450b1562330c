package quality

import (
	"fmt"
	"sort"
	"strings"

	"compositor/internal/config"
)

// Build turns control document stage entries into a validated chain.
func Build(cfgs []config.Stage) (*Chain, error) {
	stages := make([]Stage, 0, len(cfgs))
	for i, cfg := range cfgs {
		st, err := FromConfig(i, cfg)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return NewChain(stages...)
}

// FromConfig builds the stage at position index. Unknown parameters are
// rejected so that typos do not silently fall back to defaults.
func FromConfig(index int, cfg config.Stage) (Stage, error) {
	class, ok := ParseClass(cfg.Class)
	if !ok {
		return nil, &ConfigError{Index: index, Field: "class", Reason: fmt.Sprintf("%q is not a known stage class", cfg.Class), Err: ErrUnknownClass}
	}
	p := &params{index: index, class: class, m: cfg.Params, used: map[string]bool{}}

	var st Stage
	switch class {
	case ClassDarkest:
		d := DefaultDarkest()
		p.float(&d.ScaleMin, "scale_min")
		p.float(&d.ScaleMax, "scale_max")
		st = d
	case ClassGreenest:
		st = Greenest{}
	case ClassSceneMeasure:
		var s SceneMeasure
		p.str(&s.Key, "scene_measure", "key")
		st = s
	case ClassLandsat8:
		c := CloudMask{Weights: DefaultCloudWeights()}
		p.float(&c.Weights.NotCloud, "not_cloud")
		p.float(&c.Weights.PartiallyConfidentCloud, "partially_confident_cloud")
		p.float(&c.Weights.MostlyConfidentCloud, "mostly_confident_cloud")
		p.float(&c.Weights.FullyConfidentCloud, "fully_confident_cloud")
		p.float(&c.Weights.PartiallyConfidentCirrus, "partially_confident_cirrus")
		p.float(&c.Weights.FullyConfidentCirrus, "fully_confident_cirrus")
		st = c
	case ClassPercentile:
		var pc Percentile
		if !p.float(&pc.Percentile, "quality_percentile", "percentile") && p.err == nil {
			p.err = configErr(index, class, "quality_percentile", "is required")
		}
		st = pc
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := p.unused(); err != nil {
		return nil, err
	}
	return st, nil
}

// params reads stage parameters and remembers which were consumed. The first
// failure sticks in err.
type params struct {
	index int
	class Class
	m     map[string]any
	used  map[string]bool
	err   error
}

func (p *params) lookup(names ...string) (string, any, bool) {
	for _, n := range names {
		if v, ok := p.m[n]; ok {
			p.used[n] = true
			return n, v, true
		}
	}
	return "", nil, false
}

func (p *params) float(dst *float64, names ...string) bool {
	if p.err != nil {
		return false
	}
	name, v, ok := p.lookup(names...)
	if !ok {
		return false
	}
	f, err := config.ToFloat(v)
	if err != nil {
		p.err = configErr(p.index, p.class, name, "%v", err)
		return false
	}
	*dst = f
	return true
}

func (p *params) str(dst *string, names ...string) bool {
	if p.err != nil {
		return false
	}
	name, v, ok := p.lookup(names...)
	if !ok {
		return false
	}
	s, isStr := v.(string)
	if !isStr {
		p.err = configErr(p.index, p.class, name, "must be a string, got %T", v)
		return false
	}
	*dst = strings.TrimSpace(s)
	return true
}

func (p *params) unused() error {
	var extra []string
	for k := range p.m {
		if !p.used[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	return configErr(p.index, p.class, extra[0], "unknown parameter")
}
