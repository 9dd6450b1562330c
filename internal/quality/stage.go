package quality

import (
	"fmt"
	"math"
	"strings"

	"compositor/internal/scene"
)

// Class identifies a stage kind in control documents and on the command line.
type Class string

const (
	ClassDarkest      Class = "darkest"
	ClassGreenest     Class = "greenest"
	ClassSceneMeasure Class = "scene_measure"
	ClassLandsat8     Class = "landsat8"
	ClassPercentile   Class = "percentile"
)

var classAliases = map[string]Class{
	"darkest":            ClassDarkest,
	"greenest":           ClassGreenest,
	"scene_measure":      ClassSceneMeasure,
	"landsat8":           ClassLandsat8,
	"landsat_cloud_mask": ClassLandsat8,
	"percentile":         ClassPercentile,
}

// ParseClass resolves a class name, accepting the known aliases.
func ParseClass(name string) (Class, bool) {
	c, ok := classAliases[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Classes lists the canonical class names.
func Classes() []Class {
	return []Class{ClassDarkest, ClassGreenest, ClassSceneMeasure, ClassLandsat8, ClassPercentile}
}

// Stage is one link of a quality chain. The set of stages is closed; the
// implementations are the exported structs of this package.
type Stage interface {
	Class() Class
	fmt.Stringer
	stage()
}

// Pixel is one scene's candidate at one location. Color holds one sample per
// band; Cloud is the scene's cloud sample when HasCloud is set.
type Pixel struct {
	Scene    *scene.Scene
	Color    []float64
	Cloud    float64
	HasCloud bool
}

// Darkest prefers the pixel with the smallest summed color value. The sum is
// clamped to [ScaleMin, ScaleMax] and rescaled to [0,1] before scoring.
type Darkest struct {
	ScaleMin float64
	ScaleMax float64
}

// DefaultDarkest covers the full unsigned 16-bit range.
func DefaultDarkest() Darkest { return Darkest{ScaleMin: 0, ScaleMax: 65535} }

func (Darkest) Class() Class { return ClassDarkest }
func (d Darkest) String() string {
	return fmt.Sprintf("darkest(scale_min=%g, scale_max=%g)", d.ScaleMin, d.ScaleMax)
}
func (Darkest) stage() {}

// Factor returns 1 - r for the rescaled band sum r.
func (d Darkest) Factor(color []float64) (float64, bool) {
	var sum float64
	for _, v := range color {
		sum += v
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, false
	}
	sum = math.Max(d.ScaleMin, math.Min(d.ScaleMax, sum))
	r := (sum - d.ScaleMin) / (d.ScaleMax - d.ScaleMin)
	return 1 - r, true
}

// Greenest prefers the pixel whose green band dominates red and blue.
// Bands are taken as 1=red, 2=green, 3=blue.
type Greenest struct{}

// GreenestBands is the number of color bands a greenest stage needs.
const GreenestBands = 3

func (Greenest) Class() Class   { return ClassGreenest }
func (Greenest) String() string { return "greenest" }
func (Greenest) stage()         {}

// Factor returns 2G / (2G + R + B). A non-positive denominator cannot be
// scored.
func (Greenest) Factor(color []float64) (float64, bool) {
	if len(color) < GreenestBands {
		return 0, false
	}
	r, g, b := color[0], color[1], color[2]
	den := 2*g + r + b
	if !(den > 0) || math.IsInf(den, 0) {
		return 0, false
	}
	return 2 * g / den, true
}

// SceneMeasure ranks whole scenes by a metadata value, e.g. acquisition time.
type SceneMeasure struct {
	Key string
}

func (SceneMeasure) Class() Class     { return ClassSceneMeasure }
func (s SceneMeasure) String() string { return "scene_measure(" + s.Key + ")" }
func (SceneMeasure) stage()           {}

// CloudWeights maps Landsat 8 BQA confidence levels to score multipliers.
type CloudWeights struct {
	NotCloud                 float64
	PartiallyConfidentCloud  float64
	MostlyConfidentCloud     float64
	FullyConfidentCloud      float64
	PartiallyConfidentCirrus float64
	FullyConfidentCirrus     float64
}

// DefaultCloudWeights reject fully confident cloud and cirrus and discount
// the intermediate levels.
func DefaultCloudWeights() CloudWeights {
	return CloudWeights{
		NotCloud:                 1.0,
		PartiallyConfidentCloud:  0.66,
		MostlyConfidentCloud:     0.33,
		FullyConfidentCloud:      0.0,
		PartiallyConfidentCirrus: 0.5,
		FullyConfidentCirrus:     0.0,
	}
}

// CloudMask weights candidates by the Landsat 8 BQA band. Bits 14-15 hold the
// cloud confidence and bits 12-13 the cirrus confidence, each as
// 00 not determined or none, 01 low, 10 medium, 11 high.
type CloudMask struct {
	Weights CloudWeights
}

func (CloudMask) Class() Class { return ClassLandsat8 }
func (c CloudMask) String() string {
	w := c.Weights
	return fmt.Sprintf("landsat8(not_cloud=%g, partially_confident_cloud=%g, mostly_confident_cloud=%g, fully_confident_cloud=%g, partially_confident_cirrus=%g, fully_confident_cirrus=%g)",
		w.NotCloud, w.PartiallyConfidentCloud, w.MostlyConfidentCloud, w.FullyConfidentCloud,
		w.PartiallyConfidentCirrus, w.FullyConfidentCirrus)
}
func (CloudMask) stage() {}

// Weight returns the multiplier for one BQA sample. Samples that are not a
// 16-bit unsigned integer are rejected.
func (c CloudMask) Weight(qa float64) (float64, bool) {
	if qa < 0 || qa > math.MaxUint16 || qa != math.Trunc(qa) {
		return 0, false
	}
	word := uint16(qa)

	var cloud float64
	switch (word >> 14) & 0x3 {
	case 0:
		cloud = c.Weights.NotCloud
	case 1:
		cloud = c.Weights.PartiallyConfidentCloud
	case 2:
		cloud = c.Weights.MostlyConfidentCloud
	case 3:
		cloud = c.Weights.FullyConfidentCloud
	}

	cirrus := 1.0
	switch (word >> 12) & 0x3 {
	case 2:
		cirrus = c.Weights.PartiallyConfidentCirrus
	case 3:
		cirrus = c.Weights.FullyConfidentCirrus
	}
	return cloud * cirrus, true
}

// Percentile changes selection from argmax to the candidate at the given
// percentile of the score-sorted candidates. It must be the last stage.
type Percentile struct {
	Percentile float64
}

func (Percentile) Class() Class     { return ClassPercentile }
func (p Percentile) String() string { return fmt.Sprintf("percentile(%g)", p.Percentile) }
func (Percentile) stage()           {}
