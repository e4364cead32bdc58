// internal/anomaly/detector.go
package anomaly

import (
	"math"
	"regexp"
	"strconv"
)

const (
	// DefaultFallbackThreshold applies when the species gives no usable range.
	DefaultFallbackThreshold = 0.35
	// DefaultMaxFraction of the upper bound is used when only a maximum is known.
	DefaultMaxFraction = 0.65
)

// Range is a species' ideal moisture range as ratios. Nil bounds are unknown.
type Range struct {
	Min *float64
	Max *float64
}

var numberRe = regexp.MustCompile(`[\d.]+`)

// ParseIdealMoisture extracts a range from free-form species text such as "45-60%",
// "0.3 to 0.5" or "around 40". Values above 1.01 are read as percents. A single value
// becomes the minimum.
func ParseIdealMoisture(text string) Range {
	var values []float64
	for _, m := range numberRe.FindAllString(text, -1) {
		v, err := strconv.ParseFloat(m, 64)
		if err != nil || math.IsNaN(v) {
			continue
		}
		if v > 1.01 {
			v /= 100
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return Range{}
	}

	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if len(values) == 1 {
		return Range{Min: &lo}
	}
	return Range{Min: &lo, Max: &hi}
}

// Detector decides whether a moisture reading is dangerously dry.
type Detector struct {
	fallback    float64
	maxFraction float64
}

func NewDetector(fallback float64) *Detector {
	if fallback <= 0 || fallback > 1 {
		fallback = DefaultFallbackThreshold
	}
	return &Detector{fallback: fallback, maxFraction: DefaultMaxFraction}
}

// Threshold is the moisture ratio below which a plant with range r is in danger.
func (d *Detector) Threshold(r Range) float64 {
	switch {
	case r.Min != nil:
		return *r.Min
	case r.Max != nil:
		return *r.Max * d.maxFraction
	default:
		return d.fallback
	}
}

// IsDanger checks a moisture ratio against the species range.
func (d *Detector) IsDanger(moisture float64, r Range) bool {
	if math.IsNaN(moisture) {
		return false
	}
	reading := math.Max(0, math.Min(moisture, 1))
	return reading < d.Threshold(r)
}
