package sales

import "strings"

// BaseProductionMinutes is the surfacing and finishing time of a plain
// single vision CR-39 job.
const BaseProductionMinutes = 120.0

var lensTypeFactor = map[string]float64{
	"single_vision": 1.0,
	"bifocal":       1.3,
	"progressive":   1.5,
}

var materialFactor = map[string]float64{
	"cr_39":         1.0,
	"polycarbonate": 1.1,
	"high_index":    1.2,
	"trivex":        1.15,
}

var coatingMinutes = map[string]float64{
	"anti_reflective": 30,
	"blue_light":      20,
	"photochromic":    45,
}

func normalizeAttr(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// EstimateProductionMinutes estimates lab time for a lens job. Unknown
// attributes use a factor of 1 and add no coating time. Numeric indices map
// to their named material (1.59 is polycarbonate, 1.60 and up high index).
func EstimateProductionMinutes(lensType, material, coating string) float64 {
	minutes := BaseProductionMinutes
	if f, ok := lensTypeFactor[normalizeAttr(lensType)]; ok {
		minutes *= f
	}
	minutes *= materialMultiplier(normalizeAttr(material))
	for _, c := range strings.FieldsFunc(coating, func(r rune) bool { return r == ',' || r == '+' || r == ';' }) {
		minutes += coatingMinutes[normalizeAttr(c)]
	}
	return minutes
}

func materialMultiplier(m string) float64 {
	if f, ok := materialFactor[m]; ok {
		return f
	}
	switch m {
	case "1.50", "1.53":
		return 1.0
	case "1.59":
		return materialFactor["polycarbonate"]
	case "1.60", "1.67", "1.74":
		return materialFactor["high_index"]
	}
	return 1.0
}

// ProductionHours is EstimateProductionMinutes for the product, in hours.
// ok is false when the product carries no lens attributes at all.
func (p Product) ProductionHours() (float64, bool) {
	if p.LensType == "" && p.Material == "" && p.Coating == "" {
		return 0, false
	}
	return EstimateProductionMinutes(p.LensType, p.Material, p.Coating) / 60, true
}
