package risk

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Factor keys.
const (
	FactorHighAddProgressive      = "high_add_progressive"
	FactorAnisometropia           = "anisometropia"
	FactorHighPrism               = "high_prism"
	FactorWrapFrameMismatch       = "wrap_frame_mismatch"
	FactorRxChange                = "rx_change"
	FactorMaterialCoatingMismatch = "material_coating_mismatch"
	FactorHighPowerLowIndex       = "high_power_low_index"
	FactorHighCylinder            = "high_cylinder"
)

// Factor is a named, pure risk rule. Evaluate returns a contribution in [0,1]
// and an explanation; a zero contribution means the factor did not trigger,
// including when the inputs it needs are absent.
type Factor struct {
	Key      string
	Evaluate func(in *PrescriptionInput) (float64, string)
}

// DefaultFactors returns the factor library in registration order.
func DefaultFactors() []Factor {
	return []Factor{
		{Key: FactorHighAddProgressive, Evaluate: highAddProgressive},
		{Key: FactorAnisometropia, Evaluate: anisometropia},
		{Key: FactorHighPrism, Evaluate: highPrism},
		{Key: FactorWrapFrameMismatch, Evaluate: wrapFrameMismatch},
		{Key: FactorRxChange, Evaluate: rxChange},
		{Key: FactorMaterialCoatingMismatch, Evaluate: materialCoatingMismatch},
		{Key: FactorHighPowerLowIndex, Evaluate: highPowerLowIndex},
		{Key: FactorHighCylinder, Evaluate: highCylinder},
	}
}

// ramp maps x linearly from [lo,hi] onto [0,1], clamped.
func ramp(x, lo, hi float64) float64 {
	if x <= lo {
		return 0
	}
	if x >= hi {
		return 1
	}
	return (x - lo) / (hi - lo)
}

func highAddProgressive(in *PrescriptionInput) (float64, string) {
	if !isProgressive(in.LensType) {
		return 0, ""
	}
	add, ok := maxOver(in.eyes(), func(e *EyeRx) (float64, bool) { return e.Add.Get() })
	if !ok {
		return 0, ""
	}
	c := ramp(add, 1.75, 3.00)
	return c, fmt.Sprintf("progressive lens with add %+.2f D narrows the usable corridor", add)
}

func anisometropia(in *PrescriptionInput) (float64, string) {
	r, okR := in.Right.sphericalEquivalent()
	l, okL := in.Left.sphericalEquivalent()
	if !okR || !okL {
		return 0, ""
	}
	diff := math.Abs(r - l)
	return ramp(diff, 1.00, 3.00), fmt.Sprintf("%.2f D spherical-equivalent difference between eyes", diff)
}

func highPrism(in *PrescriptionInput) (float64, string) {
	p, ok := maxOver(in.eyes(), func(e *EyeRx) (float64, bool) { return e.Prism.Get() })
	if !ok {
		return 0, ""
	}
	return ramp(p, 2, 6), fmt.Sprintf("prism of %.2f Δ", p)
}

func wrapFrameMismatch(in *PrescriptionInput) (float64, string) {
	if !isWrapFrame(in.FrameType) {
		return 0, ""
	}
	c := 0.4
	detail := ""
	if bc, ok := in.BaseCurve.Get(); ok {
		c += 0.4 * ramp(bc, 6, 8)
		detail = fmt.Sprintf(", base curve %.2f", bc)
	}
	if p, ok := maxOver(in.eyes(), (*EyeRx).maxMeridian); ok {
		c += 0.2 * ramp(p, 4, 6)
	}
	return math.Min(c, 1), fmt.Sprintf("%s frame induces wrap tilt%s", in.FrameType, detail)
}

func rxChange(in *PrescriptionInput) (float64, string) {
	delta, ok := 0.0, false
	pairs := [][2]*EyeRx{{in.Right, in.PreviousRight}, {in.Left, in.PreviousLeft}}
	for _, p := range pairs {
		cur, okC := p[0].sphericalEquivalent()
		prev, okP := p[1].sphericalEquivalent()
		if !okC || !okP {
			continue
		}
		d := math.Abs(cur - prev)
		cc, _ := p[0].Cylinder.Get()
		pc, _ := p[1].Cylinder.Get()
		d = math.Max(d, math.Abs(cc-pc))
		if !ok || d > delta {
			delta, ok = d, true
		}
	}
	if !ok {
		return 0, ""
	}
	return ramp(delta, 0.75, 2.00), fmt.Sprintf("prescription changed by %.2f D since the previous pair", delta)
}

func materialCoatingMismatch(in *PrescriptionInput) (float64, string) {
	idx, ok := materialIndex(in.Material)
	if !ok || strings.TrimSpace(in.Coating) == "" || hasAntiReflective(in.Coating) {
		return 0, ""
	}
	return ramp(idx, 1.60, 1.74), fmt.Sprintf("%.2f index material with %s coating only", idx, in.Coating)
}

func highPowerLowIndex(in *PrescriptionInput) (float64, string) {
	idx, ok := materialIndex(in.Material)
	if !ok {
		return 0, ""
	}
	var scale float64
	switch {
	case idx <= 1.56:
		scale = 1
	case idx < 1.61:
		scale = 0.5
	default:
		return 0, ""
	}
	p, ok := maxOver(in.eyes(), (*EyeRx).maxMeridian)
	if !ok {
		return 0, ""
	}
	return scale * ramp(p, 4, 8), fmt.Sprintf("%.2f D power in %.2f index material", p, idx)
}

func highCylinder(in *PrescriptionInput) (float64, string) {
	cyl, ok := maxOver(in.eyes(), func(e *EyeRx) (float64, bool) {
		c, ok := e.Cylinder.Get()
		return math.Abs(c), ok
	})
	if !ok {
		return 0, ""
	}
	return ramp(cyl, 2, 4), fmt.Sprintf("cylinder of %.2f D", cyl)
}

func maxOver(eyes []*EyeRx, get func(*EyeRx) (float64, bool)) (float64, bool) {
	best, found := 0.0, false
	for _, e := range eyes {
		v, ok := get(e)
		if !ok {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, found
}

func token(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

func isProgressive(lensType string) bool {
	t := token(lensType)
	return strings.Contains(t, "progressive") || strings.Contains(t, "varifocal") || t == "pal"
}

func isWrapFrame(frame string) bool {
	t := token(frame)
	return strings.Contains(t, "wrap") || strings.Contains(t, "sport")
}

func hasAntiReflective(coating string) bool {
	t := token(coating)
	if strings.Contains(t, "anti_reflective") || strings.Contains(t, "antireflective") {
		return true
	}
	for _, part := range strings.Split(t, "_") {
		if part == "ar" {
			return true
		}
	}
	return false
}

var indexPattern = regexp.MustCompile(`1\.\d{2}`)

var namedIndex = map[string]float64{
	"cr_39":         1.50,
	"cr39":          1.50,
	"standard":      1.50,
	"plastic":       1.50,
	"trivex":        1.53,
	"polycarbonate": 1.59,
	"high_index":    1.67,
}

// materialIndex extracts the refractive index from a material label such as
// "1.67", "MR-8 1.60" or "polycarbonate".
func materialIndex(material string) (float64, bool) {
	if m := indexPattern.FindString(material); m != "" {
		f, err := strconv.ParseFloat(m, 64)
		return f, err == nil
	}
	f, ok := namedIndex[token(material)]
	return f, ok
}
