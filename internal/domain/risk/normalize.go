package risk

import (
	"fmt"
	"math"
)

// Clinical caps. Values beyond a cap saturate at it; values that are
// physically impossible (negative add or prism, axis outside 0..180) are
// treated as absent.
const (
	maxAbsSphere   = 30.0
	maxAbsCylinder = 15.0
	maxAxis        = 180.0
	maxAdd         = 5.0
	maxPrism       = 20.0
	minPD          = 40.0
	maxPD          = 80.0
	maxBaseCurve   = 12.0
)

// Lab QC limits. Values beyond these are kept but flagged.
const (
	qcAbsSphere   = 15.0
	qcAbsCylinder = 6.0
)

type rangeCheck struct {
	name string
	val  *Value
	// ok rejects impossible values; they become absent.
	ok func(float64) bool
	// max saturates the magnitude. Zero means no cap.
	max float64
}

func (c rangeCheck) clamp(f float64) (float64, bool) {
	if c.max == 0 || math.Abs(f) <= c.max {
		return f, false
	}
	return math.Copysign(c.max, f), true
}

// normalize returns a copy of in with malformed or impossible fields cleared
// and out-of-range magnitudes saturated, the names of the cleared fields and
// advisory QC warnings (including every saturated field).
func normalize(in PrescriptionInput) (PrescriptionInput, []string, []string) {
	out := in
	out.Right = cloneEye(in.Right)
	out.Left = cloneEye(in.Left)
	out.PreviousRight = cloneEye(in.PreviousRight)
	out.PreviousLeft = cloneEye(in.PreviousLeft)

	var checks []rangeCheck
	checks = append(checks, eyeChecks("right", out.Right)...)
	checks = append(checks, eyeChecks("left", out.Left)...)
	checks = append(checks, eyeChecks("previous_right", out.PreviousRight)...)
	checks = append(checks, eyeChecks("previous_left", out.PreviousLeft)...)
	checks = append(checks,
		rangeCheck{name: "pd", val: &out.PD, ok: func(f float64) bool { return f >= minPD && f <= maxPD }},
		rangeCheck{name: "base_curve", val: &out.BaseCurve, ok: nonNegative, max: maxBaseCurve},
	)

	var ignored, qc []string
	for _, c := range checks {
		if c.val.Malformed() {
			ignored = append(ignored, c.name)
			continue
		}
		f, ok := c.val.Get()
		if !ok {
			continue
		}
		if !c.ok(f) {
			*c.val = Value{malformed: true}
			ignored = append(ignored, c.name)
			continue
		}
		if capped, clamped := c.clamp(f); clamped {
			*c.val = Of(capped)
			qc = append(qc, fmt.Sprintf("%s %+.2f beyond clinical range, scored as %+.2f", c.name, f, capped))
		}
	}

	for _, e := range []struct {
		side string
		eye  *EyeRx
	}{{"right", out.Right}, {"left", out.Left}} {
		if e.eye == nil {
			continue
		}
		if sph, ok := e.eye.Sphere.Get(); ok && math.Abs(sph) > qcAbsSphere {
			qc = append(qc, fmt.Sprintf("%s.sphere %+.2f exceeds lab QC limit of ±%.2f D", e.side, sph, qcAbsSphere))
		}
		if cyl, ok := e.eye.Cylinder.Get(); ok && math.Abs(cyl) > qcAbsCylinder {
			qc = append(qc, fmt.Sprintf("%s.cylinder %+.2f exceeds lab QC limit of ±%.2f D", e.side, cyl, qcAbsCylinder))
		}
	}
	return out, ignored, qc
}

func cloneEye(e *EyeRx) *EyeRx {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func eyeChecks(side string, e *EyeRx) []rangeCheck {
	if e == nil {
		return nil
	}
	return []rangeCheck{
		{name: side + ".sphere", val: &e.Sphere, ok: anyValue, max: maxAbsSphere},
		{name: side + ".cylinder", val: &e.Cylinder, ok: anyValue, max: maxAbsCylinder},
		{name: side + ".axis", val: &e.Axis, ok: func(f float64) bool { return f >= 0 && f <= maxAxis }},
		{name: side + ".add", val: &e.Add, ok: func(f float64) bool { return f > 0 }, max: maxAdd},
		{name: side + ".prism", val: &e.Prism, ok: nonNegative, max: maxPrism},
	}
}

func anyValue(float64) bool { return true }

func nonNegative(f float64) bool { return f >= 0 }
