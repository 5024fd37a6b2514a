package risk

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Value is an optional numeric prescription field. The zero Value is absent.
// Malformed input (non-numeric text, NaN, Inf) decodes to an absent Value that
// remembers it was malformed so the assessment can report it.
type Value struct {
	v         float64
	ok        bool
	malformed bool
}

// Of returns a present Value, or an absent malformed one for NaN/Inf.
func Of(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{malformed: true}
	}
	return Value{v: f, ok: true}
}

// Get returns the value and whether it is present.
func (v Value) Get() (float64, bool) { return v.v, v.ok }

// Present reports whether the value is usable.
func (v Value) Present() bool { return v.ok }

// Malformed reports whether a value was supplied but could not be used.
func (v Value) Malformed() bool { return v.malformed }

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.ok {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

// UnmarshalJSON accepts numbers, numeric strings such as "+3.00", null and "".
// It never fails: anything else becomes an absent, malformed Value.
func (v *Value) UnmarshalJSON(b []byte) error {
	*v = Value{}
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			v.malformed = true
			return nil
		}
		s = strings.TrimSpace(str)
		if s == "" {
			return nil
		}
	}
	f, err := strconv.ParseFloat(strings.TrimPrefix(s, "+"), 64)
	if err != nil {
		v.malformed = true
		return nil
	}
	*v = Of(f)
	return nil
}

// EyeRx holds the refraction for one eye.
type EyeRx struct {
	Sphere   Value `json:"sphere"`
	Cylinder Value `json:"cylinder"`
	Axis     Value `json:"axis"`
	Add      Value `json:"add"`
	Prism    Value `json:"prism"`
}

// refractive reports whether the eye carries usable sphere or cylinder data.
func (e *EyeRx) refractive() bool {
	return e != nil && (e.Sphere.Present() || e.Cylinder.Present())
}

// sphericalEquivalent returns sphere + cylinder/2.
func (e *EyeRx) sphericalEquivalent() (float64, bool) {
	if !e.refractive() {
		return 0, false
	}
	sph, _ := e.Sphere.Get()
	cyl, _ := e.Cylinder.Get()
	return sph + cyl/2, true
}

// maxMeridian returns the largest absolute power across the two principal meridians.
func (e *EyeRx) maxMeridian() (float64, bool) {
	if !e.refractive() {
		return 0, false
	}
	sph, _ := e.Sphere.Get()
	cyl, _ := e.Cylinder.Get()
	return math.Max(math.Abs(sph), math.Abs(sph+cyl)), true
}

// PrescriptionInput is the order data the engine scores. It is never persisted
// by the engine itself.
type PrescriptionInput struct {
	Right         *EyeRx `json:"right,omitempty"`
	Left          *EyeRx `json:"left,omitempty"`
	PD            Value  `json:"pd"`
	LensType      string `json:"lens_type,omitempty" validate:"max=64"`
	Material      string `json:"material,omitempty" validate:"max=64"`
	Coating       string `json:"coating,omitempty" validate:"max=128"`
	FrameType     string `json:"frame_type,omitempty" validate:"max=64"`
	BaseCurve     Value  `json:"base_curve"`
	PatientAge    *int   `json:"patient_age,omitempty" validate:"omitempty,min=0,max=130"`
	PreviousRight *EyeRx `json:"previous_right,omitempty"`
	PreviousLeft  *EyeRx `json:"previous_left,omitempty"`
}

func (in *PrescriptionInput) eyes() []*EyeRx {
	var out []*EyeRx
	if in.Right != nil {
		out = append(out, in.Right)
	}
	if in.Left != nil {
		out = append(out, in.Left)
	}
	return out
}

// Severity is the alert level derived from a risk score.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// RiskFactor is one triggered factor of an assessment.
type RiskFactor struct {
	Key          string  `json:"key"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Explanation  string  `json:"explanation"`
}

// Impact is the factor's share of the risk score.
func (f RiskFactor) Impact() float64 { return f.Weight * f.Contribution }

// LensRecommendation is the replacement configuration suggested for risky orders.
type LensRecommendation struct {
	LensType    string `json:"lens_type"`
	Material    string `json:"material"`
	Coating     string `json:"coating"`
	Explanation string `json:"explanation"`
}

// RiskAssessment is the result of scoring one prescription.
type RiskAssessment struct {
	RiskScore        float64             `json:"risk_score"`
	Severity         Severity            `json:"severity"`
	TriggeredFactors []RiskFactor        `json:"triggered_factors"`
	Recommendation   *LensRecommendation `json:"recommendation,omitempty"`
	IgnoredFields    []string            `json:"ignored_fields,omitempty"`
	QCWarnings       []string            `json:"qc_warnings,omitempty"`
}

// Dominant returns the top triggered factor, if any.
func (a *RiskAssessment) Dominant() (RiskFactor, bool) {
	if len(a.TriggeredFactors) == 0 {
		return RiskFactor{}, false
	}
	return a.TriggeredFactors[0], true
}
