package risk

import (
	"math"
	"sort"
)

// Engine scores prescriptions against an ordered factor library. It holds no
// mutable state after construction and is safe for concurrent use.
type Engine struct {
	factors  []Factor
	weights  map[string]float64
	high     float64
	critical float64
}

// NewEngine builds an engine over the default factor library.
func NewEngine(cfg Config) (*Engine, error) {
	return NewEngineWithFactors(cfg, DefaultFactors())
}

// NewEngineWithFactors builds an engine over a custom factor list. Factors
// without a configured weight never contribute; weights without a factor are
// an error.
func NewEngineWithFactors(cfg Config, factors []Factor) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.CheckFactors(factors); err != nil {
		return nil, err
	}
	weights := make(map[string]float64, len(cfg.Weights))
	for k, v := range cfg.Weights {
		weights[k] = v
	}
	fs := make([]Factor, len(factors))
	copy(fs, factors)
	return &Engine{
		factors:  fs,
		weights:  weights,
		high:     cfg.HighThreshold,
		critical: cfg.CriticalThreshold,
	}, nil
}

// Classify maps a score to a severity. Thresholds are inclusive on the upper side.
func (e *Engine) Classify(score float64) Severity {
	switch {
	case score >= e.critical:
		return SeverityCritical
	case score >= e.high:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Score computes the risk assessment for one prescription. It fails only when
// neither eye carries usable sphere or cylinder data.
func (e *Engine) Score(input PrescriptionInput) (*RiskAssessment, error) {
	in, ignored, qc := normalize(input)
	if !in.Right.refractive() && !in.Left.refractive() {
		return nil, &InputValidationError{
			Reason: "neither eye has a usable sphere or cylinder",
			Err:    ErrNoRefractiveData,
		}
	}

	type scored struct {
		RiskFactor
		order int
	}
	var triggered []scored
	total := 0.0
	for i, f := range e.factors {
		w := e.weights[f.Key]
		if w <= 0 {
			continue
		}
		c, explanation := f.Evaluate(&in)
		if c <= 0 {
			continue
		}
		c = math.Min(c, 1)
		total += w * c
		triggered = append(triggered, scored{
			RiskFactor: RiskFactor{Key: f.Key, Weight: w, Contribution: round(c), Explanation: explanation},
			order:      i,
		})
	}

	sort.SliceStable(triggered, func(i, j int) bool {
		a, b := triggered[i].Impact(), triggered[j].Impact()
		if a != b {
			return a > b
		}
		return triggered[i].order < triggered[j].order
	})

	a := &RiskAssessment{
		RiskScore:        round(math.Min(total, 1)),
		TriggeredFactors: make([]RiskFactor, 0, len(triggered)),
		IgnoredFields:    ignored,
		QCWarnings:       qc,
	}
	for _, t := range triggered {
		a.TriggeredFactors = append(a.TriggeredFactors, t.RiskFactor)
	}
	a.Severity = e.Classify(a.RiskScore)
	if a.Severity.AtLeast(SeverityWarning) {
		a.Recommendation = recommend(&in, a)
	}
	return a, nil
}

// round trims float noise so threshold comparisons are stable.
func round(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}
