package risk

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	return e
}

func progressiveSportWrap() PrescriptionInput {
	return PrescriptionInput{
		Right:     &EyeRx{Sphere: Of(1.00), Add: Of(3.00)},
		Left:      &EyeRx{Sphere: Of(1.00), Add: Of(3.00)},
		LensType:  "Progressive",
		Material:  "1.60",
		FrameType: "Sport Wrap",
	}
}

func TestScore_ProgressiveHighAddSportWrap(t *testing.T) {
	e := newTestEngine(t)

	a, err := e.Score(progressiveSportWrap())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, a.RiskScore, 0.35)
	assert.LessOrEqual(t, a.RiskScore, 0.40)
	assert.Equal(t, SeverityWarning, a.Severity)
	require.Len(t, a.TriggeredFactors, 2)
	assert.Equal(t, FactorHighAddProgressive, a.TriggeredFactors[0].Key)
	assert.Equal(t, FactorWrapFrameMismatch, a.TriggeredFactors[1].Key)

	require.NotNil(t, a.Recommendation)
	assert.Equal(t, "1.67", a.Recommendation.Material)
	assert.Equal(t, "anti_reflective", a.Recommendation.Coating)
}

func TestScore_Deterministic(t *testing.T) {
	e := newTestEngine(t)
	in := progressiveSportWrap()
	in.Right.Prism = Of(3)
	in.Left.Cylinder = Of(-2.5)

	first, err := e.Score(in)
	require.NoError(t, err)
	second, err := e.Score(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestScore_MonotonicInAdd(t *testing.T) {
	e := newTestEngine(t)
	prev := -1.0
	for add := 1.0; add <= 4.0; add += 0.25 {
		in := progressiveSportWrap()
		in.Right.Add = Of(add)
		in.Left.Add = Of(add)
		a, err := e.Score(in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, a.RiskScore, prev, "add %.2f decreased the score", add)
		prev = a.RiskScore
	}
}

func TestScore_MonotonicAcrossClinicalCaps(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		name     string
		from, to float64
		set      func(in *PrescriptionInput, v float64)
	}{
		{"add", 4.0, 6.5, func(in *PrescriptionInput, v float64) {
			in.Right.Add = Of(v)
			in.Left.Add = Of(v)
		}},
		{"prism", 18, 24, func(in *PrescriptionInput, v float64) { in.Right.Prism = Of(v) }},
		{"cylinder", -13, -18, func(in *PrescriptionInput, v float64) { in.Left.Cylinder = Of(v) }},
		{"sphere", -28, -34, func(in *PrescriptionInput, v float64) { in.Left.Sphere = Of(v) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := 0.25
			if tt.to < tt.from {
				step = -0.25
			}
			prev := -1.0
			for v := tt.from; (step > 0 && v <= tt.to) || (step < 0 && v >= tt.to); v += step {
				in := progressiveSportWrap()
				tt.set(&in, v)
				a, err := e.Score(in)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, a.RiskScore, prev, "%s %.2f decreased the score", tt.name, v)
				assert.Empty(t, a.IgnoredFields, "%s %.2f", tt.name, v)
				prev = a.RiskScore
			}
		})
	}
}

func TestScore_BeyondCapSaturates(t *testing.T) {
	e := newTestEngine(t)

	atCap, err := e.Score(PrescriptionInput{Right: &EyeRx{Sphere: Of(-1), Prism: Of(20), Cylinder: Of(-15)}})
	require.NoError(t, err)
	beyond, err := e.Score(PrescriptionInput{Right: &EyeRx{Sphere: Of(-1), Prism: Of(20.5), Cylinder: Of(-15.5)}})
	require.NoError(t, err)

	assert.Equal(t, atCap.RiskScore, beyond.RiskScore)
	assert.Greater(t, beyond.RiskScore, 0.0)
	assert.NotEqual(t, SeverityInfo, beyond.Severity)
	assert.Empty(t, beyond.IgnoredFields)
	assert.Contains(t, strings.Join(beyond.QCWarnings, "\n"), "right.prism +20.50 beyond clinical range")
	assert.Contains(t, strings.Join(beyond.QCWarnings, "\n"), "right.cylinder -15.50 beyond clinical range")
}

func TestScore_ImpossibleValuesIgnored(t *testing.T) {
	e := newTestEngine(t)
	a, err := e.Score(PrescriptionInput{Right: &EyeRx{Sphere: Of(-1), Prism: Of(-2), Add: Of(0), Axis: Of(181)}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"right.prism", "right.add", "right.axis"}, a.IgnoredFields)
}

func TestScore_MonotonicInAnisometropia(t *testing.T) {
	e := newTestEngine(t)
	prev := -1.0
	for sph := 0.0; sph <= 5.0; sph += 0.5 {
		in := PrescriptionInput{
			Right: &EyeRx{Sphere: Of(-1.0)},
			Left:  &EyeRx{Sphere: Of(-1.0 - sph)},
		}
		a, err := e.Score(in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, a.RiskScore, prev)
		prev = a.RiskScore
	}
}

func fixedFactor(key string, c float64) Factor {
	return Factor{Key: key, Evaluate: func(*PrescriptionInput) (float64, string) { return c, key }}
}

func TestClassify_BoundariesInclusive(t *testing.T) {
	cfg := Config{
		Weights:           map[string]float64{"fixed": 0.30},
		HighThreshold:     0.30,
		CriticalThreshold: 0.60,
	}
	in := PrescriptionInput{Right: &EyeRx{Sphere: Of(-1)}}

	e, err := NewEngineWithFactors(cfg, []Factor{fixedFactor("fixed", 1)})
	require.NoError(t, err)
	a, err := e.Score(in)
	require.NoError(t, err)
	assert.Equal(t, 0.30, a.RiskScore)
	assert.Equal(t, SeverityWarning, a.Severity)

	cfg.Weights["fixed"] = 0.60
	e, err = NewEngineWithFactors(cfg, []Factor{fixedFactor("fixed", 1)})
	require.NoError(t, err)
	a, err = e.Score(in)
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, a.Severity)

	assert.Equal(t, SeverityInfo, e.Classify(0.2999))
}

func TestScore_CappedAtOne(t *testing.T) {
	cfg := Config{
		Weights:           map[string]float64{"a": 1, "b": 1},
		HighThreshold:     0.3,
		CriticalThreshold: 0.6,
	}
	e, err := NewEngineWithFactors(cfg, []Factor{fixedFactor("a", 1), fixedFactor("b", 1)})
	require.NoError(t, err)
	a, err := e.Score(PrescriptionInput{Left: &EyeRx{Cylinder: Of(-1)}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.RiskScore)
}

func TestScore_TieBreakRegistrationOrder(t *testing.T) {
	cfg := Config{
		Weights:           map[string]float64{"first": 0.2, "second": 0.2},
		HighThreshold:     0.3,
		CriticalThreshold: 0.6,
	}
	e, err := NewEngineWithFactors(cfg, []Factor{fixedFactor("first", 0.5), fixedFactor("second", 0.5)})
	require.NoError(t, err)
	a, err := e.Score(PrescriptionInput{Right: &EyeRx{Sphere: Of(1)}})
	require.NoError(t, err)
	require.Len(t, a.TriggeredFactors, 2)
	assert.Equal(t, "first", a.TriggeredFactors[0].Key)
	assert.Equal(t, "second", a.TriggeredFactors[1].Key)
}

func TestScore_OneEyeAbsent(t *testing.T) {
	e := newTestEngine(t)
	in := PrescriptionInput{
		Right:    &EyeRx{Sphere: Of(-7.0), Cylinder: Of(-3.0)},
		Material: "CR-39",
	}
	a, err := e.Score(in)
	require.NoError(t, err)
	assert.NotEmpty(t, a.TriggeredFactors)
	for _, f := range a.TriggeredFactors {
		assert.NotEqual(t, FactorAnisometropia, f.Key)
	}
}

func TestScore_NoRefractiveData(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Score(PrescriptionInput{
		Right:    &EyeRx{Add: Of(2.0)},
		LensType: "progressive",
	})
	require.Error(t, err)

	var ive *InputValidationError
	assert.True(t, errors.As(err, &ive))
	assert.ErrorIs(t, err, ErrNoRefractiveData)
}

func TestScore_AssessedNoRisk(t *testing.T) {
	e := newTestEngine(t)
	a, err := e.Score(PrescriptionInput{
		Right:    &EyeRx{Sphere: Of(-1.25)},
		Left:     &EyeRx{Sphere: Of(-1.00)},
		LensType: "single_vision",
		Material: "1.50",
	})
	require.NoError(t, err)
	assert.Equal(t, SeverityInfo, a.Severity)
	assert.Zero(t, a.RiskScore)
	assert.Empty(t, a.TriggeredFactors)
	assert.Nil(t, a.Recommendation)
}

func TestScore_DominantWithoutRuleOmitsRecommendation(t *testing.T) {
	cfg := DefaultConfig().WithWeights(map[string]float64{FactorRxChange: 0.5})
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	a, err := e.Score(PrescriptionInput{
		Right:         &EyeRx{Sphere: Of(-4.00)},
		PreviousRight: &EyeRx{Sphere: Of(-2.00)},
	})
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, a.Severity)
	assert.Equal(t, FactorRxChange, a.TriggeredFactors[0].Key)
	assert.Nil(t, a.Recommendation)
}

func TestScore_MalformedFieldsIgnored(t *testing.T) {
	e := newTestEngine(t)
	var in PrescriptionInput
	body := `{
		"right": {"sphere": "+1.00", "add": "abc", "axis": 200},
		"left": {"sphere": 1.0, "add": "+3.00"},
		"lens_type": "progressive",
		"frame_type": "Sport Wrap",
		"material": "1.60"
	}`
	require.NoError(t, json.Unmarshal([]byte(body), &in))

	a, err := e.Score(in)
	require.NoError(t, err)
	assert.Contains(t, a.IgnoredFields, "right.add")
	assert.Contains(t, a.IgnoredFields, "right.axis")
	assert.Equal(t, SeverityWarning, a.Severity)
}

func TestScore_QCWarnings(t *testing.T) {
	e := newTestEngine(t)
	a, err := e.Score(PrescriptionInput{Right: &EyeRx{Sphere: Of(-16), Cylinder: Of(-7)}})
	require.NoError(t, err)
	assert.Len(t, a.QCWarnings, 2)
	assert.Empty(t, a.IgnoredFields)
}

func TestScore_AgeHint(t *testing.T) {
	e := newTestEngine(t)
	age := 52
	a, err := e.Score(PrescriptionInput{
		Right:      &EyeRx{Sphere: Of(-9)},
		Left:       &EyeRx{Sphere: Of(-9)},
		Material:   "cr-39",
		FrameType:  "wrap",
		BaseCurve:  Of(8),
		PatientAge: &age,
	})
	require.NoError(t, err)
	require.NotNil(t, a.Recommendation)
	assert.Contains(t, a.Recommendation.Explanation, "progressive")
}

func TestNewEngine_InvalidThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighThreshold = 0.7
	_, err := NewEngine(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig().WithWeights(map[string]float64{FactorHighPrism: 1.5})
	_, err = NewEngine(cfg)
	assert.Error(t, err)
}

func TestNewEngine_UnknownWeightKey(t *testing.T) {
	cfg := DefaultConfig().WithWeights(map[string]float64{"high_add": 0.5, "prizm": 0.1})
	_, err := NewEngine(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown risk factor high_add, prizm")

	_, err = NewEngineWithFactors(Config{
		Weights:           map[string]float64{"fixed": 0.3},
		HighThreshold:     0.3,
		CriticalThreshold: 0.6,
	}, []Factor{fixedFactor("other", 1)})
	assert.ErrorContains(t, err, "fixed")

	assert.NoError(t, DefaultConfig().CheckFactors(DefaultFactors()))
}
