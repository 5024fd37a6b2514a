package risk

import (
	"fmt"
	"strings"
)

const coatingAntiReflective = "anti_reflective"

type recommendRule func(in *PrescriptionInput, f RiskFactor) LensRecommendation

// decisionTable maps the dominant factor to a replacement configuration.
// Factors without an entry yield no recommendation.
var decisionTable = map[string]recommendRule{
	FactorHighAddProgressive: func(in *PrescriptionInput, f RiskFactor) LensRecommendation {
		return LensRecommendation{
			LensType:    "progressive_wide_corridor",
			Material:    stepUpMaterial(in.Material),
			Coating:     coatingAntiReflective,
			Explanation: "wider corridor design and a thinner higher-index material ease high-add adaptation",
		}
	},
	FactorWrapFrameMismatch: func(in *PrescriptionInput, f RiskFactor) LensRecommendation {
		return LensRecommendation{
			LensType:    orDefault(in.LensType, "single_vision") + "_wrap_compensated",
			Material:    orDefault(in.Material, "polycarbonate"),
			Coating:     coatingAntiReflective,
			Explanation: "compensate for wrap tilt with an adjusted base curve and reduce reflections",
		}
	},
	FactorAnisometropia: func(in *PrescriptionInput, f RiskFactor) LensRecommendation {
		return LensRecommendation{
			LensType:    orDefault(in.LensType, "single_vision") + "_slab_off",
			Material:    "1.67",
			Coating:     coatingAntiReflective,
			Explanation: "balance image size and vertical imbalance between eyes",
		}
	},
	FactorHighPrism: func(in *PrescriptionInput, f RiskFactor) LensRecommendation {
		return LensRecommendation{
			LensType:    orDefault(in.LensType, "single_vision") + "_prism_thinned",
			Material:    "1.67",
			Coating:     coatingAntiReflective,
			Explanation: "reduce prism thickness and chromatic aberration",
		}
	},
	FactorMaterialCoatingMismatch: func(in *PrescriptionInput, f RiskFactor) LensRecommendation {
		return LensRecommendation{
			LensType:    orDefault(in.LensType, "single_vision"),
			Material:    in.Material,
			Coating:     coatingAntiReflective + "_hard_coat",
			Explanation: "high-index surfaces need anti-reflective and scratch-resistant coating",
		}
	},
	FactorHighPowerLowIndex: func(in *PrescriptionInput, f RiskFactor) LensRecommendation {
		material := "1.67"
		if p, ok := maxOver(in.eyes(), (*EyeRx).maxMeridian); ok && p >= 6 {
			material = "1.74"
		}
		return LensRecommendation{
			LensType:    orDefault(in.LensType, "single_vision") + "_aspheric",
			Material:    material,
			Coating:     coatingAntiReflective,
			Explanation: "a higher-index aspheric lens cuts edge thickness and weight",
		}
	},
	FactorHighCylinder: func(in *PrescriptionInput, f RiskFactor) LensRecommendation {
		return LensRecommendation{
			LensType:    orDefault(in.LensType, "single_vision") + "_atoric",
			Material:    orDefault(in.Material, "1.60"),
			Coating:     coatingAntiReflective,
			Explanation: "atoric surfacing reduces peripheral distortion for high cylinder",
		}
	},
}

func recommend(in *PrescriptionInput, a *RiskAssessment) *LensRecommendation {
	dominant, ok := a.Dominant()
	if !ok {
		return nil
	}
	rule, ok := decisionTable[dominant.Key]
	if !ok {
		return nil
	}
	rec := rule(in, dominant)
	if in.PatientAge != nil && *in.PatientAge >= 40 && strings.TrimSpace(in.LensType) == "" {
		rec.Explanation += "; patient is 40 or older, consider a progressive design"
	}
	return &rec
}

var indexSteps = []float64{1.60, 1.67, 1.74}

// stepUpMaterial returns the next index above the current material. Unknown
// materials default to 1.67.
func stepUpMaterial(material string) string {
	idx, ok := materialIndex(material)
	if !ok {
		return "1.67"
	}
	for _, s := range indexSteps {
		if idx < s-0.001 {
			return fmt.Sprintf("%.2f", s)
		}
	}
	return "1.74"
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
