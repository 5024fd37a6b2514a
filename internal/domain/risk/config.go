package risk

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultHighThreshold     = 0.30
	DefaultCriticalThreshold = 0.60
)

// Config carries the weight table and severity thresholds. It is passed to
// NewEngine explicitly so callers and tests can swap calibrations.
type Config struct {
	Weights           map[string]float64
	HighThreshold     float64
	CriticalThreshold float64
}

// DefaultConfig returns the shipped calibration.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			FactorHighAddProgressive:      0.30,
			FactorAnisometropia:           0.25,
			FactorHighPrism:               0.20,
			FactorWrapFrameMismatch:       0.20,
			FactorRxChange:                0.20,
			FactorMaterialCoatingMismatch: 0.15,
			FactorHighPowerLowIndex:       0.15,
			FactorHighCylinder:            0.10,
		},
		HighThreshold:     DefaultHighThreshold,
		CriticalThreshold: DefaultCriticalThreshold,
	}
}

// WithWeights returns a copy of c with the given weights overridden.
func (c Config) WithWeights(overrides map[string]float64) Config {
	out := c
	out.Weights = make(map[string]float64, len(c.Weights)+len(overrides))
	for k, v := range c.Weights {
		out.Weights[k] = v
	}
	for k, v := range overrides {
		out.Weights[k] = v
	}
	return out
}

// Validate checks threshold ordering and weight ranges.
func (c Config) Validate() error {
	if c.HighThreshold <= 0 || c.HighThreshold >= c.CriticalThreshold || c.CriticalThreshold > 1 {
		return fmt.Errorf("risk thresholds must satisfy 0 < high (%.2f) < critical (%.2f) <= 1",
			c.HighThreshold, c.CriticalThreshold)
	}
	keys := make([]string, 0, len(c.Weights))
	for k := range c.Weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if w := c.Weights[k]; w < 0 || w > 1 {
			return fmt.Errorf("weight for %s must be within [0,1], got %.2f", k, w)
		}
	}
	return nil
}

// CheckFactors rejects weights keyed to no factor in the list, which is
// almost always a typo in an override.
func (c Config) CheckFactors(factors []Factor) error {
	known := make(map[string]bool, len(factors))
	names := make([]string, 0, len(factors))
	for _, f := range factors {
		known[f.Key] = true
		names = append(names, f.Key)
	}
	var unknown []string
	for k := range c.Weights {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	sort.Strings(names)
	return fmt.Errorf("unknown risk factor %s (known: %s)", strings.Join(unknown, ", "), strings.Join(names, ", "))
}

// ParseWeights parses "key=value,key=value" overrides as used in RISK_WEIGHTS.
func ParseWeights(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid weight %q: expected key=value", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight for %s: %w", k, err)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}
