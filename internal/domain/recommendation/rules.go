package recommendation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ils/insight/internal/domain/sales"
)

// Candidate is a rule's proposal before deduplication against stored
// recommendations.
type Candidate struct {
	Type       Type     `json:"type"`
	SubjectKey string   `json:"subject_key"`
	Priority   Priority `json:"priority"`
	Title      string   `json:"title"`
	Rationale  string   `json:"rationale"`
	Impact     Impact   `json:"estimated_impact"`
}

// Rule is one pure generator of the synthesis battery.
type Rule struct {
	Name     string
	Generate func(agg *sales.SalesAggregate, cfg Config) []Candidate
}

// DefaultRules returns the battery in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "stocking", Generate: stockingRule},
		{Name: "destocking", Generate: destockingRule},
		{Name: "error_reduction", Generate: errorRule},
		{Name: "defect_rate", Generate: defectRateRule},
		{Name: "cross_sell", Generate: crossSellRule},
	}
}

// Synthesize runs every rule over the aggregate and returns the candidates
// ordered by type then subject key. An empty aggregate yields none.
func Synthesize(agg *sales.SalesAggregate, cfg Config, rules []Rule) []Candidate {
	if agg == nil {
		return nil
	}
	var out []Candidate
	for _, r := range rules {
		out = append(out, r.Generate(agg, cfg)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].SubjectKey < out[j].SubjectKey
	})
	return out
}

// priorityFor grades how far count is above threshold, relative to threshold.
func priorityFor(count, threshold float64) Priority {
	if threshold <= 0 {
		return PriorityHigh
	}
	excess := (count - threshold) / threshold
	switch {
	case excess < 0.25:
		return PriorityLow
	case excess < 0.75:
		return PriorityMedium
	default:
		return PriorityHigh
	}
}

func impact(v decimal.Decimal, unit ImpactUnit) Impact {
	return Impact{Value: v.Round(2), Unit: unit}
}

func stockingRule(agg *sales.SalesAggregate, cfg Config) []Candidate {
	var out []Candidate
	for _, key := range agg.SortedProducts() {
		freq := agg.ProductFrequency[key]
		product, known := agg.Products[key]
		if freq <= cfg.StockingSupport || (known && product.PreStocked) {
			continue
		}
		if !known {
			product = sales.Product{Key: key}
		}
		hours, ok := product.ProductionHours()
		if !ok {
			hours = cfg.DefaultTurnaroundHours
		}
		saved := decimal.NewFromInt(int64(freq)).Mul(decimal.NewFromFloat(hours))
		out = append(out, Candidate{
			Type:       TypeStocking,
			SubjectKey: key,
			Priority:   priorityFor(float64(freq), float64(cfg.StockingSupport)),
			Title:      fmt.Sprintf("Stock %s on hand", product.DisplayName()),
			Rationale: fmt.Sprintf("%s was ordered %d times between %s and %s, above the stocking support of %d, but is made to order. Keeping it in stock saves about %.1f hours of lab time per order.",
				product.DisplayName(), freq, agg.WindowStart.Format("2006-01-02"), agg.WindowEnd.Format("2006-01-02"), cfg.StockingSupport, hours),
			Impact: impact(saved, UnitHours),
		})
	}
	return out
}

func destockingRule(agg *sales.SalesAggregate, cfg Config) []Candidate {
	median := agg.MedianFrequency()
	if median == 0 {
		return nil
	}
	keys := make([]string, 0, len(agg.Products))
	for k := range agg.Products {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Candidate
	for _, key := range keys {
		p := agg.Products[key]
		freq := agg.ProductFrequency[key]
		if !p.PreStocked || freq >= cfg.DestockBelow || float64(freq) >= median {
			continue
		}
		shortfall := decimal.NewFromFloat((median - float64(freq)) / median * 100)
		out = append(out, Candidate{
			Type:       TypeStocking,
			SubjectKey: "destock:" + key,
			Priority:   PriorityLow,
			Title:      fmt.Sprintf("Reduce stock of %s", p.DisplayName()),
			Rationale: fmt.Sprintf("%s is pre-stocked but sold %d times in the window, against a median of %.1f across products.",
				p.DisplayName(), freq, median),
			Impact: impact(shortfall, UnitPercent),
		})
	}
	return out
}

func errorRule(agg *sales.SalesAggregate, cfg Config) []Candidate {
	var out []Candidate
	for _, category := range agg.SortedCategories() {
		count := agg.ErrorsByCategory[category]
		if count <= cfg.ErrorThreshold {
			continue
		}
		perError := cfg.DefaultCostPerError
		if cost, ok := agg.ErrorCost[category]; ok && cost.IsPositive() {
			perError = cost.Div(decimal.NewFromInt(int64(count)))
		}
		typ, title := TypeErrorReduction, fmt.Sprintf("Reduce %s errors", category)
		if cfg.isBreakage(category) {
			typ, title = TypeBreakageReduction, fmt.Sprintf("Reduce %s breakage", category)
		}
		out = append(out, Candidate{
			Type:       typ,
			SubjectKey: category,
			Priority:   priorityFor(float64(count), float64(cfg.ErrorThreshold)),
			Title:      title,
			Rationale: fmt.Sprintf("%d %s exceptions were recorded in the window, above the threshold of %d. Average cost per error is %s.",
				count, category, cfg.ErrorThreshold, perError.StringFixed(2)),
			Impact: impact(perError.Mul(decimal.NewFromInt(int64(count))), UnitCurrency),
		})
	}
	return out
}

func defectRateRule(agg *sales.SalesAggregate, cfg Config) []Candidate {
	if agg.TotalUnits == 0 || agg.DefectRate <= cfg.MaxDefectRate {
		return nil
	}
	return []Candidate{{
		Type:       TypeBreakageReduction,
		SubjectKey: "defect_rate",
		Priority:   priorityFor(agg.DefectRate, cfg.MaxDefectRate),
		Title:      "Bring the overall defect rate down",
		Rationale: fmt.Sprintf("%d of %d units (%.1f%%) had a recorded error or return, above the %.1f%% ceiling.",
			agg.DefectUnits, agg.TotalUnits, agg.DefectRate*100, cfg.MaxDefectRate*100),
		Impact: impact(decimal.NewFromFloat((agg.DefectRate-cfg.MaxDefectRate)*100), UnitPercent),
	}}
}

func crossSellRule(agg *sales.SalesAggregate, cfg Config) []Candidate {
	var out []Candidate
	for _, pair := range agg.SortedPairs() {
		together := agg.CoPurchasePairs[pair]
		if together < cfg.CrossSellSupport {
			continue
		}
		for _, anchor := range []string{pair.A, pair.B} {
			freq := agg.ProductFrequency[anchor]
			missed := freq - together
			if freq <= 0 || missed <= 0 || float64(missed)/float64(freq) < cfg.MinMissRatio {
				continue
			}
			attach := pair.Other(anchor)
			margin := cfg.DefaultAttachMargin
			name := attach
			if p, ok := agg.Products[attach]; ok {
				name = p.DisplayName()
				if p.UnitMargin.Valid {
					margin = p.UnitMargin.Decimal
				}
			}
			anchorName := anchor
			if p, ok := agg.Products[anchor]; ok {
				anchorName = p.DisplayName()
			}
			out = append(out, Candidate{
				Type:       TypeCrossSell,
				SubjectKey: anchor + ">" + attach,
				Priority:   priorityFor(float64(together), float64(cfg.CrossSellSupport)),
				Title:      fmt.Sprintf("Offer %s with %s", name, anchorName),
				Rationale: fmt.Sprintf("%s and %s were bought together %d times, but %d of %d %s orders went without %s.",
					anchorName, name, together, missed, freq, anchorName, name),
				Impact: impact(margin.Mul(decimal.NewFromInt(int64(missed))), UnitCurrency),
			})
		}
	}
	return out
}
