package recommendation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Config holds the rule thresholds. All values are tunable; the defaults are
// starting points, not calibrated constants.
type Config struct {
	// StockingSupport is the frequency a non-stocked product must exceed.
	StockingSupport int
	// DestockBelow flags pre-stocked products sold fewer times than this.
	DestockBelow int
	// DefaultTurnaroundHours is used when a product has no lens attributes.
	DefaultTurnaroundHours float64

	ErrorThreshold      int
	BreakageCategories  []string
	DefaultCostPerError decimal.Decimal
	MaxDefectRate       float64

	CrossSellSupport    int
	MinMissRatio        float64
	DefaultAttachMargin decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		StockingSupport:        50,
		DestockBelow:           5,
		DefaultTurnaroundHours: 24,
		ErrorThreshold:         10,
		BreakageCategories:     []string{"breakage", "chipped", "cracked", "edging"},
		DefaultCostPerError:    decimal.NewFromInt(35),
		MaxDefectRate:          0.05,
		CrossSellSupport:       20,
		MinMissRatio:           0.3,
		DefaultAttachMargin:    decimal.NewFromInt(25),
	}
}

func (c Config) Validate() error {
	if c.StockingSupport <= 0 {
		return fmt.Errorf("stocking support must be positive")
	}
	if c.ErrorThreshold <= 0 {
		return fmt.Errorf("error threshold must be positive")
	}
	if c.CrossSellSupport <= 0 {
		return fmt.Errorf("cross-sell support must be positive")
	}
	if c.MinMissRatio < 0 || c.MinMissRatio > 1 {
		return fmt.Errorf("min miss ratio must be within [0,1], got %v", c.MinMissRatio)
	}
	if c.MaxDefectRate <= 0 || c.MaxDefectRate >= 1 {
		return fmt.Errorf("max defect rate must be within (0,1), got %v", c.MaxDefectRate)
	}
	if c.DefaultTurnaroundHours < 0 || c.DefaultCostPerError.IsNegative() || c.DefaultAttachMargin.IsNegative() {
		return fmt.Errorf("impact defaults must not be negative")
	}
	return nil
}

func (c Config) isBreakage(category string) bool {
	for _, b := range c.BreakageCategories {
		if strings.EqualFold(strings.TrimSpace(b), category) {
			return true
		}
	}
	return false
}
