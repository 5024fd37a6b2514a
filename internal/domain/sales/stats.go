package sales

import "sort"

// MedianFrequency returns the median product frequency, or 0 for no products.
func (a *SalesAggregate) MedianFrequency() float64 {
	if len(a.ProductFrequency) == 0 {
		return 0
	}
	counts := make([]int, 0, len(a.ProductFrequency))
	for _, n := range a.ProductFrequency {
		counts = append(counts, n)
	}
	sort.Ints(counts)
	mid := len(counts) / 2
	if len(counts)%2 == 1 {
		return float64(counts[mid])
	}
	return float64(counts[mid-1]+counts[mid]) / 2
}

// SortedProducts returns the product keys seen in the window in key order.
func (a *SalesAggregate) SortedProducts() []string {
	keys := make([]string, 0, len(a.ProductFrequency))
	for k := range a.ProductFrequency {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SortedPairs returns the co-purchase pairs ordered by key.
func (a *SalesAggregate) SortedPairs() []PairKey {
	pairs := make([]PairKey, 0, len(a.CoPurchasePairs))
	for p := range a.CoPurchasePairs {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	return pairs
}

// SortedCategories returns error categories in name order.
func (a *SalesAggregate) SortedCategories() []string {
	cats := make([]string, 0, len(a.ErrorsByCategory))
	for c := range a.ErrorsByCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}
