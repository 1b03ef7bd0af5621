package analysis

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Entry is one category's slice of a breakdown.
type Entry struct {
	Category   string
	Amount     decimal.Decimal
	Percentage decimal.Decimal // 0..100, scale 4
}

// Breakdown groups exposure amounts by one dimension (region or sector).
// Every known category has an entry, zero-amount categories included, in a
// fixed reporting order. Percentages sum to ~100 within rounding epsilon
// when the total is positive.
type Breakdown struct {
	entries []Entry
	index   map[string]int
}

// newBreakdown builds a breakdown over the given ordered categories.
// amounts may omit categories; missing ones get explicit zero entries.
func newBreakdown(categories []string, amounts map[string]decimal.Decimal, total decimal.Decimal) Breakdown {
	b := Breakdown{
		entries: make([]Entry, 0, len(categories)),
		index:   make(map[string]int, len(categories)),
	}

	for _, category := range categories {
		amount, ok := amounts[category]
		if !ok {
			amount = decimal.Zero
		}

		percentage := decimal.Zero
		if total.IsPositive() {
			percentage = amount.Div(total).Mul(hundred).Round(4)
		}

		b.index[category] = len(b.entries)
		b.entries = append(b.entries, Entry{
			Category:   category,
			Amount:     amount,
			Percentage: percentage,
		})
	}

	return b
}

// Entries returns the breakdown entries in reporting order.
func (b Breakdown) Entries() []Entry {
	return b.entries
}

// Get returns the entry for a category and whether it exists.
func (b Breakdown) Get(category string) (Entry, bool) {
	i, ok := b.index[category]
	if !ok {
		return Entry{}, false
	}
	return b.entries[i], true
}

// shares returns each category's fraction of the total (0..1), skipping
// zero-amount categories. Shares are fractions, not percentages - the HHI
// calculation squares these directly.
func (b Breakdown) shares(total decimal.Decimal) []decimal.Decimal {
	if !total.IsPositive() {
		return nil
	}

	shares := make([]decimal.Decimal, 0, len(b.entries))
	for _, e := range b.entries {
		if e.Amount.IsZero() {
			continue
		}
		shares = append(shares, e.Amount.Div(total))
	}
	return shares
}
