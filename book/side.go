package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"polyflow/models"
)

// normalizeSide sorts levels into book order (bids descending, asks
// ascending), drops zero or negative sizes and collapses duplicate prices,
// keeping the later entry.
func normalizeSide(levels []models.PriceLevel, side models.Side) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Size.Sign() <= 0 {
			continue
		}
		out = append(out, models.PriceLevel{Price: l.Price, Size: l.Size})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if side == models.SideBid {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})

	deduped := out[:0]
	for _, l := range out {
		if n := len(deduped); n > 0 && deduped[n-1].Price.Equal(l.Price) {
			deduped[n-1] = l
			continue
		}
		deduped = append(deduped, l)
	}
	return deduped
}

// applyChange inserts, updates or removes a single level, preserving the
// side's ordering. Removing an absent level is a no-op.
func applyChange(levels []models.PriceLevel, side models.Side, price, size decimal.Decimal) []models.PriceLevel {
	idx, found := findLevel(levels, side, price)

	if size.Sign() <= 0 {
		if !found {
			return levels
		}
		return append(levels[:idx], levels[idx+1:]...)
	}

	if found {
		switch {
		case size.GreaterThan(levels[idx].Size):
			levels[idx].Trend = models.TrendUp
		case size.LessThan(levels[idx].Size):
			levels[idx].Trend = models.TrendDown
		}
		levels[idx].Size = size
		return levels
	}

	levels = append(levels, models.PriceLevel{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = models.PriceLevel{Price: price, Size: size, Trend: models.TrendUp}
	return levels
}

// findLevel locates a price within a sorted side. The returned index is the
// insertion point when the price is absent.
func findLevel(levels []models.PriceLevel, side models.Side, price decimal.Decimal) (int, bool) {
	idx := sort.Search(len(levels), func(i int) bool {
		if side == models.SideBid {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})
	if idx < len(levels) && levels[idx].Price.Equal(price) {
		return idx, true
	}
	return idx, false
}

// isCrossed reports whether the best bid meets or exceeds the best ask.
func isCrossed(bids, asks []models.PriceLevel) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}
	return bids[0].Price.GreaterThanOrEqual(asks[0].Price)
}
