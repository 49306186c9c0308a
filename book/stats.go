package book

import (
	"github.com/shopspring/decimal"

	"polyflow/models"
)

var two = decimal.NewFromInt(2)

// computeStats derives market statistics from the reported levels. The
// weighted mid is the size-weighted midpoint of the touch.
func computeStats(bids, asks []models.PriceLevel) models.MarketStats {
	stats := models.MarketStats{
		BidLevels: len(bids),
		AskLevels: len(asks),
	}
	for _, l := range bids {
		stats.BidDepth = stats.BidDepth.Add(l.Size)
	}
	for _, l := range asks {
		stats.AskDepth = stats.AskDepth.Add(l.Size)
	}

	if len(bids) > 0 {
		stats.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		stats.BestAsk = asks[0].Price
	}
	if len(bids) == 0 || len(asks) == 0 {
		return stats
	}

	stats.Spread = stats.BestAsk.Sub(stats.BestBid)
	stats.MidPrice = stats.BestBid.Add(stats.BestAsk).Div(two)

	touchSize := bids[0].Size.Add(asks[0].Size)
	if touchSize.Sign() > 0 {
		stats.WeightedMid = stats.BestBid.Mul(asks[0].Size).
			Add(stats.BestAsk.Mul(bids[0].Size)).
			Div(touchSize)
	} else {
		stats.WeightedMid = stats.MidPrice
	}

	return stats
}
