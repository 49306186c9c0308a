package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which half of the book a level or change belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// BookSource marks where the current book contents came from.
type BookSource string

const (
	SourceStream   BookSource = "stream"
	SourceFallback BookSource = "fallback"
	// SourceDegraded marks a book that failed a consistency check and is
	// waiting for a forced snapshot re-fetch.
	SourceDegraded BookSource = "degraded"
)

// Trend records how a level's size moved relative to the previous view of the
// same price. Set on views only, never on wire data.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendNone Trend = ""
)

// PriceLevel represents a single price level in the order book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Trend Trend           `json:"trend,omitempty"`
}

// MarketStats represents statistics derived from the current book contents.
type MarketStats struct {
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	Spread      decimal.Decimal `json:"spread"`
	MidPrice    decimal.Decimal `json:"mid_price"`
	WeightedMid decimal.Decimal `json:"weighted_mid"`
	BidDepth    decimal.Decimal `json:"bid_depth"`
	AskDepth    decimal.Decimal `json:"ask_depth"`
	BidLevels   int             `json:"bid_levels"`
	AskLevels   int             `json:"ask_levels"`
}

// BookView is the consumer-facing snapshot of the order book. Bids are sorted
// descending and asks ascending, both truncated to the configured depth.
type BookView struct {
	InstrumentID   string          `json:"instrument_id"`
	Bids           []PriceLevel    `json:"bids"`
	Asks           []PriceLevel    `json:"asks"`
	Sequence       int64           `json:"sequence"`
	LastUpdated    time.Time       `json:"last_updated"`
	Source         BookSource      `json:"source"`
	TickSize       decimal.Decimal `json:"tick_size"`
	LastTradePrice decimal.Decimal `json:"last_trade_price"`
	LastTradeSide  Side            `json:"last_trade_side,omitempty"`
	Stats          MarketStats     `json:"stats"`
}

// FeedStateKind enumerates the supervisor's connection states.
type FeedStateKind string

const (
	FeedDisconnected    FeedStateKind = "disconnected"
	FeedConnecting      FeedStateKind = "connecting"
	FeedStreaming       FeedStateKind = "streaming"
	FeedDegraded        FeedStateKind = "degraded"
	FeedFallbackPolling FeedStateKind = "fallback_polling"
)

// FeedStatus represents the externally visible state of the active feed.
// Failure is empty while the feed is healthy; once the retry budget is spent
// it carries a user-visible description and the last-known-good book stays up.
type FeedStatus struct {
	State          FeedStateKind `json:"state"`
	Since          time.Time     `json:"since"`
	Reason         string        `json:"reason,omitempty"`
	Failure        string        `json:"failure,omitempty"`
	InstrumentID   string        `json:"instrument_id,omitempty"`
	StreamAttempts int           `json:"stream_attempts"`
}

// PricePoint represents one sample of the price history series.
type PricePoint struct {
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}
