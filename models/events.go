package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags a BookEvent with the update it carries.
type EventKind string

const (
	EventSnapshot   EventKind = "snapshot"
	EventDelta      EventKind = "delta"
	EventHeartbeat  EventKind = "heartbeat"
	EventDisconnect EventKind = "disconnect"
	EventTickSize   EventKind = "tick_size"
	EventLastTrade  EventKind = "last_trade"
)

// LevelChange represents a single price level mutation within a delta event.
// A zero size removes the level.
type LevelChange struct {
	Side  Side            `json:"side"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookEvent represents one normalized update from a transport. Events are
// produced by the stream or fallback transport, consumed exactly once by the
// reconciler and never retained after application. SessionID identifies the
// producing session so updates from a torn-down instrument can be discarded.
type BookEvent struct {
	Kind         EventKind
	SessionID    string
	InstrumentID string
	Sequence     int64
	Source       BookSource
	Received     time.Time

	// Snapshot payload
	Bids []PriceLevel
	Asks []PriceLevel

	// Delta payload: one or more level changes sharing Sequence
	Changes []LevelChange

	// Tick size change payload
	TickSize decimal.Decimal

	// Last trade payload
	TradePrice decimal.Decimal
	TradeSize  decimal.Decimal
	TradeSide  Side

	// Disconnect payload
	Reason string
}
