package models

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// WEBSOCKET //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// ClobLevel represents a single price level as sent by the CLOB, with price
// and size as decimal strings.
type ClobLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// ClobEnvelope carries only the event_type discriminator so a message can be
// routed to the right struct before full decoding.
type ClobEnvelope struct {
	EventType string `json:"event_type"`
}

// ClobBookMessage represents a full order book image. The websocket sends it
// with event_type "book" on subscribe and after trades; the REST /book
// endpoint returns the same shape without the event_type field.
type ClobBookMessage struct {
	EventType string      `json:"event_type,omitempty"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Timestamp string      `json:"timestamp"`
	Hash      string      `json:"hash"`
	Bids      []ClobLevel `json:"bids"`
	Asks      []ClobLevel `json:"asks"`
}

// ClobPriceChange represents one level mutation inside a price_change
// message. Side is "BUY" or "SELL"; a size of "0" removes the level.
type ClobPriceChange struct {
	Price string `json:"price"`
	Side  string `json:"side"`
	Size  string `json:"size"`
}

// ClobPriceChangeMessage represents an incremental book update.
type ClobPriceChangeMessage struct {
	EventType string            `json:"event_type"`
	AssetID   string            `json:"asset_id"`
	Market    string            `json:"market"`
	Timestamp string            `json:"timestamp"`
	Hash      string            `json:"hash"`
	Changes   []ClobPriceChange `json:"changes"`
}

// ClobTickSizeChangeMessage represents a change of the minimum price
// increment for an asset.
type ClobTickSizeChangeMessage struct {
	EventType   string `json:"event_type"`
	AssetID     string `json:"asset_id"`
	Market      string `json:"market"`
	Timestamp   string `json:"timestamp"`
	OldTickSize string `json:"old_tick_size"`
	NewTickSize string `json:"new_tick_size"`
}

// ClobLastTradePriceMessage represents the most recent trade for an asset.
type ClobLastTradePriceMessage struct {
	EventType  string `json:"event_type"`
	AssetID    string `json:"asset_id"`
	Market     string `json:"market"`
	Timestamp  string `json:"timestamp"`
	Price      string `json:"price"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	FeeRateBps string `json:"fee_rate_bps"`
}

// ClobSubscribeMessage represents the subscription request sent after the
// websocket connects.
type ClobSubscribeMessage struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// REST /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// ClobToken represents one outcome token of a market.
type ClobToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
	Winner  bool    `json:"winner"`
}

// ClobMarket represents a market entry from the sampling-markets endpoint.
type ClobMarket struct {
	ConditionID     string      `json:"condition_id"`
	QuestionID      string      `json:"question_id"`
	Question        string      `json:"question"`
	MarketSlug      string      `json:"market_slug"`
	Active          bool        `json:"active"`
	Closed          bool        `json:"closed"`
	AcceptingOrders bool        `json:"accepting_orders"`
	MinimumTickSize float64     `json:"minimum_tick_size"`
	EndDateISO      string      `json:"end_date_iso"`
	Tokens          []ClobToken `json:"tokens"`
}

// SamplingMarketsResponse represents one page of the paginated market list.
type SamplingMarketsResponse struct {
	Limit      int          `json:"limit"`
	Count      int          `json:"count"`
	NextCursor string       `json:"next_cursor"`
	Data       []ClobMarket `json:"data"`
}

// ClobPricePoint is one sample from the prices-history endpoint, with a unix
// second timestamp and a float price.
type ClobPricePoint struct {
	T int64   `json:"t"`
	P float64 `json:"p"`
}

// PricesHistoryResponse represents the prices-history endpoint payload.
type PricesHistoryResponse struct {
	History []ClobPricePoint `json:"history"`
}
