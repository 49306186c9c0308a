package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Outcome represents one tradable outcome of a market.
type Outcome struct {
	TokenID string          `json:"token_id"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
}

// Instrument represents the catalog metadata needed to watch a market: the
// outcome tokens to subscribe with, the tick size, and display fields.
type Instrument struct {
	ConditionID string          `json:"condition_id"`
	Question    string          `json:"question"`
	Slug        string          `json:"slug"`
	TickSize    decimal.Decimal `json:"tick_size"`
	EndDate     string          `json:"end_date"`
	Outcomes    []Outcome       `json:"outcomes"`
}

// PrimaryToken returns the token id of the first outcome, the default
// subscription target when no explicit token is selected.
func (in Instrument) PrimaryToken() string {
	if len(in.Outcomes) == 0 {
		return ""
	}
	return in.Outcomes[0].TokenID
}

// OutcomeForToken returns the outcome matching the given token id.
func (in Instrument) OutcomeForToken(tokenID string) (Outcome, bool) {
	for _, o := range in.Outcomes {
		if o.TokenID == tokenID {
			return o, true
		}
	}
	return Outcome{}, false
}

// MentionsBitcoin reports whether the market question references Bitcoin,
// which enables the external reference price feed.
func (in Instrument) MentionsBitcoin() bool {
	q := strings.ToLower(in.Question)
	return strings.Contains(q, "bitcoin") || strings.Contains(q, "btc")
}
