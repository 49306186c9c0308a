// Package catalog lists watchable Polymarket instruments from the CLOB
// sampling-markets endpoint and resolves user selections to outcome tokens.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	appconfig "polyflow/config"
	"polyflow/logger"
	"polyflow/models"
)

// terminalCursor is returned by the CLOB on the last page.
const terminalCursor = "LTE="

// MarketFetcher is the slice of the REST client the catalog needs.
type MarketFetcher interface {
	FetchSamplingMarkets(ctx context.Context, cursor string) (models.SamplingMarketsResponse, error)
}

// Service pages the sampling-markets endpoint and converts raw markets into
// instruments the feed can subscribe to.
type Service struct {
	fetcher    MarketFetcher
	maxMarkets int
	log        *logger.Entry
}

func NewService(cfg *appconfig.Config, fetcher MarketFetcher) *Service {
	return &Service{
		fetcher:    fetcher,
		maxMarkets: cfg.Catalog.MaxMarkets,
		log:        logger.GetLogger().WithComponent("catalog"),
	}
}

// ListInstruments walks the cursor pagination until the terminal cursor, an
// empty or repeated cursor, or the configured market cap. Markets that are
// inactive, closed, not accepting orders, or missing their two outcome tokens
// are dropped. Results are sorted by question for stable display.
func (s *Service) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	var (
		instruments []models.Instrument
		cursor      string
		pages       int
		scanned     int
	)
	seen := make(map[string]bool)

	for {
		page, err := s.fetcher.FetchSamplingMarkets(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("fetch sampling markets page %d: %w", pages, err)
		}
		pages++
		scanned += len(page.Data)

		for _, market := range page.Data {
			inst, ok := instrumentFromMarket(market)
			if !ok {
				continue
			}
			instruments = append(instruments, inst)
		}

		if s.maxMarkets > 0 && scanned >= s.maxMarkets {
			s.log.WithFields(logger.Fields{
				"max_markets": s.maxMarkets,
				"pages":       pages,
			}).Warn("market cap reached, stopping pagination")
			break
		}

		next := page.NextCursor
		if next == "" || next == terminalCursor || next == cursor || seen[next] {
			break
		}
		seen[next] = true
		cursor = next
	}

	sort.Slice(instruments, func(i, j int) bool {
		return strings.ToLower(instruments[i].Question) < strings.ToLower(instruments[j].Question)
	})

	s.log.WithFields(logger.Fields{
		"pages":       pages,
		"scanned":     scanned,
		"instruments": len(instruments),
	}).Info("market catalog loaded")

	return instruments, nil
}

// instrumentFromMarket keeps only markets worth subscribing to: active, not
// closed, accepting orders, with exactly two tokens that all carry ids.
func instrumentFromMarket(m models.ClobMarket) (models.Instrument, bool) {
	if !m.Active || m.Closed || !m.AcceptingOrders {
		return models.Instrument{}, false
	}
	if len(m.Tokens) != 2 {
		return models.Instrument{}, false
	}

	outcomes := make([]models.Outcome, 0, len(m.Tokens))
	for _, tok := range m.Tokens {
		if tok.TokenID == "" {
			return models.Instrument{}, false
		}
		outcomes = append(outcomes, models.Outcome{
			TokenID: tok.TokenID,
			Name:    tok.Outcome,
			Price:   decimal.NewFromFloat(tok.Price),
		})
	}

	return models.Instrument{
		ConditionID: m.ConditionID,
		Question:    strings.TrimSpace(m.Question),
		Slug:        m.MarketSlug,
		TickSize:    decimal.NewFromFloat(m.MinimumTickSize),
		EndDate:     m.EndDateISO,
		Outcomes:    outcomes,
	}, true
}

// Search filters instruments by case-insensitive substring match over the
// question and slug. An empty query returns the input unchanged.
func Search(instruments []models.Instrument, query string) []models.Instrument {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return instruments
	}

	var out []models.Instrument
	for _, inst := range instruments {
		if strings.Contains(strings.ToLower(inst.Question), q) ||
			strings.Contains(strings.ToLower(inst.Slug), q) {
			out = append(out, inst)
		}
	}
	return out
}

// Resolve maps a user-supplied key to an instrument and the token to
// subscribe with. A key matching an outcome token id selects that token; a
// key matching a condition id or slug selects the instrument's primary token.
func Resolve(instruments []models.Instrument, key string) (models.Instrument, string, bool) {
	for _, inst := range instruments {
		for _, o := range inst.Outcomes {
			if o.TokenID == key {
				return inst, o.TokenID, true
			}
		}
	}
	for _, inst := range instruments {
		if inst.ConditionID == key || inst.Slug == key {
			return inst, inst.PrimaryToken(), true
		}
	}
	return models.Instrument{}, "", false
}
