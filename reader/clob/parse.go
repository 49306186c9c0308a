package clob

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"polyflow/logger"
	"polyflow/models"
)

// parseSide maps the CLOB's side spellings to the internal one. The stream
// sends BUY/SELL, the REST book uses bid/ask.
func parseSide(s string) (models.Side, bool) {
	switch strings.ToLower(s) {
	case "buy", "bid", "bids":
		return models.SideBid, true
	case "sell", "ask", "asks":
		return models.SideAsk, true
	default:
		return "", false
	}
}

// parseTimestamp returns the CLOB millisecond timestamp as a sequence value,
// falling back to the receive time when missing or malformed.
func parseTimestamp(ts string, received time.Time) int64 {
	if v, err := strconv.ParseInt(ts, 10, 64); err == nil && v > 0 {
		return v
	}
	return received.UnixMilli()
}

func parseLevels(log *logger.Entry, levels []models.ClobLevel) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(levels))
	for _, l := range levels {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"raw_price": l.Price}).Warn("failed to parse level price")
			continue
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"raw_size": l.Size}).Warn("failed to parse level size")
			continue
		}
		out = append(out, models.PriceLevel{Price: price, Size: size})
	}
	return out
}

// BookMessageToEvent wraps a full book image as a snapshot event. Both the
// stream's book messages and the REST /book responses share this shape.
func BookMessageToEvent(msg models.ClobBookMessage, sessionID, instrumentID string, source models.BookSource, received time.Time) models.BookEvent {
	log := logger.GetLogger().WithComponent("clob_parse").WithFields(logger.Fields{"instrument": instrumentID})
	return models.BookEvent{
		Kind:         models.EventSnapshot,
		SessionID:    sessionID,
		InstrumentID: instrumentID,
		Sequence:     parseTimestamp(msg.Timestamp, received),
		Source:       source,
		Received:     received,
		Bids:         parseLevels(log, msg.Bids),
		Asks:         parseLevels(log, msg.Asks),
	}
}

// parseStreamPayload converts one websocket payload into book events. The
// stream batches messages into JSON arrays, with the occasional bare object,
// and answers keepalives with a literal PONG.
func parseStreamPayload(log *logger.Entry, payload []byte, sessionID, instrumentID string, received time.Time) []models.BookEvent {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "PONG" {
		return nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(payload, &raws); err != nil {
		raws = []json.RawMessage{json.RawMessage(payload)}
	}

	events := make([]models.BookEvent, 0, len(raws))
	for _, raw := range raws {
		var envelope models.ClobEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			log.WithError(err).Warn("failed to decode stream message")
			continue
		}

		switch envelope.EventType {
		case "book":
			var msg models.ClobBookMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				log.WithError(err).Warn("failed to decode book message")
				continue
			}
			if msg.AssetID != instrumentID {
				continue
			}
			events = append(events, models.BookEvent{
				Kind:         models.EventSnapshot,
				SessionID:    sessionID,
				InstrumentID: instrumentID,
				Sequence:     parseTimestamp(msg.Timestamp, received),
				Source:       models.SourceStream,
				Received:     received,
				Bids:         parseLevels(log, msg.Bids),
				Asks:         parseLevels(log, msg.Asks),
			})

		case "price_change":
			var msg models.ClobPriceChangeMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				log.WithError(err).Warn("failed to decode price change message")
				continue
			}
			if msg.AssetID != instrumentID {
				continue
			}
			changes := make([]models.LevelChange, 0, len(msg.Changes))
			for _, c := range msg.Changes {
				side, ok := parseSide(c.Side)
				if !ok {
					log.WithFields(logger.Fields{"raw_side": c.Side}).Warn("unknown price change side")
					continue
				}
				price, err := decimal.NewFromString(c.Price)
				if err != nil {
					log.WithError(err).WithFields(logger.Fields{"raw_price": c.Price}).Warn("failed to parse change price")
					continue
				}
				size, err := decimal.NewFromString(c.Size)
				if err != nil {
					log.WithError(err).WithFields(logger.Fields{"raw_size": c.Size}).Warn("failed to parse change size")
					continue
				}
				changes = append(changes, models.LevelChange{Side: side, Price: price, Size: size})
			}
			if len(changes) == 0 {
				continue
			}
			events = append(events, models.BookEvent{
				Kind:         models.EventDelta,
				SessionID:    sessionID,
				InstrumentID: instrumentID,
				Sequence:     parseTimestamp(msg.Timestamp, received),
				Source:       models.SourceStream,
				Received:     received,
				Changes:      changes,
			})

		case "tick_size_change":
			var msg models.ClobTickSizeChangeMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				log.WithError(err).Warn("failed to decode tick size change message")
				continue
			}
			if msg.AssetID != instrumentID {
				continue
			}
			tickSize, err := decimal.NewFromString(msg.NewTickSize)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"raw_tick_size": msg.NewTickSize}).Warn("failed to parse tick size")
				continue
			}
			events = append(events, models.BookEvent{
				Kind:         models.EventTickSize,
				SessionID:    sessionID,
				InstrumentID: instrumentID,
				Sequence:     parseTimestamp(msg.Timestamp, received),
				Source:       models.SourceStream,
				Received:     received,
				TickSize:     tickSize,
			})

		case "last_trade_price":
			var msg models.ClobLastTradePriceMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				log.WithError(err).Warn("failed to decode last trade message")
				continue
			}
			if msg.AssetID != instrumentID {
				continue
			}
			price, err := decimal.NewFromString(msg.Price)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"raw_price": msg.Price}).Warn("failed to parse trade price")
				continue
			}
			size, _ := decimal.NewFromString(msg.Size)
			side, _ := parseSide(msg.Side)
			events = append(events, models.BookEvent{
				Kind:         models.EventLastTrade,
				SessionID:    sessionID,
				InstrumentID: instrumentID,
				Sequence:     parseTimestamp(msg.Timestamp, received),
				Source:       models.SourceStream,
				Received:     received,
				TradePrice:   price,
				TradeSize:    size,
				TradeSide:    side,
			})

		default:
			log.WithFields(logger.Fields{"event_type": envelope.EventType}).Debug("unknown stream message type")
		}
	}

	return events
}
