package book

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyflow/logger"
	"polyflow/models"
)

// Reconciliation errors. All of them are absorbed by the feed supervisor:
// stale deltas are dropped and counted, a crossed book schedules a forced
// snapshot re-fetch. None of them crosses the core boundary.
var (
	ErrOutOfOrder = errors.New("delta is not newer than applied state")
	ErrNoBaseline = errors.New("delta received before snapshot baseline")
	ErrCrossed    = errors.New("book is crossed")
)

// Counters reports reconciliation outcomes for diagnostics.
type Counters struct {
	SnapshotsApplied int64
	DeltasApplied    int64
	DroppedStale     int64
	CrossedCount     int64
}

// Reconciler owns the canonical order book for one instrument. It applies
// snapshot and delta events under the book invariants and serves read-only
// copies to consumers. A reconciler lives exactly as long as its session:
// switching instruments builds a fresh one, so no state carries over.
type Reconciler struct {
	mu  sync.RWMutex
	log *logger.Log

	instrumentID string
	depth        int

	bids []models.PriceLevel // sorted descending by price
	asks []models.PriceLevel // sorted ascending by price

	sequence       int64
	lastUpdated    time.Time
	source         models.BookSource
	hasBaseline    bool
	tickSize       decimal.Decimal
	lastTradePrice decimal.Decimal
	lastTradeSide  models.Side

	resyncNeeded bool
	resyncCh     chan struct{}

	counters Counters

	now func() time.Time
}

// NewReconciler creates an empty book for the given instrument. Depth only
// truncates what View reports, the full book is kept internally.
func NewReconciler(instrumentID string, depth int) *Reconciler {
	return &Reconciler{
		log:          logger.GetLogger(),
		instrumentID: instrumentID,
		depth:        depth,
		resyncCh:     make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Apply mutates the book with one event. Events are consumed exactly once
// and never retained after application.
func (r *Reconciler) Apply(event models.BookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.InstrumentID != "" && event.InstrumentID != r.instrumentID {
		r.log.WithComponent("book_reconciler").WithFields(logger.Fields{
			"event_instrument": event.InstrumentID,
			"book_instrument":  r.instrumentID,
		}).Warn("event for different instrument dropped")
		return nil
	}

	switch event.Kind {
	case models.EventSnapshot:
		return r.applySnapshot(event)
	case models.EventDelta:
		return r.applyDelta(event)
	case models.EventTickSize:
		r.tickSize = event.TickSize
		r.lastUpdated = r.eventTime(event)
		return nil
	case models.EventLastTrade:
		r.lastTradePrice = event.TradePrice
		r.lastTradeSide = event.TradeSide
		r.lastUpdated = r.eventTime(event)
		return nil
	case models.EventHeartbeat, models.EventDisconnect:
		// Liveness and connection state belong to the supervisor.
		return nil
	default:
		return nil
	}
}

// applySnapshot replaces both sides wholesale and resets the sequence
// baseline. Snapshots are authoritative and always installed, even when
// crossed; a crossed result is marked degraded and a re-fetch is scheduled.
func (r *Reconciler) applySnapshot(event models.BookEvent) error {
	oldBids := sideSizes(r.bids)
	oldAsks := sideSizes(r.asks)

	r.bids = normalizeSide(event.Bids, models.SideBid)
	r.asks = normalizeSide(event.Asks, models.SideAsk)
	markTrends(r.bids, oldBids)
	markTrends(r.asks, oldAsks)

	r.sequence = event.Sequence
	r.lastUpdated = r.eventTime(event)
	r.hasBaseline = true
	r.counters.SnapshotsApplied++

	if isCrossed(r.bids, r.asks) {
		r.source = models.SourceDegraded
		r.requestResync()
		r.log.WithComponent("book_reconciler").WithFields(logger.Fields{
			"instrument": r.instrumentID,
			"best_bid":   r.bids[0].Price.String(),
			"best_ask":   r.asks[0].Price.String(),
			"sequence":   r.sequence,
		}).Warn("snapshot installed with crossed book, re-fetch scheduled")
		return ErrCrossed
	}

	r.source = event.Source
	r.resyncNeeded = false

	r.log.WithComponent("book_reconciler").WithFields(logger.Fields{
		"instrument": r.instrumentID,
		"bids":       len(r.bids),
		"asks":       len(r.asks),
		"sequence":   r.sequence,
		"source":     string(event.Source),
	}).Debug("snapshot applied")

	return nil
}

// applyDelta stages the level changes on copies of both sides and commits
// only if the result is not crossed, so readers never lose the last good
// book to a bad update.
func (r *Reconciler) applyDelta(event models.BookEvent) error {
	if !r.hasBaseline {
		return ErrNoBaseline
	}
	if event.Sequence <= r.sequence {
		r.counters.DroppedStale++
		r.log.WithComponent("book_reconciler").WithFields(logger.Fields{
			"instrument":     r.instrumentID,
			"event_sequence": event.Sequence,
			"book_sequence":  r.sequence,
		}).Debug("stale delta dropped")
		return ErrOutOfOrder
	}

	bids := copyLevels(r.bids)
	asks := copyLevels(r.asks)

	for _, change := range event.Changes {
		switch change.Side {
		case models.SideBid:
			bids = applyChange(bids, models.SideBid, change.Price, change.Size)
		case models.SideAsk:
			asks = applyChange(asks, models.SideAsk, change.Price, change.Size)
		}
	}

	if isCrossed(bids, asks) {
		r.source = models.SourceDegraded
		r.requestResync()
		r.log.WithComponent("book_reconciler").WithFields(logger.Fields{
			"instrument": r.instrumentID,
			"best_bid":   bids[0].Price.String(),
			"best_ask":   asks[0].Price.String(),
			"sequence":   event.Sequence,
		}).Warn("delta would cross the book, keeping last good state")
		return ErrCrossed
	}

	r.bids = bids
	r.asks = asks
	r.sequence = event.Sequence
	r.lastUpdated = r.eventTime(event)
	if r.source != models.SourceDegraded {
		r.source = event.Source
	}
	r.counters.DeltasApplied++

	return nil
}

// View returns a consistent read-only copy of the book truncated to the
// configured depth. Statistics are derived from the reported levels.
func (r *Reconciler) View() models.BookView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	view := models.BookView{
		InstrumentID:   r.instrumentID,
		Bids:           truncateCopy(r.bids, r.depth),
		Asks:           truncateCopy(r.asks, r.depth),
		Sequence:       r.sequence,
		LastUpdated:    r.lastUpdated,
		Source:         r.source,
		TickSize:       r.tickSize,
		LastTradePrice: r.lastTradePrice,
		LastTradeSide:  r.lastTradeSide,
	}
	view.Stats = computeStats(view.Bids, view.Asks)
	return view
}

// ResyncNeeded reports whether a crossed book is waiting for a forced
// snapshot re-fetch. The flag clears when a clean snapshot is installed.
func (r *Reconciler) ResyncNeeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resyncNeeded
}

// ResyncRequests delivers one signal per needed snapshot re-fetch. The
// supervisor drains it; at most one request stays pending.
func (r *Reconciler) ResyncRequests() <-chan struct{} {
	return r.resyncCh
}

// requestResync is called with the write lock held.
func (r *Reconciler) requestResync() {
	r.resyncNeeded = true
	r.counters.CrossedCount++
	select {
	case r.resyncCh <- struct{}{}:
	default:
	}
}

// HasBaseline reports whether a snapshot has been applied yet. Deltas are
// rejected with ErrNoBaseline until then.
func (r *Reconciler) HasBaseline() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasBaseline
}

func (r *Reconciler) InstrumentID() string {
	return r.instrumentID
}

func (r *Reconciler) Counters() Counters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters
}

func (r *Reconciler) eventTime(event models.BookEvent) time.Time {
	if !event.Received.IsZero() {
		return event.Received
	}
	return r.now()
}

func sideSizes(levels []models.PriceLevel) map[string]decimal.Decimal {
	sizes := make(map[string]decimal.Decimal, len(levels))
	for _, l := range levels {
		sizes[l.Price.String()] = l.Size
	}
	return sizes
}

// markTrends annotates levels with how their size moved relative to the
// previous contents of the same side. New levels count as up.
func markTrends(levels []models.PriceLevel, oldSizes map[string]decimal.Decimal) {
	for i := range levels {
		old, ok := oldSizes[levels[i].Price.String()]
		switch {
		case !ok:
			levels[i].Trend = models.TrendUp
		case levels[i].Size.GreaterThan(old):
			levels[i].Trend = models.TrendUp
		case levels[i].Size.LessThan(old):
			levels[i].Trend = models.TrendDown
		default:
			levels[i].Trend = models.TrendNone
		}
	}
}

func copyLevels(levels []models.PriceLevel) []models.PriceLevel {
	out := make([]models.PriceLevel, len(levels))
	copy(out, levels)
	return out
}

func truncateCopy(levels []models.PriceLevel, depth int) []models.PriceLevel {
	n := len(levels)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]models.PriceLevel, n)
	copy(out, levels[:n])
	return out
}
