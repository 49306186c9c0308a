package book

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyflow/models"
)

func level(price, size string) models.PriceLevel {
	return models.PriceLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func change(side models.Side, price, size string) models.LevelChange {
	return models.LevelChange{
		Side:  side,
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func snapshotEvent(seq int64, bids, asks []models.PriceLevel) models.BookEvent {
	return models.BookEvent{
		Kind:         models.EventSnapshot,
		InstrumentID: "tok-1",
		Sequence:     seq,
		Source:       models.SourceStream,
		Received:     time.Unix(seq, 0),
		Bids:         bids,
		Asks:         asks,
	}
}

func deltaEvent(seq int64, changes ...models.LevelChange) models.BookEvent {
	return models.BookEvent{
		Kind:         models.EventDelta,
		InstrumentID: "tok-1",
		Sequence:     seq,
		Source:       models.SourceStream,
		Received:     time.Unix(seq, 0),
		Changes:      changes,
	}
}

func assertLevels(t *testing.T, got []models.PriceLevel, want ...models.PriceLevel) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("level count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Price.Equal(want[i].Price) || !got[i].Size.Equal(want[i].Size) {
			t.Fatalf("level %d = %s@%s, want %s@%s",
				i, got[i].Size, got[i].Price, want[i].Size, want[i].Price)
		}
	}
}

func TestSnapshotNormalizesSides(t *testing.T) {
	r := NewReconciler("tok-1", 30)

	// Unsorted input with a zero size and a duplicate price.
	err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.40", "10"), level("0.52", "5"), level("0.45", "0"), level("0.52", "7")},
		[]models.PriceLevel{level("0.60", "3"), level("0.55", "8")},
	))
	if err != nil {
		t.Fatalf("Apply snapshot: %v", err)
	}

	view := r.View()
	assertLevels(t, view.Bids, level("0.52", "7"), level("0.40", "10"))
	assertLevels(t, view.Asks, level("0.55", "8"), level("0.60", "3"))
	if view.Source != models.SourceStream {
		t.Fatalf("source = %s, want stream", view.Source)
	}
	if view.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", view.Sequence)
	}
}

func TestDeltaInsertUpdateRemove(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.50", "100")},
		[]models.PriceLevel{level("0.60", "100")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if err := r.Apply(deltaEvent(2, change(models.SideBid, "0.55", "100"))); err != nil {
		t.Fatalf("insert delta: %v", err)
	}
	assertLevels(t, r.View().Bids, level("0.55", "100"), level("0.50", "100"))

	if err := r.Apply(deltaEvent(3, change(models.SideBid, "0.55", "150"))); err != nil {
		t.Fatalf("update delta: %v", err)
	}
	assertLevels(t, r.View().Bids, level("0.55", "150"), level("0.50", "100"))

	if err := r.Apply(deltaEvent(4, change(models.SideBid, "0.55", "0"))); err != nil {
		t.Fatalf("remove delta: %v", err)
	}
	assertLevels(t, r.View().Bids, level("0.50", "100"))
}

func TestBidLevelAddedThenRemovedIsAbsent(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(1, nil, []models.PriceLevel{level("0.60", "10")})); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if err := r.Apply(deltaEvent(2, change(models.SideBid, "0.55", "100"))); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Apply(deltaEvent(3, change(models.SideBid, "0.55", "0"))); err != nil {
		t.Fatalf("remove: %v", err)
	}

	for _, l := range r.View().Bids {
		if l.Price.Equal(decimal.RequireFromString("0.55")) {
			t.Fatalf("0.55 bid still present after removal")
		}
	}
}

func TestRemoveAbsentLevelIsIdempotent(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.50", "100")},
		[]models.PriceLevel{level("0.60", "100")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if err := r.Apply(deltaEvent(2, change(models.SideBid, "0.45", "0"))); err != nil {
		t.Fatalf("removing absent level should not error: %v", err)
	}
	assertLevels(t, r.View().Bids, level("0.50", "100"))
}

func TestDuplicateDeltaRejectedWithoutChange(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.50", "100")},
		[]models.PriceLevel{level("0.60", "100")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	ev := deltaEvent(2, change(models.SideBid, "0.52", "40"))
	if err := r.Apply(ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	before := r.View()

	if err := r.Apply(ev); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("second apply err = %v, want ErrOutOfOrder", err)
	}
	after := r.View()

	assertLevels(t, after.Bids, before.Bids...)
	assertLevels(t, after.Asks, before.Asks...)
	if after.Sequence != before.Sequence {
		t.Fatalf("sequence moved on rejected delta: %d -> %d", before.Sequence, after.Sequence)
	}
}

func TestStaleDeltaRejectedAndCounted(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(10,
		[]models.PriceLevel{level("0.50", "100")},
		[]models.PriceLevel{level("0.60", "100")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if err := r.Apply(deltaEvent(5, change(models.SideBid, "0.30", "5"))); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
	if err := r.Apply(deltaEvent(10, change(models.SideBid, "0.30", "5"))); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("equal sequence err = %v, want ErrOutOfOrder", err)
	}

	assertLevels(t, r.View().Bids, level("0.50", "100"))
	if c := r.Counters(); c.DroppedStale != 2 {
		t.Fatalf("DroppedStale = %d, want 2", c.DroppedStale)
	}
}

func TestDeltaBeforeBaselineRejected(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	err := r.Apply(deltaEvent(1, change(models.SideBid, "0.50", "10")))
	if !errors.Is(err, ErrNoBaseline) {
		t.Fatalf("err = %v, want ErrNoBaseline", err)
	}
	if r.HasBaseline() {
		t.Fatalf("baseline should not be set by a delta")
	}
}

func TestCrossedDeltaKeepsLastGoodBook(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.54", "50")},
		[]models.PriceLevel{level("0.56", "30")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	err := r.Apply(deltaEvent(2, change(models.SideAsk, "0.53", "10")))
	if !errors.Is(err, ErrCrossed) {
		t.Fatalf("err = %v, want ErrCrossed", err)
	}

	view := r.View()
	assertLevels(t, view.Bids, level("0.54", "50"))
	assertLevels(t, view.Asks, level("0.56", "30"))
	if view.Source != models.SourceDegraded {
		t.Fatalf("source = %s, want degraded", view.Source)
	}
	if !r.ResyncNeeded() {
		t.Fatalf("resync should be scheduled after a crossed delta")
	}
	if view.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1 (crossed delta must not commit)", view.Sequence)
	}

	// The forced re-fetch heals the book and clears the flag.
	if err := r.Apply(snapshotEvent(3,
		[]models.PriceLevel{level("0.52", "50")},
		[]models.PriceLevel{level("0.56", "30")},
	)); err != nil {
		t.Fatalf("resync snapshot: %v", err)
	}
	if r.ResyncNeeded() {
		t.Fatalf("resync flag should clear on a clean snapshot")
	}
	if got := r.View().Source; got != models.SourceStream {
		t.Fatalf("source after resync = %s, want stream", got)
	}
}

func TestCrossedSnapshotInstalledAsDegraded(t *testing.T) {
	r := NewReconciler("tok-1", 30)

	err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.60", "10")},
		[]models.PriceLevel{level("0.55", "10")},
	))
	if !errors.Is(err, ErrCrossed) {
		t.Fatalf("err = %v, want ErrCrossed", err)
	}

	view := r.View()
	assertLevels(t, view.Bids, level("0.60", "10"))
	assertLevels(t, view.Asks, level("0.55", "10"))
	if view.Source != models.SourceDegraded {
		t.Fatalf("source = %s, want degraded", view.Source)
	}
	if !r.ResyncNeeded() {
		t.Fatalf("resync should be scheduled after a crossed snapshot")
	}
	if c := r.Counters(); c.CrossedCount != 1 {
		t.Fatalf("CrossedCount = %d, want 1", c.CrossedCount)
	}
}

func TestSnapshotReplacesFallbackState(t *testing.T) {
	r := NewReconciler("tok-1", 30)

	fallback := snapshotEvent(100,
		[]models.PriceLevel{level("0.50", "10"), level("0.48", "20")},
		[]models.PriceLevel{level("0.52", "10")},
	)
	fallback.Source = models.SourceFallback
	if err := r.Apply(fallback); err != nil {
		t.Fatalf("fallback snapshot: %v", err)
	}
	if got := r.View().Source; got != models.SourceFallback {
		t.Fatalf("source = %s, want fallback", got)
	}

	if err := r.Apply(snapshotEvent(101,
		[]models.PriceLevel{level("0.51", "5")},
		[]models.PriceLevel{level("0.53", "5")},
	)); err != nil {
		t.Fatalf("stream snapshot: %v", err)
	}

	view := r.View()
	assertLevels(t, view.Bids, level("0.51", "5"))
	assertLevels(t, view.Asks, level("0.53", "5"))
	if view.Source != models.SourceStream {
		t.Fatalf("source = %s, want stream", view.Source)
	}
}

func TestSnapshotWinsOnEqualSequence(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.50", "100")},
		[]models.PriceLevel{level("0.60", "100")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := r.Apply(deltaEvent(2, change(models.SideBid, "0.51", "10"))); err != nil {
		t.Fatalf("delta: %v", err)
	}

	// A snapshot carrying the same sequence as the last delta still lands.
	if err := r.Apply(snapshotEvent(2,
		[]models.PriceLevel{level("0.49", "7")},
		[]models.PriceLevel{level("0.61", "7")},
	)); err != nil {
		t.Fatalf("equal-sequence snapshot: %v", err)
	}
	assertLevels(t, r.View().Bids, level("0.49", "7"))
}

func TestViewDepthTruncation(t *testing.T) {
	r := NewReconciler("tok-1", 2)
	if err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.50", "1"), level("0.49", "2"), level("0.48", "3"), level("0.47", "4")},
		[]models.PriceLevel{level("0.60", "1"), level("0.61", "2"), level("0.62", "3")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	view := r.View()
	assertLevels(t, view.Bids, level("0.50", "1"), level("0.49", "2"))
	assertLevels(t, view.Asks, level("0.60", "1"), level("0.61", "2"))

	// Deeper levels are kept internally, not discarded: removing the top
	// bid surfaces the next hidden one.
	if err := r.Apply(deltaEvent(2, change(models.SideBid, "0.50", "0"))); err != nil {
		t.Fatalf("remove top bid: %v", err)
	}
	assertLevels(t, r.View().Bids, level("0.49", "2"), level("0.48", "3"))
}

func TestViewStats(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.54", "50"), level("0.53", "10")},
		[]models.PriceLevel{level("0.56", "30"), level("0.57", "20")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	stats := r.View().Stats
	if !stats.BestBid.Equal(decimal.RequireFromString("0.54")) {
		t.Errorf("best bid = %s", stats.BestBid)
	}
	if !stats.BestAsk.Equal(decimal.RequireFromString("0.56")) {
		t.Errorf("best ask = %s", stats.BestAsk)
	}
	if !stats.Spread.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("spread = %s", stats.Spread)
	}
	if !stats.MidPrice.Equal(decimal.RequireFromString("0.55")) {
		t.Errorf("mid = %s", stats.MidPrice)
	}
	// (0.54*30 + 0.56*50) / 80
	if !stats.WeightedMid.Equal(decimal.RequireFromString("0.5525")) {
		t.Errorf("weighted mid = %s", stats.WeightedMid)
	}
	if !stats.BidDepth.Equal(decimal.RequireFromString("60")) {
		t.Errorf("bid depth = %s", stats.BidDepth)
	}
	if !stats.AskDepth.Equal(decimal.RequireFromString("50")) {
		t.Errorf("ask depth = %s", stats.AskDepth)
	}
	if stats.BidLevels != 2 || stats.AskLevels != 2 {
		t.Errorf("levels = %d/%d, want 2/2", stats.BidLevels, stats.AskLevels)
	}
}

func TestTrendMarking(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.50", "100"), level("0.49", "50")},
		[]models.PriceLevel{level("0.60", "100")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if err := r.Apply(snapshotEvent(2,
		[]models.PriceLevel{level("0.50", "150"), level("0.49", "20"), level("0.48", "5")},
		[]models.PriceLevel{level("0.60", "100")},
	)); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}

	bids := r.View().Bids
	if bids[0].Trend != models.TrendUp {
		t.Errorf("grown level trend = %q, want up", bids[0].Trend)
	}
	if bids[1].Trend != models.TrendDown {
		t.Errorf("shrunk level trend = %q, want down", bids[1].Trend)
	}
	if bids[2].Trend != models.TrendUp {
		t.Errorf("new level trend = %q, want up", bids[2].Trend)
	}

	asks := r.View().Asks
	if asks[0].Trend != models.TrendNone {
		t.Errorf("unchanged level trend = %q, want none", asks[0].Trend)
	}

	if err := r.Apply(deltaEvent(3, change(models.SideAsk, "0.60", "40"))); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if got := r.View().Asks[0].Trend; got != models.TrendDown {
		t.Errorf("delta-shrunk level trend = %q, want down", got)
	}
}

func TestTickSizeAndLastTradeEvents(t *testing.T) {
	r := NewReconciler("tok-1", 30)

	if err := r.Apply(models.BookEvent{
		Kind:         models.EventTickSize,
		InstrumentID: "tok-1",
		TickSize:     decimal.RequireFromString("0.001"),
	}); err != nil {
		t.Fatalf("tick size event: %v", err)
	}
	if err := r.Apply(models.BookEvent{
		Kind:         models.EventLastTrade,
		InstrumentID: "tok-1",
		TradePrice:   decimal.RequireFromString("0.55"),
		TradeSide:    models.SideBid,
	}); err != nil {
		t.Fatalf("last trade event: %v", err)
	}

	view := r.View()
	if !view.TickSize.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("tick size = %s", view.TickSize)
	}
	if !view.LastTradePrice.Equal(decimal.RequireFromString("0.55")) {
		t.Errorf("last trade price = %s", view.LastTradePrice)
	}
	if view.LastTradeSide != models.SideBid {
		t.Errorf("last trade side = %s", view.LastTradeSide)
	}
}

func TestEventForOtherInstrumentIgnored(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.50", "100")},
		[]models.PriceLevel{level("0.60", "100")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	foreign := snapshotEvent(2,
		[]models.PriceLevel{level("0.10", "1")},
		[]models.PriceLevel{level("0.90", "1")},
	)
	foreign.InstrumentID = "tok-2"
	if err := r.Apply(foreign); err != nil {
		t.Fatalf("foreign event should be dropped silently: %v", err)
	}

	assertLevels(t, r.View().Bids, level("0.50", "100"))
	if got := r.View().Sequence; got != 1 {
		t.Fatalf("sequence = %d, want 1", got)
	}
}

func TestHeartbeatDoesNotMutateBook(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.50", "100")},
		[]models.PriceLevel{level("0.60", "100")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	before := r.View()

	if err := r.Apply(models.BookEvent{Kind: models.EventHeartbeat, InstrumentID: "tok-1", Sequence: 99}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	after := r.View()
	if after.Sequence != before.Sequence {
		t.Fatalf("heartbeat moved sequence: %d -> %d", before.Sequence, after.Sequence)
	}
	assertLevels(t, after.Bids, before.Bids...)
}

func TestResyncRequestSignalled(t *testing.T) {
	r := NewReconciler("tok-1", 30)
	if err := r.Apply(snapshotEvent(1,
		[]models.PriceLevel{level("0.54", "50")},
		[]models.PriceLevel{level("0.56", "30")},
	)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	select {
	case <-r.ResyncRequests():
		t.Fatal("clean snapshot should not request a resync")
	default:
	}

	if err := r.Apply(deltaEvent(2, change(models.SideAsk, "0.53", "10"))); !errors.Is(err, ErrCrossed) {
		t.Fatalf("crossed delta error = %v, want ErrCrossed", err)
	}

	select {
	case <-r.ResyncRequests():
	default:
		t.Fatal("crossed delta should queue a resync request")
	}

	// Two more crossed deltas collapse into one pending request.
	if err := r.Apply(deltaEvent(3, change(models.SideAsk, "0.53", "10"))); !errors.Is(err, ErrCrossed) {
		t.Fatalf("crossed delta error = %v, want ErrCrossed", err)
	}
	if err := r.Apply(deltaEvent(4, change(models.SideAsk, "0.52", "10"))); !errors.Is(err, ErrCrossed) {
		t.Fatalf("crossed delta error = %v, want ErrCrossed", err)
	}

	select {
	case <-r.ResyncRequests():
	default:
		t.Fatal("resync request lost")
	}
	select {
	case <-r.ResyncRequests():
		t.Fatal("requests should collapse while one is pending")
	default:
	}
}
