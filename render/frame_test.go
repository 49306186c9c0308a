package render

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyflow/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sampleView() models.BookView {
	return models.BookView{
		InstrumentID: "tok-yes",
		Bids: []models.PriceLevel{
			{Price: dec("0.54"), Size: dec("1250"), Trend: models.TrendUp},
			{Price: dec("0.53"), Size: dec("600")},
		},
		Asks: []models.PriceLevel{
			{Price: dec("0.56"), Size: dec("830"), Trend: models.TrendDown},
		},
		Sequence:       1700000000100,
		LastUpdated:    time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		Source:         models.SourceStream,
		TickSize:       dec("0.001"),
		LastTradePrice: dec("0.55"),
		LastTradeSide:  models.SideBid,
		Stats: models.MarketStats{
			BestBid:     dec("0.54"),
			BestAsk:     dec("0.56"),
			Spread:      dec("0.02"),
			MidPrice:    dec("0.55"),
			WeightedMid: dec("0.548"),
			BidDepth:    dec("1850"),
			AskDepth:    dec("830"),
			BidLevels:   2,
			AskLevels:   1,
		},
	}
}

func TestBuildFrameStreaming(t *testing.T) {
	now := time.Now()
	d := frameData{
		View: sampleView(),
		Status: models.FeedStatus{
			State: models.FeedStreaming,
			Since: now.Add(-12 * time.Second),
		},
		Instrument: models.Instrument{
			ConditionID: "0xa",
			Question:    "Will Bitcoin close above $100k this year?",
		},
		Outcome: "Yes",
		History: []models.PricePoint{
			{Price: dec("0.52"), At: now.Add(-2 * time.Second)},
			{Price: dec("0.55"), At: now.Add(-time.Second)},
		},
		HistMin:    dec("0.52"),
		HistMax:    dec("0.55"),
		HasHistory: true,
		RefPrice:   dec("64000.20"),
		HasRef:     true,
		Now:        now,
	}

	frame := buildFrame(d)

	for _, want := range []string{
		"Will Bitcoin close above $100k this year?",
		"state streaming",
		"up 12s",
		"outcome Yes",
		"seq 1700000000100",
		"src stream",
		"0.540",
		"0.560",
		"1250.00",
		"spread 0.020",
		"wmid 0.5480",
		"tick 0.001",
		"last 0.550 (bid)",
		"btc reference 64000.20",
		"history 0.520",
		"updated 15:04:05",
	} {
		if !strings.Contains(frame, want) {
			t.Errorf("frame missing %q:\n%s", want, frame)
		}
	}

	// The best bid grew and the best ask shrank.
	if !strings.Contains(frame, "0.540 +") {
		t.Errorf("bid trend marker missing:\n%s", frame)
	}
	if !strings.Contains(frame, "- 0.560") {
		t.Errorf("ask trend marker missing:\n%s", frame)
	}
}

func TestBuildFrameEmptyBook(t *testing.T) {
	frame := buildFrame(frameData{
		Status: models.FeedStatus{State: models.FeedConnecting, Since: time.Now()},
		Now:    time.Now(),
	})

	if !strings.Contains(frame, "(no market selected)") {
		t.Errorf("placeholder question missing:\n%s", frame)
	}
	if !strings.Contains(frame, "waiting for book data") {
		t.Errorf("empty book placeholder missing:\n%s", frame)
	}
	if strings.Contains(frame, "spread") {
		t.Errorf("stats should be omitted for an empty book:\n%s", frame)
	}
}

func TestBuildFrameShowsFailure(t *testing.T) {
	frame := buildFrame(frameData{
		Status: models.FeedStatus{
			State:   models.FeedFallbackPolling,
			Since:   time.Now(),
			Failure: "stream unavailable after 5 attempts: dial tcp: timeout",
		},
		Now: time.Now(),
	})

	if !strings.Contains(frame, "!! stream unavailable after 5 attempts") {
		t.Errorf("failure line missing:\n%s", frame)
	}
}

func TestSparkline(t *testing.T) {
	points := []models.PricePoint{
		{Price: dec("0.50")},
		{Price: dec("0.55")},
		{Price: dec("0.60")},
	}
	got := sparkline(points, dec("0.50"), dec("0.60"), 60)
	if len(got) != 3 {
		t.Fatalf("sparkline length = %d, want 3", len(got))
	}
	if got[0] != sparkRamp[0] {
		t.Errorf("minimum should map to the lowest ramp char, got %q", got)
	}
	if got[2] != sparkRamp[len(sparkRamp)-1] {
		t.Errorf("maximum should map to the highest ramp char, got %q", got)
	}
	prev := -1
	for i := range got {
		idx := strings.IndexByte(sparkRamp, got[i])
		if idx < prev {
			t.Errorf("ascending prices should not descend on the ramp, got %q", got)
		}
		prev = idx
	}
}

func TestSparklineFlatSeries(t *testing.T) {
	points := []models.PricePoint{
		{Price: dec("0.50")},
		{Price: dec("0.50")},
	}
	got := sparkline(points, dec("0.50"), dec("0.50"), 60)
	if got != strings.Repeat(string(sparkRamp[len(sparkRamp)/2]), 2) {
		t.Errorf("flat series should sit mid-ramp, got %q", got)
	}
}

func TestSparklineTruncatesToWidth(t *testing.T) {
	points := make([]models.PricePoint, 10)
	for i := range points {
		points[i] = models.PricePoint{Price: dec("0.50")}
	}
	points[9].Price = dec("0.90")

	got := sparkline(points, dec("0.50"), dec("0.90"), 4)
	if len(got) != 4 {
		t.Fatalf("sparkline length = %d, want 4", len(got))
	}
	if got[3] != sparkRamp[len(sparkRamp)-1] {
		t.Errorf("newest point should survive truncation, got %q", got)
	}
}

func TestFormatAge(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{59 * time.Second, "59s"},
		{125 * time.Second, "2m05s"},
		{3*time.Hour + 5*time.Minute, "3h05m"},
		{-time.Second, "0s"},
	}
	for _, c := range cases {
		if got := formatAge(c.in); got != c.want {
			t.Errorf("formatAge(%s) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := strings.Repeat("x", 100)
	got := truncate(long, 10)
	if len(got) != 10 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate(long) = %q", got)
	}
}
