// Package render drives the terminal view. A ticker polls the feed for a
// consistent book snapshot and reprints one plain-text frame per tick; it
// only ever reads, so a slow terminal can never back-pressure the feed.
package render

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "polyflow/config"
	"polyflow/history"
	"polyflow/logger"
	"polyflow/models"
)

// cursorHome repositions without clearing so an unchanged frame does not
// flicker; clearBelow wipes leftovers from a previously taller frame.
const (
	cursorHome = "\x1b[H"
	clearBelow = "\x1b[J"
)

// Feed is the read side of the market data session the renderer polls.
type Feed interface {
	Book() models.BookView
	Status() models.FeedStatus
	Instrument() (models.Instrument, string, bool)
	History() *history.Recorder
}

// Reference supplies an external comparison price for the status area.
type Reference interface {
	Price() (decimal.Decimal, bool)
}

// Renderer periodically paints the book view to a terminal.
type Renderer struct {
	interval time.Duration
	feed     Feed
	ref      Reference
	out      io.Writer

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	now func() time.Time
}

// NewRenderer builds a renderer polling the feed every update interval.
// ref may be nil when no reference feed applies to the instrument.
func NewRenderer(cfg *appconfig.Config, feed Feed, ref Reference, out io.Writer) *Renderer {
	return &Renderer{
		interval: cfg.Feed.UpdateInterval,
		feed:     feed,
		ref:      ref,
		out:      out,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

func (r *Renderer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("renderer already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.log.WithComponent("renderer").WithFields(logger.Fields{
		"interval": r.interval.String(),
	}).Info("starting terminal renderer")

	r.wg.Add(1)
	go r.run()

	return nil
}

func (r *Renderer) Stop() {
	r.mu.Lock()
	r.running = false
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.log.WithComponent("renderer").Info("terminal renderer stopped")
}

func (r *Renderer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.paint()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.paint()
		}
	}
}

// paint gathers one consistent set of inputs and writes the frame.
func (r *Renderer) paint() {
	data := frameData{
		View:   r.feed.Book(),
		Status: r.feed.Status(),
		Now:    r.now(),
	}
	if inst, tokenID, ok := r.feed.Instrument(); ok {
		data.Instrument = inst
		if outcome, ok := inst.OutcomeForToken(tokenID); ok {
			data.Outcome = outcome.Name
		}
	}
	if rec := r.feed.History(); rec != nil {
		data.History = rec.Points()
		data.HistMin, data.HistMax, data.HasHistory = rec.Range()
	}
	if r.ref != nil {
		data.RefPrice, data.HasRef = r.ref.Price()
	}

	if _, err := fmt.Fprint(r.out, cursorHome, buildFrame(data), clearBelow); err != nil {
		r.log.WithComponent("renderer").WithError(err).Warn("frame write failed")
	}
}
