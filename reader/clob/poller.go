package clob

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "polyflow/config"
	"polyflow/internal/channel"
	"polyflow/logger"
	"polyflow/models"
)

// Poller is the pull-side fallback transport. It fetches the full book on a
// fixed timer aligned to the interval grid and emits each response as a
// fallback-sourced snapshot event. Fetch failures are logged and absorbed;
// the resulting silence is what the supervisor's staleness check sees.
type Poller struct {
	config       *appconfig.Config
	rest         *RestClient
	channels     *channel.Channels
	sessionID    string
	instrumentID string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewPoller(cfg *appconfig.Config, rest *RestClient, ch *channel.Channels, sessionID, instrumentID string) *Poller {
	return &Poller{
		config:       cfg,
		rest:         rest,
		channels:     ch,
		sessionID:    sessionID,
		instrumentID: instrumentID,
		wg:           &sync.WaitGroup{},
		log:          logger.GetLogger(),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.log.WithComponent("clob_fallback").WithFields(logger.Fields{
		"instrument": p.instrumentID,
		"interval":   p.config.Feed.UpdateInterval.String(),
	}).Info("starting fallback poller")

	p.wg.Add(1)
	go p.pollWorker()

	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.log.WithComponent("clob_fallback").WithFields(logger.Fields{
		"instrument": p.instrumentID,
	}).Info("fallback poller stopped")
}

func (p *Poller) pollWorker() {
	defer p.wg.Done()

	log := p.log.WithComponent("clob_fallback").WithFields(logger.Fields{
		"instrument": p.instrumentID,
		"worker":     "fallback_fetcher",
	})

	// First snapshot immediately, then align to the interval grid.
	p.fetchSnapshot(log)

	interval := p.config.Feed.UpdateInterval
	now := time.Now()
	nextTick := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(nextTick.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-timer.C:
			start := time.Now()
			p.fetchSnapshot(log)
			duration := time.Since(start)

			if duration > interval {
				log.WithFields(logger.Fields{
					"duration": duration.Milliseconds(),
					"interval": interval.Milliseconds(),
				}).Warn("fetch took longer than interval")
			}

			nextTick = start.Truncate(interval).Add(interval)
			timer.Reset(time.Until(nextTick))
		}
	}
}

func (p *Poller) fetchSnapshot(log *logger.Entry) {
	book, err := p.rest.FetchBook(p.ctx, p.instrumentID)
	if err != nil {
		log.WithError(err).Warn("fallback snapshot fetch failed")
		return
	}

	received := time.Now()
	evt := BookMessageToEvent(book, p.sessionID, p.instrumentID, models.SourceFallback, received)

	if !p.channels.Send(p.ctx, evt) {
		if p.ctx.Err() != nil {
			return
		}
		log.Warn("event channel full, dropping snapshot")
		return
	}
	logger.IncrementFallbackRead(len(book.Bids) + len(book.Asks))
}
