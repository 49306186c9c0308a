package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyflow/logger"
)

// Sampler feeds a Recorder from a price source on a fixed cadence. Zero or
// unavailable prices are skipped so gaps in the feed never chart as zero.
type Sampler struct {
	interval time.Duration
	recorder *Recorder
	source   func() (decimal.Decimal, bool)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewSampler(interval time.Duration, recorder *Recorder, source func() (decimal.Decimal, bool)) *Sampler {
	return &Sampler{
		interval: interval,
		recorder: recorder,
		source:   source,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sampler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.WithComponent("price_sampler").WithFields(logger.Fields{
		"interval": s.interval.String(),
	}).Info("starting price sampler")

	s.wg.Add(1)
	go s.run()

	return nil
}

func (s *Sampler) Stop() {
	s.mu.Lock()
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.WithComponent("price_sampler").Info("price sampler stopped")
}

func (s *Sampler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			price, ok := s.source()
			if !ok || price.Sign() <= 0 {
				continue
			}
			s.recorder.Add(price)
		}
	}
}
