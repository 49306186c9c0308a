// Package binance streams a reference spot price from the Binance book
// ticker websocket. The price is display-only context for Bitcoin-linked
// markets and never feeds the book reconciler.
package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	appconfig "polyflow/config"
	"polyflow/logger"
)

const reconnectDelay = 5 * time.Second

var two = decimal.NewFromInt(2)

// ReferenceTicker maintains the latest mid price for one spot symbol. The
// stream reconnects on its own until the context is cancelled.
type ReferenceTicker struct {
	config  *appconfig.Config
	symbol  string
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	price   decimal.Decimal
	updated time.Time
	log     *logger.Log
}

func NewReferenceTicker(cfg *appconfig.Config) *ReferenceTicker {
	return &ReferenceTicker{
		config: cfg,
		symbol: strings.ToUpper(cfg.Reference.Symbol),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Start launches the book ticker subscription worker.
func (r *ReferenceTicker) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reference ticker already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("reference_ticker").WithFields(logger.Fields{"symbol": r.symbol})

	if !r.config.Reference.Enabled {
		log.Warn("reference price feed disabled via configuration")
		return fmt.Errorf("reference price feed disabled")
	}
	if r.symbol == "" {
		return fmt.Errorf("no reference symbol configured")
	}

	log.Info("starting reference price ticker")

	r.wg.Add(1)
	go r.streamTicker()

	return nil
}

// Stop waits for the stream worker to exit. The caller cancels the context
// first.
func (r *ReferenceTicker) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	r.log.WithComponent("reference_ticker").Info("reference price ticker stopped")
}

// Price returns the latest mid price. ok is false until the first update
// arrives.
func (r *ReferenceTicker) Price() (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.updated.IsZero() {
		return decimal.Decimal{}, false
	}
	return r.price, true
}

// record averages the best bid and ask into the published mid price.
func (r *ReferenceTicker) record(event *binance.WsBookTickerEvent) {
	bid, err := decimal.NewFromString(event.BestBidPrice)
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(event.BestAskPrice)
	if err != nil {
		return
	}

	mid := bid.Add(ask).Div(two)
	r.mu.Lock()
	r.price = mid
	r.updated = time.Now()
	r.mu.Unlock()
}

func (r *ReferenceTicker) streamTicker() {
	defer r.wg.Done()

	log := r.log.WithComponent("reference_ticker").WithFields(logger.Fields{
		"symbol": r.symbol,
		"worker": "book_ticker_stream",
	})

	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		doneC, stopC, err := binance.WsBookTickerServe(r.symbol, r.record, errHandler)
		if err != nil {
			log.WithError(err).Error("failed to subscribe to book ticker stream")
			select {
			case <-time.After(reconnectDelay):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		select {
		case <-r.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			log.Warn("book ticker stream closed, reconnecting")
			close(stopC)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}
