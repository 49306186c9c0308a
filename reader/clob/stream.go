package clob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "polyflow/config"
	"polyflow/internal/channel"
	"polyflow/logger"
	"polyflow/models"
)

// wsConn is the slice of *websocket.Conn the reader needs.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	Close() error
}

// StreamReader owns one logical websocket connection for one instrument.
// It subscribes on connect, keeps the connection alive with PING frames and
// forwards every message as normalized book events. A dropped connection
// surfaces as a single disconnect event; reconnecting is the supervisor's
// job, so one reader never outlives its connection.
type StreamReader struct {
	config       *appconfig.Config
	channels     *channel.Channels
	sessionID    string
	instrumentID string

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	done    chan struct{}
	conn    wsConn
	log     *logger.Log

	dial func(ctx context.Context) (wsConn, error)
}

func NewStreamReader(cfg *appconfig.Config, ch *channel.Channels, sessionID, instrumentID string) *StreamReader {
	r := &StreamReader{
		config:       cfg,
		channels:     ch,
		sessionID:    sessionID,
		instrumentID: instrumentID,
		wg:           &sync.WaitGroup{},
		done:         make(chan struct{}),
		log:          logger.GetLogger(),
	}
	r.dial = r.dialClob
	return r
}

func (r *StreamReader) dialClob(ctx context.Context) (wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: r.config.Clob.Timeout}
	conn, _, err := dialer.DialContext(ctx, r.config.Clob.WsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Start dials the websocket and sends the market subscription. The connect
// and subscribe happen synchronously so the caller can apply its own backoff
// on failure; the read and ping loops run until Stop or a read error.
func (r *StreamReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("stream reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("clob_stream").WithFields(logger.Fields{
		"instrument": r.instrumentID,
		"session":    r.sessionID,
	})

	dialCtx, cancel := context.WithTimeout(ctx, r.config.Clob.Timeout)
	defer cancel()

	conn, err := r.dial(dialCtx)
	if err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return fmt.Errorf("dial clob websocket: %w", err)
	}

	sub := models.ClobSubscribeMessage{Type: "market", AssetsIDs: []string{r.instrumentID}}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return fmt.Errorf("subscribe to market channel: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	log.Info("clob stream connected and subscribed")

	r.wg.Add(2)
	go r.readLoop()
	go r.pingLoop()

	return nil
}

// Stop closes the connection and waits for both loops to exit. Safe to call
// more than once.
func (r *StreamReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	conn := r.conn
	close(r.done)
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	r.wg.Wait()
	r.log.WithComponent("clob_stream").WithFields(logger.Fields{
		"instrument": r.instrumentID,
	}).Info("clob stream reader stopped")
}

func (r *StreamReader) isRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *StreamReader) readLoop() {
	defer r.wg.Done()

	log := r.log.WithComponent("clob_stream").WithFields(logger.Fields{
		"instrument": r.instrumentID,
		"session":    r.sessionID,
		"worker":     "stream_read",
	})

	for {
		_, payload, err := r.conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() == nil && r.isRunning() {
				log.WithError(err).Warn("websocket read error")
				r.channels.Send(r.ctx, models.BookEvent{
					Kind:         models.EventDisconnect,
					SessionID:    r.sessionID,
					InstrumentID: r.instrumentID,
					Source:       models.SourceStream,
					Received:     time.Now(),
					Reason:       err.Error(),
				})
			}
			return
		}

		logger.IncrementStreamRead(len(payload))

		events := parseStreamPayload(log, payload, r.sessionID, r.instrumentID, time.Now())
		for _, evt := range events {
			if !r.channels.Send(r.ctx, evt) {
				if r.ctx.Err() != nil {
					return
				}
				log.Warn("event channel full, dropping message")
			}
		}
	}
}

// pingLoop sends the CLOB's expected text keepalive on a fixed cadence. A
// failed write means the connection is gone and the read loop will surface
// the disconnect.
func (r *StreamReader) pingLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Feed.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.RLock()
			conn := r.conn
			r.mu.RUnlock()
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				r.log.WithComponent("clob_stream").WithError(err).Debug("ping write failed")
				return
			}
		}
	}
}
