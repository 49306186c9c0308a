// Package feed owns the live market data session. The supervisor connects
// the stream transport, watches its health, falls back to REST polling when
// the stream goes quiet, and feeds every event through the book reconciler.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"polyflow/book"
	appconfig "polyflow/config"
	"polyflow/history"
	"polyflow/internal/channel"
	"polyflow/logger"
	"polyflow/models"
	"polyflow/reader/clob"
)

const reportInterval = 30 * time.Second

// transport is the shared lifecycle of the stream reader and the fallback
// poller.
type transport interface {
	Start(ctx context.Context) error
	Stop()
}

// connResult reports one background connect attempt.
type connResult struct {
	stream transport
	err    error
}

// session binds everything owned by one active instrument: identity, book
// state, transports and workers. Switching instruments replaces the whole
// value, nothing carries over.
type session struct {
	id         string
	instrument models.Instrument
	tokenID    string

	rec      *book.Reconciler
	channels *channel.Channels
	recorder *history.Recorder
	sampler  *history.Sampler

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	log    *logger.Entry

	// Everything below is touched only by the run loop goroutine.
	stream         transport
	poller         transport
	pending        deque.Deque[models.BookEvent]
	attempts       int
	connectPending bool
	resyncPending  bool
	backoff        *backoff.Backoff
	connResults    chan connResult
	resyncResults  chan error

	staleTimer    *time.Timer
	graceTimer    *time.Timer
	redialTimer   *time.Timer
	degradedTimer *time.Timer
}

// Supervisor drives the feed state machine for the active instrument and
// serves consistent book and status reads to consumers.
type Supervisor struct {
	config *appconfig.Config
	rest   *clob.RestClient

	mu      sync.RWMutex
	session *session
	status  models.FeedStatus

	log *logger.Log

	// replaced by tests
	newStream func(sessionID, tokenID string, ch *channel.Channels) transport
	newPoller func(sessionID, tokenID string, ch *channel.Channels) transport
	fetchBook func(ctx context.Context, tokenID string) (models.ClobBookMessage, error)
}

func NewSupervisor(cfg *appconfig.Config, rest *clob.RestClient) *Supervisor {
	s := &Supervisor{
		config: cfg,
		rest:   rest,
		status: models.FeedStatus{State: models.FeedDisconnected, Since: time.Now()},
		log:    logger.GetLogger(),
	}
	s.newStream = func(sessionID, tokenID string, ch *channel.Channels) transport {
		return clob.NewStreamReader(cfg, ch, sessionID, tokenID)
	}
	s.newPoller = func(sessionID, tokenID string, ch *channel.Channels) transport {
		return clob.NewPoller(cfg, rest, ch, sessionID, tokenID)
	}
	s.fetchBook = func(ctx context.Context, tokenID string) (models.ClobBookMessage, error) {
		return rest.FetchBook(ctx, tokenID)
	}
	return s
}

// Activate tears down any current session and starts watching the given
// instrument. An empty tokenID selects the instrument's primary token.
func (s *Supervisor) Activate(ctx context.Context, instrument models.Instrument, tokenID string) error {
	if tokenID == "" {
		tokenID = instrument.PrimaryToken()
	}
	if tokenID == "" {
		return fmt.Errorf("instrument %s has no outcome token", instrument.ConditionID)
	}
	if _, ok := instrument.OutcomeForToken(tokenID); !ok {
		return fmt.Errorf("token %s does not belong to instrument %s", tokenID, instrument.ConditionID)
	}

	s.Deactivate()

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		id:         uuid.New().String(),
		instrument: instrument,
		tokenID:    tokenID,
		rec:        book.NewReconciler(tokenID, s.config.Feed.Depth),
		channels:   channel.NewChannels(s.config.Feed.EventBuffer),
		recorder:   history.NewRecorder(history.DefaultMaxPoints),
		ctx:        sessCtx,
		cancel:     cancel,
		wg:         &sync.WaitGroup{},
		backoff: &backoff.Backoff{
			Min:    s.config.Feed.Retry.BaseDelay,
			Max:    s.config.Feed.Retry.MaxDelay,
			Factor: s.config.Feed.Retry.BackoffFactor,
			Jitter: true,
		},
		connResults:   make(chan connResult, 1),
		resyncResults: make(chan error, 1),
	}
	sess.log = s.log.WithComponent("feed_supervisor").WithFields(logger.Fields{
		"session":    sess.id,
		"instrument": sess.tokenID,
	})
	sess.sampler = history.NewSampler(s.config.Feed.UpdateInterval, sess.recorder, func() (decimal.Decimal, bool) {
		view := sess.rec.View()
		if view.Stats.WeightedMid.Sign() > 0 {
			return view.Stats.WeightedMid, true
		}
		return decimal.Decimal{}, false
	})

	s.mu.Lock()
	s.session = sess
	s.status = models.FeedStatus{
		State:        models.FeedConnecting,
		Since:        time.Now(),
		InstrumentID: tokenID,
	}
	s.mu.Unlock()

	sess.log.WithFields(logger.Fields{"question": instrument.Question}).Info("session activated")

	if err := sess.sampler.Start(sessCtx); err != nil {
		sess.log.WithError(err).Warn("price sampler failed to start")
	}

	s.startConnectAttempt(sess)

	sess.wg.Add(1)
	go s.run(sess)

	return nil
}

// Deactivate stops the active session and resets the externally visible
// state. Safe to call with no session.
func (s *Supervisor) Deactivate() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	if sess != nil {
		s.status = models.FeedStatus{State: models.FeedDisconnected, Since: time.Now()}
	}
	s.mu.Unlock()

	if sess == nil {
		return
	}

	sess.cancel()
	sess.sampler.Stop()
	sess.wg.Wait()

	// A connect attempt may have finished after the run loop exited.
	select {
	case res := <-sess.connResults:
		if res.stream != nil {
			res.stream.Stop()
		}
	default:
	}

	sess.channels.Close()
	sess.log.Info("session deactivated")
}

// Book returns the consumer-facing view of the active book, or an empty view
// with no session.
func (s *Supervisor) Book() models.BookView {
	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()

	if sess == nil {
		return models.BookView{}
	}
	return sess.rec.View()
}

// Status returns the externally visible feed state.
func (s *Supervisor) Status() models.FeedStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Instrument returns the active instrument and its subscribed token.
func (s *Supervisor) Instrument() (models.Instrument, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return models.Instrument{}, "", false
	}
	return s.session.instrument, s.session.tokenID, true
}

// History returns the active session's price recorder, nil with no session.
func (s *Supervisor) History() *history.Recorder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	return s.session.recorder
}

// SeedHistory preloads the active session's price series, typically from the
// REST price history endpoint.
func (s *Supervisor) SeedHistory(points []models.PricePoint) {
	if rec := s.History(); rec != nil {
		rec.Seed(points)
	}
}

// Counters exposes the active reconciler's diagnostics.
func (s *Supervisor) Counters() book.Counters {
	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()
	if sess == nil {
		return book.Counters{}
	}
	return sess.rec.Counters()
}

func (s *Supervisor) run(sess *session) {
	defer sess.wg.Done()
	defer s.stopTransports(sess)

	staleAfter := s.config.Feed.StaleAfter()
	sess.staleTimer = time.NewTimer(staleAfter)
	defer sess.staleTimer.Stop()

	// The stream gets one polling interval to deliver its first snapshot
	// before fallback polling starts.
	sess.graceTimer = time.NewTimer(s.config.Feed.UpdateInterval)
	defer sess.graceTimer.Stop()

	sess.redialTimer = newStoppedTimer()
	defer sess.redialTimer.Stop()

	sess.degradedTimer = newStoppedTimer()
	defer sess.degradedTimer.Stop()

	reportTicker := time.NewTicker(reportInterval)
	defer reportTicker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return

		case evt := <-sess.channels.Events:
			if evt.SessionID != "" && evt.SessionID != sess.id {
				sess.log.WithFields(logger.Fields{
					"event_session": evt.SessionID,
				}).Debug("event from torn-down session discarded")
				continue
			}
			resetTimer(sess.staleTimer, staleAfter)
			s.handleEvent(sess, evt)

		case <-sess.rec.ResyncRequests():
			s.startResync(sess)

		case res := <-sess.connResults:
			s.handleConnResult(sess, res)

		case err := <-sess.resyncResults:
			sess.resyncPending = false
			if err != nil {
				sess.log.WithError(err).Warn("forced snapshot re-fetch failed")
			}

		case <-sess.graceTimer.C:
			if s.stateIs(sess, models.FeedConnecting) && !sess.rec.HasBaseline() {
				sess.log.Warn("no snapshot within one polling interval, starting fallback poller")
				s.startPoller(sess)
			}

		case <-sess.redialTimer.C:
			if sess.stream == nil && !sess.connectPending {
				s.startConnectAttempt(sess)
			}

		case <-sess.staleTimer.C:
			s.handleStale(sess, staleAfter)
			sess.staleTimer.Reset(staleAfter)

		case <-sess.degradedTimer.C:
			if s.stateIs(sess, models.FeedDegraded) {
				sess.log.Warn("degraded state persisted, switching to fallback polling")
				s.teardownStream(sess)
				s.startPoller(sess)
				s.scheduleRedial(sess)
			}

		case <-reportTicker.C:
			s.logCounters(sess)
		}
	}
}

// handleEvent routes one channel event through the reconciler and moves the
// state machine on the outcome.
func (s *Supervisor) handleEvent(sess *session, evt models.BookEvent) {
	switch evt.Kind {
	case models.EventDisconnect:
		s.onDisconnect(sess, evt.Reason)
		return
	case models.EventHeartbeat:
		if evt.Source == models.SourceStream {
			s.onStreamActivity(sess)
		}
		return
	}

	err := sess.rec.Apply(evt)
	switch {
	case err == nil:
		if evt.Kind == models.EventSnapshot {
			s.drainPending(sess)
		}
		if evt.Source == models.SourceStream {
			s.onStreamActivity(sess)
		} else if evt.Kind == models.EventSnapshot && sess.stream != nil &&
			s.stateIs(sess, models.FeedDegraded) {
			// A forced re-fetch healed the book while the stream stayed up.
			s.setState(sess, models.FeedStreaming, "")
			stopTimer(sess.degradedTimer)
		}

	case errors.Is(err, book.ErrNoBaseline):
		s.bufferPending(sess, evt)

	case errors.Is(err, book.ErrOutOfOrder):
		// Stale delta, already counted by the reconciler.

	case errors.Is(err, book.ErrCrossed):
		s.enterDegraded(sess, "crossed book detected")
	}
}

// onStreamActivity flips the state machine back to streaming when healthy
// stream traffic flows and a snapshot baseline exists.
func (s *Supervisor) onStreamActivity(sess *session) {
	if s.stateIs(sess, models.FeedStreaming) {
		return
	}
	if !sess.rec.HasBaseline() {
		return
	}
	s.setState(sess, models.FeedStreaming, "")
	stopTimer(sess.degradedTimer)
	s.stopPoller(sess)
}

func (s *Supervisor) onDisconnect(sess *session, reason string) {
	sess.log.WithFields(logger.Fields{"reason": reason}).Warn("stream disconnected")
	s.teardownStream(sess)

	if !s.stateIs(sess, models.FeedFallbackPolling) {
		s.setState(sess, models.FeedConnecting, reason)
		resetTimer(sess.graceTimer, s.config.Feed.UpdateInterval)
	}
	s.scheduleRedial(sess)
}

func (s *Supervisor) handleConnResult(sess *session, res connResult) {
	sess.connectPending = false

	if res.err != nil {
		sess.attempts++
		s.recordAttempts(sess)
		sess.log.WithError(res.err).WithFields(logger.Fields{
			"attempt": sess.attempts,
		}).Warn("stream connect failed")

		if sess.attempts >= s.config.Feed.Retry.MaxAttempts {
			s.setFailure(sess, fmt.Sprintf("stream unavailable after %d attempts: %v", sess.attempts, res.err))
			if !s.stateIs(sess, models.FeedFallbackPolling) {
				s.startPoller(sess)
			}
		}
		s.scheduleRedial(sess)
		return
	}

	sess.stream = res.stream
	sess.attempts = 0
	sess.backoff.Reset()
	s.recordAttempts(sess)
	s.clearFailure(sess)
	sess.log.Info("stream connected")
}

func (s *Supervisor) handleStale(sess *session, staleAfter time.Duration) {
	if sess.rec.ResyncNeeded() && !sess.resyncPending {
		s.startResync(sess)
	}
	if !s.stateIs(sess, models.FeedStreaming) {
		return
	}
	sess.log.WithFields(logger.Fields{
		"stale_after": staleAfter.String(),
	}).Warn("no feed events within staleness window")
	s.enterDegraded(sess, fmt.Sprintf("no events for %s", staleAfter))
}

func (s *Supervisor) enterDegraded(sess *session, reason string) {
	s.setState(sess, models.FeedDegraded, reason)
	resetTimer(sess.degradedTimer, s.config.Feed.FallbackAfter)
}

// startConnectAttempt dials the stream in the background so the run loop
// keeps processing events while the handshake is in flight.
func (s *Supervisor) startConnectAttempt(sess *session) {
	sess.connectPending = true
	stream := s.newStream(sess.id, sess.tokenID, sess.channels)

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()

		res := connResult{err: stream.Start(sess.ctx)}
		if res.err == nil {
			res.stream = stream
		}
		select {
		case sess.connResults <- res:
		case <-sess.ctx.Done():
			if res.stream != nil {
				res.stream.Stop()
			}
		}
	}()
}

func (s *Supervisor) scheduleRedial(sess *session) {
	delay := sess.backoff.Duration()
	resetTimer(sess.redialTimer, delay)
	sess.log.WithFields(logger.Fields{"delay": delay.String()}).Debug("stream redial scheduled")
}

// startResync issues the forced snapshot re-fetch for a crossed book. One
// fetch in flight at a time; the result arrives through the event channel
// like any other snapshot.
func (s *Supervisor) startResync(sess *session) {
	if sess.resyncPending {
		return
	}
	sess.resyncPending = true
	sess.log.Warn("crossed book, fetching fresh snapshot")

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()

		ctx, cancel := context.WithTimeout(sess.ctx, s.config.Clob.Timeout)
		defer cancel()

		msg, err := s.fetchBook(ctx, sess.tokenID)
		if err == nil {
			evt := clob.BookMessageToEvent(msg, sess.id, sess.tokenID, models.SourceFallback, time.Now())
			if !sess.channels.Send(sess.ctx, evt) {
				err = fmt.Errorf("event channel full")
			}
		}

		select {
		case sess.resyncResults <- err:
		case <-sess.ctx.Done():
		}
	}()
}

func (s *Supervisor) startPoller(sess *session) {
	if sess.poller != nil {
		return
	}
	poller := s.newPoller(sess.id, sess.tokenID, sess.channels)
	if err := poller.Start(sess.ctx); err != nil {
		sess.log.WithError(err).Error("fallback poller failed to start")
		return
	}
	sess.poller = poller
	s.setState(sess, models.FeedFallbackPolling, "")
}

func (s *Supervisor) stopPoller(sess *session) {
	if sess.poller == nil {
		return
	}
	sess.poller.Stop()
	sess.poller = nil
}

func (s *Supervisor) teardownStream(sess *session) {
	if sess.stream == nil {
		return
	}
	sess.stream.Stop()
	sess.stream = nil
}

func (s *Supervisor) stopTransports(sess *session) {
	s.teardownStream(sess)
	s.stopPoller(sess)
}

// bufferPending holds deltas that arrived ahead of the first snapshot. The
// buffer is bounded by the event buffer size, oldest entries fall off first.
func (s *Supervisor) bufferPending(sess *session, evt models.BookEvent) {
	if s.config.Feed.EventBuffer > 0 && sess.pending.Len() >= s.config.Feed.EventBuffer {
		sess.pending.PopFront()
	}
	sess.pending.PushBack(evt)
	sess.log.WithFields(logger.Fields{
		"pending": sess.pending.Len(),
	}).Debug("delta buffered until snapshot baseline")
}

// drainPending replays buffered deltas after a snapshot install. Entries not
// newer than the snapshot are rejected as stale by the reconciler.
func (s *Supervisor) drainPending(sess *session) {
	if sess.pending.Len() == 0 {
		return
	}
	buffered := sess.pending.Len()

	for sess.pending.Len() > 0 {
		evt := sess.pending.PopFront()
		err := sess.rec.Apply(evt)
		if errors.Is(err, book.ErrCrossed) {
			s.enterDegraded(sess, "crossed book detected")
		}
	}

	sess.log.WithFields(logger.Fields{
		"drained": buffered,
	}).Debug("replayed deltas buffered before baseline")
}

func (s *Supervisor) logCounters(sess *session) {
	counters := sess.rec.Counters()
	stats := sess.channels.GetStats()
	sess.log.WithFields(logger.Fields{
		"snapshots_applied": counters.SnapshotsApplied,
		"deltas_applied":    counters.DeltasApplied,
		"dropped_stale":     counters.DroppedStale,
		"crossed_count":     counters.CrossedCount,
		"events_sent":       stats.EventsSent,
		"events_dropped":    stats.EventsDropped,
		"queue_len":         len(sess.channels.Events),
		"queue_cap":         cap(sess.channels.Events),
	}).Info("feed statistics")
}

// setState mutates the externally visible status. Since is kept when the
// state does not change; a stale session cannot move the status.
func (s *Supervisor) setState(sess *session, kind models.FeedStateKind, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != sess {
		return
	}
	if s.status.State != kind {
		s.log.WithComponent("feed_supervisor").WithFields(logger.Fields{
			"from": string(s.status.State),
			"to":   string(kind),
		}).Info("feed state changed")
		s.status.State = kind
		s.status.Since = time.Now()
	}
	s.status.Reason = reason
}

func (s *Supervisor) stateIs(sess *session, kind models.FeedStateKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session == sess && s.status.State == kind
}

func (s *Supervisor) setFailure(sess *session, failure string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != sess {
		return
	}
	s.status.Failure = failure
}

func (s *Supervisor) clearFailure(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != sess {
		return
	}
	s.status.Failure = ""
}

func (s *Supervisor) recordAttempts(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != sess {
		return
	}
	s.status.StreamAttempts = sess.attempts
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
