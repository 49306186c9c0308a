package channel

import (
	"context"
	"sync"

	"polyflow/logger"
	"polyflow/models"
)

type ChannelStats struct {
	EventsSent    int64
	EventsDropped int64
}

// Channels carries book events from the transport readers to the feed
// supervisor. Sends never block: when the buffer is full the event is
// dropped and counted, and the supervisor recovers via a resync.
type Channels struct {
	Events chan models.BookEvent

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events: make(chan models.BookEvent, bufferSize),
		log:    log,
	}

	log.WithComponent("book_channels").WithFields(logger.Fields{
		"event_buffer_size": bufferSize,
	}).Info("book channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Events)
	c.log.WithComponent("book_channels").Info("book channels closed")
}

func (c *Channels) IncrementSent() {
	c.statsMutex.Lock()
	c.stats.EventsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementDropped() {
	c.statsMutex.Lock()
	c.stats.EventsDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) Send(ctx context.Context, msg models.BookEvent) bool {
	select {
	case c.Events <- msg:
		c.IncrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
