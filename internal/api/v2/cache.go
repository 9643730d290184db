package api

import (
	"github.com/tphakala/trafficsat/internal/events"
	"github.com/tphakala/trafficsat/internal/logger"
)

// CacheInvalidator drops cached query results after every completed run.
type CacheInvalidator struct {
	c *Controller
}

// CacheConsumer returns the event consumer that keeps the query cache fresh.
func (c *Controller) CacheConsumer() events.Consumer {
	return &CacheInvalidator{c: c}
}

// Name implements events.Consumer.
func (ci *CacheInvalidator) Name() string { return "api-cache" }

// ProcessEvent implements events.Consumer.
func (ci *CacheInvalidator) ProcessEvent(event events.RunEvent) error {
	if event.Failed() {
		return nil
	}
	ci.c.InvalidateCache()
	ci.c.logger.Debug("query cache invalidated",
		logger.String("image_id", event.ImageID))
	return nil
}
