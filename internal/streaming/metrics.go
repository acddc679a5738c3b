package streaming

import (
	"context"
	"sync"
)

// MetricCache subscribes to TopicMetrics and keeps the latest sample per
// metric name. Threshold triggers read from it at their evaluation interval
// instead of scanning the stream themselves.
type MetricCache struct {
	mu     sync.RWMutex
	latest map[string]MetricSample
	cancel func()
}

// NewMetricCache starts a cache fed by the hub. Call Close to detach.
func NewMetricCache(ctx context.Context, hub Hub) (*MetricCache, error) {
	ch, cancel, err := hub.Subscribe(ctx, Filter{Topic: TopicMetrics})
	if err != nil {
		return nil, err
	}

	c := &MetricCache{
		latest: make(map[string]MetricSample),
		cancel: cancel,
	}

	go func() {
		for event := range ch {
			sample, ok := event.Payload.(MetricSample)
			if !ok {
				continue
			}
			c.mu.Lock()
			c.latest[sample.Name] = sample
			c.mu.Unlock()
		}
	}()

	return c, nil
}

// NewStaticMetricCache creates a cache fed only through Record.
func NewStaticMetricCache() *MetricCache {
	return &MetricCache{latest: make(map[string]MetricSample)}
}

// Latest returns the most recent sample for a metric, if any arrived.
func (c *MetricCache) Latest(name string) (MetricSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[name]
	return s, ok
}

// Record stores a sample directly, bypassing the hub. Used by tests and by
// pollers that scrape metrics instead of streaming them.
func (c *MetricCache) Record(sample MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[sample.Name] = sample
}

// Close detaches the cache from the hub.
func (c *MetricCache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
