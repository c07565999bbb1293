package metrics

import (
	"time"

	"github.com/jiwanchung/shepherd/pkg/types"
)

// RunLister is the minimal view the collector needs of the supervisor's
// run table; satisfied by *supervisor.Supervisor without an import-cycle
// back to it.
type RunLister interface {
	ListStatuses() map[string]types.Status
	BlacklistSize() int
}

// Collector periodically snapshots supervisor-owned state into gauges.
type Collector struct {
	source RunLister
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source RunLister) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic collection.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts := make(map[types.Status]int)
	for _, status := range c.source.ListStatuses() {
		counts[status]++
	}
	RunsTotal.Reset()
	for status, count := range counts {
		RunsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	BlacklistSize.Set(float64(c.source.BlacklistSize()))
}
