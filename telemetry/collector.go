package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// InstanceCounter is the subset of coordinator.InstanceDirectory the
// collector depends on, kept narrow so telemetry never imports package
// coordinator's write paths.
type InstanceCounter interface {
	CountRunningReapers(ctx context.Context) (int, error)
}

// InstanceCollector periodically polls the live-instance directory and
// republishes count_running_reapers() as CoordinatorRunningInstances.
type InstanceCollector struct {
	instances InstanceCounter
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewInstanceCollector creates a new instance-count collector.
func NewInstanceCollector(instances InstanceCounter, interval time.Duration) *InstanceCollector {
	return &InstanceCollector{
		instances: instances,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection.
func (c *InstanceCollector) Start() {
	c.wg.Add(1)
	go c.collectLoop()
}

// Stop stops the collector.
func (c *InstanceCollector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *InstanceCollector) collectLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *InstanceCollector) collect() {
	if c.instances == nil {
		return
	}

	count, err := c.instances.CountRunningReapers(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("count running reapers")
		return
	}

	CoordinatorRunningInstances.Set(float64(count))
}
