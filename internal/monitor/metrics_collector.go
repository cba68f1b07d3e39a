package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/executor"
	"github.com/t77yq/agentspace/internal/metrics"
	"github.com/t77yq/agentspace/internal/model"
	"github.com/t77yq/agentspace/internal/orchestrator"
)

// Sender is the sender id of status broadcasts
const Sender = "system-monitor"

const DefaultInterval = 30 * time.Second

// Publisher delivers status broadcasts
type Publisher interface {
	Send(msg model.InterAgentMessage) error
}

// StatusSource reports the agent table summary
type StatusSource interface {
	Status() orchestrator.Status
}

// Snapshot is one system sample
type Snapshot struct {
	Timestamp     time.Time           `json:"timestamp"`
	CPUPercent    float64             `json:"cpu_percent"`
	MemoryPercent float64             `json:"memory_percent"`
	ProcessRSS    uint64              `json:"process_rss_bytes"`
	Runtime       orchestrator.Status `json:"runtime"`
}

// MetricsCollector samples host and process usage, updates the gauges and
// broadcasts a StatusUpdate message with every sample
type MetricsCollector struct {
	logger    *zap.Logger
	bus       Publisher
	source    StatusSource
	resources *executor.ResourceMonitor
	metrics   *metrics.Metrics
	interval  time.Duration

	mu   sync.RWMutex
	last *Snapshot

	stop chan struct{}
	done chan struct{}
}

// NewMetricsCollector creates a collector. source and resources may be nil.
func NewMetricsCollector(bus Publisher, source StatusSource, resources *executor.ResourceMonitor,
	interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &MetricsCollector{
		logger:    logger.Named("metrics-collector"),
		bus:       bus,
		source:    source,
		resources: resources,
		metrics:   m,
		interval:  interval,
	}
}

// Start starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.collectLoop(ctx, c.stop, c.done)
}

// Stop stops the collection loop and waits for it to exit
func (c *MetricsCollector) Stop() {
	if c.stop == nil {
		return
	}
	c.logger.Info("Stopping metrics collector")
	close(c.stop)
	<-c.done
	c.stop = nil
}

func (c *MetricsCollector) collectLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := c.Collect(); err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
			}
		}
	}
}

// Collect takes one sample, records it and publishes it
func (c *MetricsCollector) Collect() (Snapshot, error) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	snap := Snapshot{
		Timestamp:     time.Now().UTC(),
		MemoryPercent: memInfo.UsedPercent,
		ProcessRSS:    c.resources.RSS(),
	}
	if len(cpuPercent) > 0 {
		snap.CPUPercent = cpuPercent[0]
	}
	if c.source != nil {
		snap.Runtime = c.source.Status()
	}

	c.metrics.SystemCPU.Set(snap.CPUPercent)
	c.metrics.SystemMemory.Set(snap.MemoryPercent)
	c.metrics.ProcessRSS.Set(float64(snap.ProcessRSS))

	c.mu.Lock()
	c.last = &snap
	c.mu.Unlock()

	c.publish(snap)

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snap.CPUPercent),
		zap.Float64("memory_usage", snap.MemoryPercent),
		zap.Uint64("rss", snap.ProcessRSS),
		zap.Int("agents", snap.Runtime.Total))
	return snap, nil
}

// Last returns the most recent sample
func (c *MetricsCollector) Last() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.last == nil {
		return Snapshot{}, false
	}
	return *c.last, true
}

func (c *MetricsCollector) publish(snap Snapshot) {
	if c.bus == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if err := c.bus.Send(model.NewBroadcast(Sender, model.TypeOf(model.MessageStatusUpdate), data)); err != nil {
		c.logger.Debug("Failed to publish metrics", zap.Error(err))
	}
}
