package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is how often a TreeCollector samples by default.
const DefaultSampleInterval = time.Second

var (
	treeRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proctrack",
			Subsystem: "tree",
			Name:      "rss_bytes",
			Help:      "Resident memory summed over the live processes of the tree.",
		},
	)
	treeCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proctrack",
			Subsystem: "tree",
			Name:      "cpu_seconds",
			Help:      "User plus system CPU time summed over the live processes of the tree.",
		},
	)
	treeThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proctrack",
			Subsystem: "tree",
			Name:      "threads",
			Help:      "Threads summed over the live processes of the tree.",
		},
	)
)

// TreeSample is the resource usage of the live part of a process tree.
type TreeSample struct {
	PIDs       int       `json:"pids"`
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUSeconds float64   `json:"cpu_seconds"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleTree sums the usage of pids. Pids that exit while being sampled are
// skipped.
func SampleTree(pids []int) TreeSample {
	s := TreeSample{Timestamp: time.Now()}
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		m, err := sampleProcess(int32(pid))
		if err != nil {
			slog.Debug("Failed to sample process", "pid", pid, "error", err)
			continue
		}
		s.PIDs++
		s.RSSBytes += m.RSSBytes
		s.CPUSeconds += m.CPUSeconds
		s.NumThreads += m.NumThreads
	}
	return s
}

func sampleProcess(pid int32) (TreeSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return TreeSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return TreeSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	var s TreeSample
	s.RSSBytes = memInfo.RSS
	if times, err := proc.Times(); err == nil {
		s.CPUSeconds = times.User + times.System
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	return s, nil
}

// TreeCollector samples a tree periodically, updates the tree gauges and
// remembers the peak memory sample.
type TreeCollector struct {
	interval time.Duration
	pids     func() []int

	mu   sync.Mutex
	last TreeSample
	peak TreeSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTreeCollector samples the pids returned by pids every interval.
func NewTreeCollector(interval time.Duration, pids func() []int) *TreeCollector {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &TreeCollector{interval: interval, pids: pids, stopCh: make(chan struct{})}
}

// Start begins periodic sampling until ctx ends or Stop is called.
func (c *TreeCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

// Stop ends sampling and returns the sample with the highest memory use.
func (c *TreeCollector) Stop() TreeSample {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.Peak()
}

func (c *TreeCollector) collect() {
	s := SampleTree(c.pids())
	c.mu.Lock()
	c.last = s
	if s.RSSBytes >= c.peak.RSSBytes {
		c.peak = s
	}
	c.mu.Unlock()
	if regOK.Load() {
		treeRSS.Set(float64(s.RSSBytes))
		treeCPU.Set(s.CPUSeconds)
		treeThreads.Set(float64(s.NumThreads))
	}
}

func (c *TreeCollector) Last() TreeSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *TreeCollector) Peak() TreeSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}
