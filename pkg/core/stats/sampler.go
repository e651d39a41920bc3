// Package stats samples kernel byte counters for a session's bridges and
// interfaces and publishes per-interval throughput rates.
package stats

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/util"
)

// DefaultInterval is the sampling period.
const DefaultInterval = time.Second

// Target is one sampled device.
type Target struct {
	Dev     string
	NodeID  int
	IfaceID int // -1 for bridges
}

// Sampler periodically reads byte counters and emits throughput events.
type Sampler struct {
	SessionID int
	Interval  time.Duration
	Bus       *events.Bus

	// ReadCounters returns the device's cumulative rx+tx byte count;
	// replaced in tests. Defaults to sysfs statistics files.
	ReadCounters func(dev string) (uint64, error)

	mu      sync.Mutex
	targets map[string]Target
	last    map[string]uint64
}

// NewSampler creates a sampler publishing to bus.
func NewSampler(sessionID int, bus *events.Bus, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		SessionID:    sessionID,
		Interval:     interval,
		Bus:          bus,
		ReadCounters: readSysfsCounters,
		targets:      make(map[string]Target),
		last:         make(map[string]uint64),
	}
}

// AddTarget starts sampling a device.
func (s *Sampler) AddTarget(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.Dev] = t
}

// RemoveTarget stops sampling a device.
func (s *Sampler) RemoveTarget(dev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, dev)
	delete(s.last, dev)
}

// Run samples until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

// sample reads every target once and publishes rates. The first reading of
// a device only seeds its counter.
func (s *Sampler) sample() {
	s.mu.Lock()
	targets := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	for _, t := range targets {
		count, err := s.ReadCounters(t.Dev)
		if err != nil {
			util.WithSession(s.SessionID).Debugf("stats: read %s: %v", t.Dev, err)
			continue
		}

		s.mu.Lock()
		prev, seeded := s.last[t.Dev]
		s.last[t.Dev] = count
		s.mu.Unlock()
		if !seeded {
			continue
		}

		delta := counterDelta(prev, count)
		bps := float64(delta) * 8 / s.Interval.Seconds()
		s.Bus.Publish(events.Event{
			Topic:     events.TopicThroughput,
			SessionID: s.SessionID,
			Data: events.ThroughputEvent{
				NodeID:  t.NodeID,
				IfaceID: t.IfaceID,
				Bps:     bps,
			},
		})
	}
}

// counterDelta handles 32-bit counter wrap, assuming at most one wrap per
// interval.
func counterDelta(prev, cur uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	if prev <= 1<<32 {
		return cur + 1<<32 - prev
	}
	// A 64-bit counter moved backwards: device was recreated, reseed.
	return 0
}

// readSysfsCounters sums a device's rx and tx byte counters.
func readSysfsCounters(dev string) (uint64, error) {
	var total uint64
	for _, name := range []string{"rx_bytes", "tx_bytes"} {
		path := fmt.Sprintf("/sys/class/net/%s/statistics/%s", dev, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}
