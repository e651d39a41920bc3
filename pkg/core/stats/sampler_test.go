package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/corenet-emu/corenet/pkg/core/events"
)

func newTestSampler() (*Sampler, *events.Subscriber, func(dev string, count uint64)) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.Filter{Topics: []events.Topic{events.TopicThroughput}}, 0)

	var mu sync.Mutex
	counters := map[string]uint64{}
	s := NewSampler(1, bus, time.Second)
	s.ReadCounters = func(dev string) (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		return counters[dev], nil
	}
	set := func(dev string, count uint64) {
		mu.Lock()
		defer mu.Unlock()
		counters[dev] = count
	}
	return s, sub, set
}

func recv(t *testing.T, sub *events.Subscriber) events.ThroughputEvent {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev.Data.(events.ThroughputEvent)
	case <-time.After(time.Second):
		t.Fatalf("no throughput event")
		return events.ThroughputEvent{}
	}
}

func TestSampleRates(t *testing.T) {
	s, sub, set := newTestSampler()
	s.AddTarget(Target{Dev: "veth1.0.ab", NodeID: 1, IfaceID: 0})

	set("veth1.0.ab", 1000)
	s.sample() // seeds, no event

	set("veth1.0.ab", 2250) // +1250 bytes over 1s = 10000 bps
	s.sample()

	ev := recv(t, sub)
	if ev.NodeID != 1 || ev.IfaceID != 0 {
		t.Errorf("event keys = %+v", ev)
	}
	if ev.Bps != 10000 {
		t.Errorf("Bps = %g, want 10000", ev.Bps)
	}
}

func TestBridgeTargetKeying(t *testing.T) {
	s, sub, set := newTestSampler()
	s.AddTarget(Target{Dev: "b.5.ab", NodeID: 5, IfaceID: -1})

	set("b.5.ab", 0)
	s.sample()
	set("b.5.ab", 125)
	s.sample()

	ev := recv(t, sub)
	if ev.NodeID != 5 || ev.IfaceID != -1 {
		t.Errorf("bridge event keys = %+v", ev)
	}
	if ev.Bps != 1000 {
		t.Errorf("Bps = %g, want 1000", ev.Bps)
	}
}

func TestCounterWrap(t *testing.T) {
	// A 32-bit counter wraps: 2^32 - 100 -> 150 means 250 bytes moved.
	if got := counterDelta(1<<32-100, 150); got != 250 {
		t.Errorf("wrap delta = %d, want 250", got)
	}
	// Plain increase.
	if got := counterDelta(100, 300); got != 200 {
		t.Errorf("delta = %d, want 200", got)
	}
	// A 64-bit counter going backwards is a device reset, not a wrap.
	if got := counterDelta(1<<40, 10); got != 0 {
		t.Errorf("reset delta = %d, want 0", got)
	}
}

func TestRemoveTarget(t *testing.T) {
	s, sub, set := newTestSampler()
	s.AddTarget(Target{Dev: "veth1.0.ab", NodeID: 1, IfaceID: 0})
	set("veth1.0.ab", 0)
	s.sample()
	s.RemoveTarget("veth1.0.ab")
	set("veth1.0.ab", 1000)
	s.sample()

	select {
	case ev := <-sub.C():
		t.Errorf("event after RemoveTarget: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
