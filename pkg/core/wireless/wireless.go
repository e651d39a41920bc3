// Package wireless computes pairwise connectivity inside a WLAN cloud from
// node positions and a per-cloud range, emitting edge-triggered link churn.
package wireless

import (
	"math"
	"sort"
	"sync"

	"github.com/corenet-emu/corenet/pkg/util"
)

// Config holds the per-cloud range model parameters. Bandwidth, delay,
// jitter, and loss describe the shaping applied to in-range pairs.
type Config struct {
	Range     float64 // canvas units; pairs at exactly Range are linked
	Bandwidth uint64  // bps
	Delay     uint64  // microseconds
	Jitter    uint64  // microseconds
	Loss      float64 // percent
}

// DefaultConfig mirrors a typical 802.11b-style cloud.
func DefaultConfig() Config {
	return Config{Range: 275, Bandwidth: 54_000_000, Delay: 5000}
}

// pairKey orders a node pair so (a,b) and (b,a) collide.
type pairKey struct{ a, b int }

func makePair(a, b int) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// Model tracks one cloud's members and their pairwise link state.
// OnLinkUp/OnLinkDown fire while the model lock is held, so callbacks must
// not call back into the model.
type Model struct {
	CloudID    int
	OnLinkUp   func(a, b int)
	OnLinkDown func(a, b int)

	mu     sync.Mutex
	config Config
	pos    map[int][3]float64
	linked map[pairKey]bool
}

// NewModel creates a range model for one WLAN cloud.
func NewModel(cloudID int, config Config) *Model {
	return &Model{
		CloudID: cloudID,
		config:  config,
		pos:     make(map[int][3]float64),
		linked:  make(map[pairKey]bool),
	}
}

// Config returns the current parameters.
func (m *Model) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// SetConfig replaces the parameters and re-evaluates every pair against the
// new range.
func (m *Model) SetConfig(config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config
	for key := range allPairs(m.pos) {
		m.evaluate(key)
	}
}

// Join adds a node to the cloud at a position and evaluates its links.
func (m *Model) Join(node int, x, y, z float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos[node] = [3]float64{x, y, z}
	for other := range m.pos {
		if other != node {
			m.evaluate(makePair(node, other))
		}
	}
}

// Leave removes a node, dropping any links it held.
func (m *Model) Leave(node int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pos, node)
	for key, up := range m.linked {
		if key.a != node && key.b != node {
			continue
		}
		delete(m.linked, key)
		if up && m.OnLinkDown != nil {
			m.OnLinkDown(key.a, key.b)
		}
	}
}

// Move updates one node's position and re-evaluates only that node's pairs;
// cost is O(k) in the cloud's membership.
func (m *Model) Move(node int, x, y, z float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pos[node]; !ok {
		return
	}
	m.pos[node] = [3]float64{x, y, z}
	for other := range m.pos {
		if other != node {
			m.evaluate(makePair(node, other))
		}
	}
}

// SetLinked forces a pair's linkage regardless of distance, firing the
// edge callback if the state changes. The next position update of either
// member re-evaluates the pair against the range again.
func (m *Model) SetLinked(a, b int, linked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := makePair(a, b)
	if m.linked[key] == linked {
		return
	}
	m.linked[key] = linked
	if linked {
		if m.OnLinkUp != nil {
			m.OnLinkUp(key.a, key.b)
		}
	} else if m.OnLinkDown != nil {
		m.OnLinkDown(key.a, key.b)
	}
}

// Linked reports the current state for a pair.
func (m *Model) Linked(a, b int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linked[makePair(a, b)]
}

// Members returns the cloud's member node ids, sorted.
func (m *Model) Members() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.pos))
	for id := range m.pos {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// evaluate recomputes one pair and fires a callback on an edge. Caller
// holds m.mu.
func (m *Model) evaluate(key pairKey) {
	pa, okA := m.pos[key.a]
	pb, okB := m.pos[key.b]
	if !okA || !okB {
		return
	}
	want := distance(pa, pb) <= m.config.Range
	have := m.linked[key]
	if want == have {
		return
	}
	m.linked[key] = want
	if want {
		util.Logger.Debugf("wireless: cloud %d link up %d-%d", m.CloudID, key.a, key.b)
		if m.OnLinkUp != nil {
			m.OnLinkUp(key.a, key.b)
		}
	} else {
		util.Logger.Debugf("wireless: cloud %d link down %d-%d", m.CloudID, key.a, key.b)
		if m.OnLinkDown != nil {
			m.OnLinkDown(key.a, key.b)
		}
	}
}

func distance(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func allPairs(pos map[int][3]float64) map[pairKey]struct{} {
	out := make(map[pairKey]struct{})
	for a := range pos {
		for b := range pos {
			if a < b {
				out[pairKey{a, b}] = struct{}{}
			}
		}
	}
	return out
}
