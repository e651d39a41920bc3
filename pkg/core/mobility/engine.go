package mobility

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/corenet-emu/corenet/pkg/util"
)

// DefaultTick is the position update resolution.
const DefaultTick = 50 * time.Millisecond

// State is the engine's playback state.
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// position is one node's interpolation state.
type position struct {
	x, y, z float64

	queue []Waypoint // remaining waypoints
	ready float64    // script time the node became idle

	// active movement segment, valid when moving
	moving            bool
	startT, arriveT   float64
	sx, sy, sz        float64
	tx, ty, tz        float64
}

// Engine interpolates a script's positions in real time. SetPosition is
// called from the tick goroutine for every node whose position changed.
type Engine struct {
	SessionID int

	// SetPosition pushes a new position into the data model. Required.
	SetPosition func(node int, x, y, z float64)

	mu      sync.Mutex
	script  *Script
	tick    time.Duration
	loop    bool
	state   State
	elapsed float64
	nodes   map[int]*position

	cancel context.CancelFunc
}

// NewEngine creates an engine for a parsed script. tick <= 0 selects
// DefaultTick.
func NewEngine(sessionID int, script *Script, tick time.Duration, loop bool) *Engine {
	if tick <= 0 {
		tick = DefaultTick
	}
	e := &Engine{
		SessionID: sessionID,
		script:    script,
		tick:      tick,
		loop:      loop,
	}
	e.rewind()
	return e
}

// rewind resets all per-node interpolation state to script start.
// Caller holds e.mu (or is the constructor).
func (e *Engine) rewind() {
	e.elapsed = 0
	e.nodes = make(map[int]*position, len(e.script.Waypoints))
	for id, wps := range e.script.Waypoints {
		queue := make([]Waypoint, len(wps))
		copy(queue, wps)
		e.nodes[id] = &position{queue: queue}
	}
}

// State returns the current playback state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Elapsed returns the script time in seconds.
func (e *Engine) Elapsed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.elapsed
}

// Play starts or resumes playback. The engine ticks until the script ends
// (or forever when looping), Pause/Stop is called, or ctx is canceled.
func (e *Engine) Play(ctx context.Context) {
	e.mu.Lock()
	if e.state == Playing {
		e.mu.Unlock()
		return
	}
	e.state = Playing
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	go e.run(ctx)
}

// Pause halts playback keeping the current script time.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Playing {
		return
	}
	e.state = Paused
	if e.cancel != nil {
		e.cancel()
	}
}

// Stop halts playback and rewinds to t=0.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Stopped
	if e.cancel != nil {
		e.cancel()
	}
	e.rewind()
}

// Reset rewinds to t=0 without changing the playback state; a playing
// engine starts over.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rewind()
}

func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			if done := e.step(dt); done {
				e.mu.Lock()
				if e.loop {
					e.rewind()
					e.mu.Unlock()
					continue
				}
				e.state = Stopped
				e.mu.Unlock()
				util.WithSession(e.SessionID).Debug("mobility: script complete")
				return
			}
		}
	}
}

// step advances script time by dt seconds and pushes changed positions.
// It returns true when every node's queue is exhausted.
func (e *Engine) step(dt float64) bool {
	type update struct {
		node    int
		x, y, z float64
	}
	var updates []update

	e.mu.Lock()
	e.elapsed += dt
	done := true
	for id, p := range e.nodes {
		moved := p.advance(e.elapsed)
		if moved {
			updates = append(updates, update{id, p.x, p.y, p.z})
		}
		if len(p.queue) > 0 || p.moving {
			done = false
		}
	}
	setPos := e.SetPosition
	e.mu.Unlock()

	if setPos != nil {
		for _, u := range updates {
			setPos(u.node, u.x, u.y, u.z)
		}
	}
	return done
}

// advance moves the node to its position at script time t. Returns true if
// the position changed.
func (p *position) advance(t float64) bool {
	moved := false
	for {
		if p.moving {
			if t < p.startT {
				return moved
			}
			if t >= p.arriveT {
				p.x, p.y, p.z = p.tx, p.ty, p.tz
				p.moving = false
				p.ready = p.arriveT
				moved = true
				continue
			}
			frac := (t - p.startT) / (p.arriveT - p.startT)
			p.x = p.sx + (p.tx-p.sx)*frac
			p.y = p.sy + (p.ty-p.sy)*frac
			p.z = p.sz + (p.tz-p.sz)*frac
			return true
		}

		if len(p.queue) == 0 {
			return moved
		}
		wp := p.queue[0]

		if wp.Speed <= 0 {
			// Teleport placements take effect at their script time.
			if t < wp.Time {
				return moved
			}
			p.queue = p.queue[1:]
			p.x, p.y, p.z = wp.X, wp.Y, wp.Z
			if wp.Time > p.ready {
				p.ready = wp.Time
			}
			moved = true
			continue
		}

		// A movement segment begins as soon as the node is free, but no
		// earlier than needed to arrive at the waypoint's time.
		dist := math.Sqrt((wp.X-p.x)*(wp.X-p.x) + (wp.Y-p.y)*(wp.Y-p.y) + (wp.Z-p.z)*(wp.Z-p.z))
		duration := dist / wp.Speed
		start := wp.Time - duration
		if start < p.ready {
			start = p.ready
		}
		p.queue = p.queue[1:]
		p.moving = true
		p.startT = start
		p.arriveT = start + duration
		p.sx, p.sy, p.sz = p.x, p.y, p.z
		p.tx, p.ty, p.tz = wp.X, wp.Y, wp.Z
	}
}
