package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/corenet-emu/corenet/pkg/config"
	"github.com/corenet-emu/corenet/pkg/core/addrs"
	"github.com/corenet-emu/corenet/pkg/core/broker"
	"github.com/corenet-emu/corenet/pkg/core/conf"
	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/core/fabric"
	"github.com/corenet-emu/corenet/pkg/core/geo"
	"github.com/corenet-emu/corenet/pkg/core/mobility"
	"github.com/corenet-emu/corenet/pkg/core/nsdrv"
	"github.com/corenet-emu/corenet/pkg/core/services"
	"github.com/corenet-emu/corenet/pkg/core/statestore"
	"github.com/corenet-emu/corenet/pkg/core/stats"
	"github.com/corenet-emu/corenet/pkg/core/wireless"
	"github.com/corenet-emu/corenet/pkg/util"
)

// Hook is a host-side script run on entry to a session state.
type Hook struct {
	State SessionState
	Name  string
	Body  string
}

// Session is one emulation instance: data model, workspace, lifecycle, and
// the components operating it. All data-model mutation is serialized by
// the session mutex; long-running work happens off-lock on worker
// goroutines.
type Session struct {
	ID   int
	Name string
	User string
	Dir  string

	Bus  *events.Bus
	Conf *conf.Store

	mu    sync.RWMutex
	state SessionState
	nodes map[int]*Node
	links []*Link
	hooks []Hook
	adj   *adjacency

	nodeIDs *IDPool
	linkIDs *IDPool
	macs    *addrs.MACPool
	alloc   *addrs.Allocator

	fabric  *fabric.Fabric
	drv     *nsdrv.Driver
	sched   *services.Scheduler
	sampler *stats.Sampler
	wlans   map[int]*wireless.Model
	mob     *mobility.Engine
	brk     *broker.Broker
	store   *statestore.Store
	geoConv *geo.Converter

	cfg    config.SessionConfig
	limits *alertLimiter

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// newSession wires a session's components. Called by the Registry.
func newSession(id int, user, dir string, cfg config.SessionConfig, bus *events.Bus, store *statestore.Store) (*Session, error) {
	alloc, err := addrs.NewAllocator(cfg.IPv4Pool, cfg.IPv6Pool)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("core: create session dir: %w", err)
	}

	s := &Session{
		ID:      id,
		User:    user,
		Dir:     dir,
		Bus:     bus,
		Conf:    conf.NewStore(wlanSchema(), mobilitySchema(), optionsSchema()),
		state:   StateDefinition,
		nodes:   make(map[int]*Node),
		adj:     newAdjacency(),
		nodeIDs: NewIDPool(),
		linkIDs: NewIDPool(),
		macs:    addrs.NewMACPool(cfg.MACPrefix, cfg.MACStart),
		alloc:   alloc,
		fabric:  fabric.New(id),
		drv:     nsdrv.NewDriver(id),
		wlans:   make(map[int]*wireless.Model),
		store:   store,
		cfg:     cfg,
		limits:  newAlertLimiter(),
	}
	s.drv.OrphanMatch = func(nodeID int, dev string) bool {
		return s.fabric.Managed(dev)
	}
	s.sched = &services.Scheduler{
		Registry: services.NewRegistry(),
		Timeout:  cfg.ServiceTimeout,
	}
	s.sampler = stats.NewSampler(id, bus, 0)
	s.brk = broker.New(id, bus)
	return s, nil
}

// wlanSchema declares the range-model options.
func wlanSchema() *conf.Schema {
	return &conf.Schema{
		Name: "wlan",
		Options: []conf.Option{
			{Name: "range", Type: conf.TypeFloat, Default: conf.Float(275), MinMax: true, Min: 0, Max: 1e7},
			{Name: "bandwidth", Type: conf.TypeUint64, Default: conf.Uint(54_000_000)},
			{Name: "delay", Type: conf.TypeUint64, Default: conf.Uint(5000)},
			{Name: "jitter", Type: conf.TypeUint64, Default: conf.Uint(0)},
			{Name: "loss", Type: conf.TypeFloat, Default: conf.Float(0), MinMax: true, Min: 0, Max: 100},
		},
	}
}

// mobilitySchema declares the waypoint script parameters.
func mobilitySchema() *conf.Schema {
	return &conf.Schema{
		Name: "mobility",
		Options: []conf.Option{
			{Name: "file", Type: conf.TypeString, Default: conf.String("")},
			{Name: "refresh_ms", Type: conf.TypeUint32, Default: conf.Uint(50)},
			{Name: "loop", Type: conf.TypeBool, Default: conf.Bool(false)},
			{Name: "autostart", Type: conf.TypeBool, Default: conf.Bool(false)},
		},
	}
}

// optionsSchema declares the session options.
func optionsSchema() *conf.Schema {
	return &conf.Schema{
		Name: "options",
		Options: []conf.Option{
			{Name: "preserve_dir", Type: conf.TypeBool, Default: conf.Bool(false)},
			{Name: "escalate_service_failures", Type: conf.TypeBool, Default: conf.Bool(false)},
			{Name: "controlnet", Type: conf.TypeString, Default: conf.String("")},
			{Name: "controlnet1", Type: conf.TypeString, Default: conf.String("")},
			{Name: "controlnet2", Type: conf.TypeString, Default: conf.String("")},
			{Name: "controlnet3", Type: conf.TypeString, Default: conf.String("")},
		},
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Services exposes the session's service registry for definitions and
// defaults.
func (s *Session) Services() *services.Registry {
	return s.sched.Registry
}

// Broker exposes the distributed broker.
func (s *Session) Broker() *broker.Broker {
	return s.brk
}

// SetCanvasRef installs the geographic reference point: refX/refY in canvas
// pixels, scale in meters per 100 pixels.
func (s *Session) SetCanvasRef(refX, refY float64, ref geo.Point, scale float64) error {
	conv, err := geo.NewConverter(refX, refY, ref, scale)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.geoConv = conv
	s.mu.Unlock()
	return nil
}

// CanvasRef returns the converter, or nil when no reference is set.
func (s *Session) CanvasRef() *geo.Converter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.geoConv
}

// NodeOpts parameterizes AddNode. Zero values select defaults.
type NodeOpts struct {
	ID       int // 0 = lowest unused
	Name     string
	Type     NodeType
	Model    string
	X, Y, Z  float64
	Canvas   int
	Server   string
	HostDev  string // RJ45 host interface
	GreKey   uint32 // tunnel endpoint key
	Services []string
}

// AddNode creates a node. Validation failures mutate nothing. Nodes may be
// added during runtime only when they will attach to a running link-layer
// cloud; that constraint is enforced at link time.
func (s *Session) AddNode(opts NodeOpts) (*Node, error) {
	if _, ok := nodeTypeNames[opts.Type]; !ok {
		return nil, fmt.Errorf("core: %w: %d", util.ErrUnsupportedNodeType, int(opts.Type))
	}
	if opts.Type == NodeRJ45 && opts.HostDev == "" {
		return nil, &util.ValidationError{Errors: []string{"rj45 node needs a host interface"}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state >= StateInstantiation && s.state != StateShutdown && !opts.Type.IsNetwork() {
		return nil, &util.ValidationError{
			Errors: []string{"only network nodes may be added to a running session"},
		}
	}

	id := opts.ID
	if id == 0 {
		id = s.nodeIDs.Next()
	} else if !s.nodeIDs.Claim(id) {
		return nil, fmt.Errorf("core: node id %d: %w", id, util.ErrDuplicateID)
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("n%d", id)
	}

	n := newNode(id, name, opts.Type)
	n.Model = opts.Model
	n.X, n.Y, n.Z = opts.X, opts.Y, opts.Z
	n.Canvas = opts.Canvas
	n.Server = opts.Server
	n.HostDev = opts.HostDev
	n.GreKey = opts.GreKey
	n.Services = append([]string{}, opts.Services...)
	n.Dir = filepath.Join(s.Dir, name+".conf")
	s.nodes[id] = n

	s.publish(events.TopicNode, events.NodeEvent{
		NodeID: id, Name: name, Op: "add", X: n.X, Y: n.Y, Z: n.Z,
	})
	s.mirrorNode(n, broker.MsgNodeCreate)
	s.store.SetNode(context.Background(), s.ID, id, name, opts.Type.String(), n.X, n.Y, n.Z)
	return n, nil
}

// Node returns a node by id.
func (s *Session) Node(id int) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, util.NewNotFoundError("node", fmt.Sprintf("%d", id))
	}
	return n, nil
}

// Nodes returns all nodes.
func (s *Session) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// NodeCount returns the number of nodes.
func (s *Session) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// DeleteNode removes a node, its links, interfaces, configuration, and
// (when live) its namespace and devices.
func (s *Session) DeleteNode(id int) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return util.NewNotFoundError("node", fmt.Sprintf("%d", id))
	}

	// Links touching the node go first.
	var doomed []*Link
	kept := s.links[:0]
	for _, l := range s.links {
		if l.touches(id) {
			doomed = append(doomed, l)
		} else {
			kept = append(kept, l)
		}
	}
	s.links = kept
	for _, l := range doomed {
		s.adj.remove(l.Node1, l.Node2)
		s.linkIDs.Release(l.ID)
	}

	delete(s.nodes, id)
	s.adj.removeNode(id)
	s.nodeIDs.Release(id)
	live := s.state >= StateInstantiation && s.state < StateShutdown
	server := n.Server
	s.mu.Unlock()

	s.Conf.DeleteNode(id)

	if live {
		s.teardownNode(n)
	}
	s.mu.Lock()
	delete(s.wlans, id)
	models := make([]*wireless.Model, 0, len(s.wlans))
	for _, m := range s.wlans {
		models = append(models, m)
	}
	s.mu.Unlock()
	// Leaves run off-lock since model callbacks read the session.
	for _, m := range models {
		m.Leave(id)
	}

	for _, l := range doomed {
		s.publish(events.TopicLink, events.LinkEvent{
			Node1: l.Node1, Node2: l.Node2, Iface1: l.Iface1, Iface2: l.Iface2, Op: "delete",
		})
	}
	s.publish(events.TopicNode, events.NodeEvent{NodeID: id, Name: n.Name, Op: "delete"})
	if server != "" {
		if err := s.brk.MirrorNode(server, broker.MsgNodeDelete, broker.NodeMsg{ID: id}); err != nil {
			s.Alert(events.AlertError, "peer-mirror", n.Name, id, err.Error())
		}
	}
	s.store.DeleteNode(context.Background(), s.ID, id)
	return nil
}

// wlanModel returns a cloud's range model.
func (s *Session) wlanModel(nodeID int) (*wireless.Model, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.wlans[nodeID]
	return m, ok
}

// SetPosition moves a node, drives the range models of any clouds it
// belongs to, and publishes position events (with geographic coordinates
// when a canvas reference is set). Position stays freely mutable during
// runtime.
func (s *Session) SetPosition(id int, x, y, z float64) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return util.NewNotFoundError("node", fmt.Sprintf("%d", id))
	}
	n.X, n.Y, n.Z = x, y, z
	conv := s.geoConv
	var clouds []*wireless.Model
	for _, ifc := range n.ifaces {
		if m, ok := s.wlans[ifc.NetID]; ok {
			clouds = append(clouds, m)
		}
	}
	s.mu.Unlock()

	for _, m := range clouds {
		m.Move(id, x, y, z)
	}

	ev := events.PositionEvent{NodeID: id, X: x, Y: y, Z: z}
	if conv != nil {
		p := conv.ToGeo(x, y, z)
		ev.Lat, ev.Lon, ev.Alt, ev.Geo = p.Lat, p.Lon, p.Alt, true
		if conv.CrossesZone(p) {
			s.Alert(events.AlertWarning, "projection-zone", n.Name, id,
				"position projects outside the reference zone; precision degraded")
		}
	}
	s.publish(events.TopicPosition, ev)
	s.store.SetNode(context.Background(), s.ID, id, n.Name, n.Type.String(), x, y, z)
	return nil
}

// AddHook registers a hook body under a state. Multiple hooks per state
// run in insertion order.
func (s *Session) AddHook(state SessionState, name, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, Hook{State: state, Name: name, Body: body})
}

// Hooks returns registered hooks, optionally filtered by state.
func (s *Session) Hooks(state SessionState) []Hook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Hook
	for _, h := range s.hooks {
		if state == StateNone || h.State == state {
			out = append(out, h)
		}
	}
	return out
}

// publish sends an event stamped with this session's id.
func (s *Session) publish(topic events.Topic, data interface{}) {
	s.Bus.Publish(events.Event{Topic: topic, SessionID: s.ID, Data: data})
}

// mirrorNode forwards a node operation to the peer hosting it, when any.
// Caller holds s.mu.
func (s *Session) mirrorNode(n *Node, op broker.MsgType) {
	if n.Server == "" {
		return
	}
	msg := broker.NodeMsg{
		ID: n.ID, Name: n.Name, Type: n.Type.String(), Model: n.Model,
		X: n.X, Y: n.Y, Z: n.Z, Services: n.Services,
	}
	go func() {
		if err := s.brk.MirrorNode(n.Server, op, msg); err != nil {
			s.Alert(events.AlertError, "peer-mirror", n.Name, n.ID, err.Error())
		}
	}()
}
