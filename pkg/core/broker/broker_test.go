package broker

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/util"
)

// recordingHandler captures mirrored operations on the peer side.
type recordingHandler struct {
	mu      sync.Mutex
	creates []NodeMsg
	updates []NodeMsg
	deletes []int
	tunnels []TunnelMsg
	dropped []uint32
	fail    bool
}

func (h *recordingHandler) NodeCreate(sessionID int, node NodeMsg) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("peer refused")
	}
	h.creates = append(h.creates, node)
	return nil
}

func (h *recordingHandler) NodeUpdate(sessionID int, node NodeMsg) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, node)
	return nil
}

func (h *recordingHandler) NodeDelete(sessionID int, nodeID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deletes = append(h.deletes, nodeID)
	return nil
}

func (h *recordingHandler) TunnelBuild(sessionID int, tunnel TunnelMsg) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tunnels = append(h.tunnels, tunnel)
	return nil
}

func (h *recordingHandler) TunnelDelete(sessionID int, key uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped = append(h.dropped, key)
	return nil
}

// startPeer runs a PeerServer on a test listener and returns its host:port.
func startPeer(t *testing.T, h PeerHandler) (*PeerServer, string) {
	t.Helper()
	ps := &PeerServer{Handler: h}
	srv := httptest.NewServer(ps)
	t.Cleanup(srv.Close)
	return ps, strings.TrimPrefix(srv.URL, "http://")
}

func TestMirrorNodeOperations(t *testing.T) {
	h := &recordingHandler{}
	_, addr := startPeer(t, h)

	bus := events.NewBus()
	b := New(1, bus)
	if _, err := b.AddPeer("p1", addr); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	defer b.Close()

	node := NodeMsg{ID: 2, Name: "n2", Type: "default", X: 10, Y: 20}
	if err := b.MirrorNode("p1", MsgNodeCreate, node); err != nil {
		t.Fatalf("MirrorNode create: %v", err)
	}
	node.X = 50
	if err := b.MirrorNode("p1", MsgNodeUpdate, node); err != nil {
		t.Fatalf("MirrorNode update: %v", err)
	}
	if err := b.MirrorNode("p1", MsgNodeDelete, NodeMsg{ID: 2}); err != nil {
		t.Fatalf("MirrorNode delete: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.creates) != 1 || h.creates[0].Name != "n2" {
		t.Errorf("creates = %+v", h.creates)
	}
	if len(h.updates) != 1 || h.updates[0].X != 50 {
		t.Errorf("updates = %+v", h.updates)
	}
	if len(h.deletes) != 1 || h.deletes[0] != 2 {
		t.Errorf("deletes = %+v", h.deletes)
	}
}

func TestTunnelRoundTrip(t *testing.T) {
	h := &recordingHandler{}
	_, addr := startPeer(t, h)

	b := New(1, events.NewBus())
	if _, err := b.AddPeer("p1", addr); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	defer b.Close()

	if err := b.BuildTunnel("p1", TunnelMsg{Key: 77, RemoteIP: "192.0.2.1", NetID: 4}); err != nil {
		t.Fatalf("BuildTunnel: %v", err)
	}
	if err := b.DeleteTunnel("p1", 77); err != nil {
		t.Fatalf("DeleteTunnel: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.tunnels) != 1 || h.tunnels[0].Key != 77 {
		t.Errorf("tunnels = %+v", h.tunnels)
	}
	if len(h.dropped) != 1 || h.dropped[0] != 77 {
		t.Errorf("dropped = %+v", h.dropped)
	}
}

func TestPeerErrorPropagates(t *testing.T) {
	h := &recordingHandler{fail: true}
	_, addr := startPeer(t, h)

	b := New(1, events.NewBus())
	if _, err := b.AddPeer("p1", addr); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	defer b.Close()

	err := b.MirrorNode("p1", MsgNodeCreate, NodeMsg{ID: 1})
	if err == nil || !strings.Contains(err.Error(), "peer refused") {
		t.Errorf("MirrorNode = %v, want peer refusal", err)
	}
}

func TestEventRelayRebroadcast(t *testing.T) {
	h := &recordingHandler{}
	ps, addr := startPeer(t, h)

	bus := events.NewBus()
	sub := bus.Subscribe(events.Filter{Topics: []events.Topic{events.TopicNode}}, 0)
	defer bus.Unsubscribe(sub)

	b := New(42, bus)
	if _, err := b.AddPeer("p1", addr); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	defer b.Close()

	// Peer relays an event tagged with its local session id 7; the master
	// rebroadcasts under session 42.
	ps.RelayEvent(7, EventMsg{Topic: "node", NodeID: 3, Name: "n3", Op: "add"})

	select {
	case ev := <-sub.C():
		if ev.SessionID != 42 {
			t.Errorf("relayed event session = %d, want master's 42", ev.SessionID)
		}
		ne := ev.Data.(events.NodeEvent)
		if ne.NodeID != 3 || ne.Op != "add" {
			t.Errorf("relayed payload = %+v", ne)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relayed event never arrived")
	}
}

func TestUnknownPeer(t *testing.T) {
	b := New(1, events.NewBus())
	if err := b.MirrorNode("ghost", MsgNodeCreate, NodeMsg{}); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("MirrorNode unknown peer = %v, want ErrNotFound", err)
	}
}

func TestAddPeerUnreachable(t *testing.T) {
	b := New(1, events.NewBus())
	b.DialTimeout = 500 * time.Millisecond
	_, err := b.AddPeer("p1", "127.0.0.1:1")
	if !errors.Is(err, util.ErrPeerUnreachable) {
		t.Errorf("AddPeer = %v, want ErrPeerUnreachable", err)
	}
}

func TestPeerLossRaisesFatalAlert(t *testing.T) {
	h := &recordingHandler{}
	bus := events.NewBus()
	alerts := bus.Subscribe(events.Filter{Topics: []events.Topic{events.TopicAlert}}, 0)
	defer bus.Unsubscribe(alerts)

	ps := &PeerServer{Handler: h}
	srv := httptest.NewServer(ps)

	b := New(1, bus)
	var lost []string
	var lostMu sync.Mutex
	b.OnPeerLost = func(name string) {
		lostMu.Lock()
		lost = append(lost, name)
		lostMu.Unlock()
	}
	peer, err := b.AddPeer("p1", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	// A mirrored round trip proves the peer server holds its end of the
	// channel. httptest does not track hijacked (websocket) connections,
	// so that end is closed directly instead of via CloseClientConnections.
	if err := b.MirrorNode("p1", MsgNodeCreate, NodeMsg{ID: 1}); err != nil {
		t.Fatalf("MirrorNode: %v", err)
	}
	ps.mu.Lock()
	ps.conn.Close()
	ps.mu.Unlock()
	srv.Close()

	select {
	case ev := <-alerts.C():
		ae := ev.Data.(events.AlertEvent)
		if ae.Level != events.AlertFatal || ae.Kind != "peer-unreachable" {
			t.Errorf("alert = %+v", ae)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer-loss alert never arrived")
	}

	if !peer.Unreachable() {
		t.Errorf("peer not marked unreachable")
	}
	lostMu.Lock()
	if len(lost) != 1 || lost[0] != "p1" {
		t.Errorf("OnPeerLost = %v", lost)
	}
	lostMu.Unlock()
}
