package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/util"
)

// Peer is one remote daemon hosting a subset of the session's nodes.
type Peer struct {
	Name string
	Addr string // host:port of the peer daemon's broker listener

	mu          sync.Mutex // serializes writes
	conn        *websocket.Conn
	unreachable bool

	pending   map[string]chan *Message
	pendingMu sync.Mutex
}

// Unreachable reports whether the control channel has been lost.
func (p *Peer) Unreachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unreachable
}

// Broker is the master side of a distributed session.
type Broker struct {
	SessionID int
	Bus       *events.Bus

	// DialTimeout bounds channel connects and request round trips.
	DialTimeout time.Duration

	// OnPeerLost fires once when a peer's channel drops.
	OnPeerLost func(name string)

	mu    sync.Mutex
	peers map[string]*Peer
}

// New creates a broker for a session.
func New(sessionID int, bus *events.Bus) *Broker {
	return &Broker{
		SessionID:   sessionID,
		Bus:         bus,
		DialTimeout: 10 * time.Second,
		peers:       make(map[string]*Peer),
	}
}

// AddPeer opens the control channel to a peer daemon and starts relaying
// its events.
func (b *Broker) AddPeer(name, addr string) (*Peer, error) {
	dialer := websocket.Dialer{HandshakeTimeout: b.DialTimeout}
	url := fmt.Sprintf("ws://%s/peer", addr)
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: dial %s: %w", addr, util.ErrPeerUnreachable)
	}

	peer := &Peer{
		Name:    name,
		Addr:    addr,
		conn:    conn,
		pending: make(map[string]chan *Message),
	}
	hello := &Message{Type: MsgHello, ID: uuid.NewString(), SessionID: b.SessionID}
	if err := peer.write(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: hello %s: %w", addr, util.ErrPeerUnreachable)
	}

	b.mu.Lock()
	b.peers[name] = peer
	b.mu.Unlock()

	go b.readLoop(peer)
	util.WithSession(b.SessionID).Infof("broker: peer %s connected at %s", name, addr)
	return peer, nil
}

// Peer returns a connected peer by name.
func (b *Broker) Peer(name string) (*Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[name]
	return p, ok
}

// Peers returns the names of all known peers.
func (b *Broker) Peers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.peers))
	for name := range b.peers {
		names = append(names, name)
	}
	return names
}

// Close shuts every control channel.
func (b *Broker) Close() {
	b.mu.Lock()
	peers := make([]*Peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.peers = make(map[string]*Peer)
	b.mu.Unlock()
	for _, p := range peers {
		p.mu.Lock()
		if p.conn != nil {
			p.conn.Close()
		}
		p.unreachable = true
		p.mu.Unlock()
	}
}

func (p *Peer) write(msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unreachable {
		return util.ErrPeerUnreachable
	}
	return p.conn.WriteJSON(msg)
}

// request sends a message and waits for its ack.
func (b *Broker) request(peer *Peer, msg *Message) error {
	msg.ID = uuid.NewString()
	msg.SessionID = b.SessionID

	ch := make(chan *Message, 1)
	peer.pendingMu.Lock()
	peer.pending[msg.ID] = ch
	peer.pendingMu.Unlock()
	defer func() {
		peer.pendingMu.Lock()
		delete(peer.pending, msg.ID)
		peer.pendingMu.Unlock()
	}()

	if err := peer.write(msg); err != nil {
		return fmt.Errorf("broker: send to %s: %w", peer.Name, util.ErrPeerUnreachable)
	}

	timeout := b.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case reply := <-ch:
		if reply.Error != "" {
			return fmt.Errorf("broker: %s: %s", peer.Name, reply.Error)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("broker: %s: ack timeout: %w", peer.Name, util.ErrPeerUnreachable)
	}
}

// MirrorNode mirrors a node create/update/delete to the peer hosting it.
func (b *Broker) MirrorNode(peerName string, op MsgType, node NodeMsg) error {
	peer, ok := b.Peer(peerName)
	if !ok {
		return util.NewNotFoundError("peer", peerName)
	}
	return b.request(peer, &Message{Type: op, Node: &node})
}

// BuildTunnel instructs a peer to stand up its side of a cross-server
// link's gretap tunnel.
func (b *Broker) BuildTunnel(peerName string, tunnel TunnelMsg) error {
	peer, ok := b.Peer(peerName)
	if !ok {
		return util.NewNotFoundError("peer", peerName)
	}
	return b.request(peer, &Message{Type: MsgTunnelBuild, Tunnel: &tunnel})
}

// DeleteTunnel removes a peer-side tunnel by key.
func (b *Broker) DeleteTunnel(peerName string, key uint32) error {
	peer, ok := b.Peer(peerName)
	if !ok {
		return util.NewNotFoundError("peer", peerName)
	}
	return b.request(peer, &Message{Type: MsgTunnelDelete, Tunnel: &TunnelMsg{Key: key}})
}

// readLoop consumes peer messages: acks resolve pending requests, relayed
// events rebroadcast on the master bus under the master's session id.
func (b *Broker) readLoop(peer *Peer) {
	for {
		var msg Message
		if err := peer.conn.ReadJSON(&msg); err != nil {
			b.lostPeer(peer, err)
			return
		}
		switch msg.Type {
		case MsgAck:
			peer.pendingMu.Lock()
			ch, ok := peer.pending[msg.ReplyTo]
			peer.pendingMu.Unlock()
			if ok {
				ch <- &msg
			}
		case MsgEvent:
			if msg.Event != nil && b.Bus != nil {
				b.Bus.Publish(msg.Event.toEvent(b.SessionID))
			}
		}
	}
}

// lostPeer marks the channel down and raises the fatal alert once.
func (b *Broker) lostPeer(peer *Peer, err error) {
	peer.mu.Lock()
	already := peer.unreachable
	peer.unreachable = true
	peer.conn.Close()
	peer.mu.Unlock()
	if already {
		return
	}

	util.WithSession(b.SessionID).Errorf("broker: peer %s lost: %v", peer.Name, err)
	if b.Bus != nil {
		b.Bus.Publish(events.Event{
			Topic:     events.TopicAlert,
			SessionID: b.SessionID,
			Data: events.AlertEvent{
				Level:   events.AlertFatal,
				Kind:    "peer-unreachable",
				Subject: peer.Name,
				Text:    err.Error(),
			},
		})
	}
	if b.OnPeerLost != nil {
		b.OnPeerLost(peer.Name)
	}
}
