package broker

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/corenet-emu/corenet/pkg/util"
)

// PeerHandler applies the master's mirrored operations on the peer daemon.
type PeerHandler interface {
	NodeCreate(sessionID int, node NodeMsg) error
	NodeUpdate(sessionID int, node NodeMsg) error
	NodeDelete(sessionID int, nodeID int) error
	TunnelBuild(sessionID int, tunnel TunnelMsg) error
	TunnelDelete(sessionID int, key uint32) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// PeerServer accepts master connections on a peer daemon.
type PeerServer struct {
	Handler PeerHandler

	mu   sync.Mutex
	conn *websocket.Conn
}

// ServeHTTP upgrades the master's connection and processes its control
// channel until it closes.
func (s *PeerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Logger.Warnf("broker: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	util.Logger.Infof("broker: master connected from %s", r.RemoteAddr)
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			util.Logger.Infof("broker: master channel closed: %v", err)
			return
		}
		s.handle(conn, &msg)
	}
}

// RelayEvent pushes a local event up to the master, when connected.
func (s *PeerServer) RelayEvent(sessionID int, ev EventMsg) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	msg := &Message{Type: MsgEvent, SessionID: sessionID, Event: &ev}
	if err := conn.WriteJSON(msg); err != nil {
		util.Logger.Debugf("broker: relay event: %v", err)
	}
}

func (s *PeerServer) handle(conn *websocket.Conn, msg *Message) {
	var err error
	switch msg.Type {
	case MsgHello:
		// Channel establishment; nothing to apply.
		return
	case MsgNodeCreate:
		err = s.Handler.NodeCreate(msg.SessionID, *msg.Node)
	case MsgNodeUpdate:
		err = s.Handler.NodeUpdate(msg.SessionID, *msg.Node)
	case MsgNodeDelete:
		err = s.Handler.NodeDelete(msg.SessionID, msg.Node.ID)
	case MsgTunnelBuild:
		err = s.Handler.TunnelBuild(msg.SessionID, *msg.Tunnel)
	case MsgTunnelDelete:
		err = s.Handler.TunnelDelete(msg.SessionID, msg.Tunnel.Key)
	default:
		return
	}

	ack := &Message{Type: MsgAck, ReplyTo: msg.ID, SessionID: msg.SessionID}
	if err != nil {
		ack.Error = err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if werr := conn.WriteJSON(ack); werr != nil {
		util.Logger.Debugf("broker: ack: %v", werr)
	}
}
