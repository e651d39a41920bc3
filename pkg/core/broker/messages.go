// Package broker links the daemons of a distributed session. The master
// owns the data model and mirrors node and tunnel operations to peers over
// a reliable, ordered websocket control channel; peers relay their event
// traffic back, and the master rebroadcasts it under its own session id.
package broker

import "github.com/corenet-emu/corenet/pkg/core/events"

// MsgType discriminates control-channel messages.
type MsgType string

const (
	MsgHello        MsgType = "hello"
	MsgNodeCreate   MsgType = "node-create"
	MsgNodeUpdate   MsgType = "node-update"
	MsgNodeDelete   MsgType = "node-delete"
	MsgTunnelBuild  MsgType = "tunnel-build"
	MsgTunnelDelete MsgType = "tunnel-delete"
	MsgEvent        MsgType = "event"
	MsgAck          MsgType = "ack"
)

// Message is one control-channel frame.
type Message struct {
	Type      MsgType    `json:"type"`
	ID        string     `json:"id"`      // correlation id
	ReplyTo   string     `json:"reply_to,omitempty"`
	SessionID int        `json:"session_id"`
	Error     string     `json:"error,omitempty"`
	Node      *NodeMsg   `json:"node,omitempty"`
	Tunnel    *TunnelMsg `json:"tunnel,omitempty"`
	Event     *EventMsg  `json:"event,omitempty"`
}

// NodeMsg mirrors one node to a peer.
type NodeMsg struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Model    string   `json:"model,omitempty"`
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Z        float64  `json:"z,omitempty"`
	Services []string `json:"services,omitempty"`
}

// TunnelMsg instructs a peer to build one side of a cross-server link.
type TunnelMsg struct {
	Key      uint32 `json:"key"`
	RemoteIP string `json:"remote_ip"`
	NetID    int    `json:"net_id,omitempty"` // local bridge to join
}

// EventMsg is a flattened bus event suitable for relay.
type EventMsg struct {
	Topic   string  `json:"topic"`
	NodeID  int     `json:"node_id,omitempty"`
	IfaceID int     `json:"iface_id,omitempty"`
	Name    string  `json:"name,omitempty"`
	Op      string  `json:"op,omitempty"`
	Text    string  `json:"text,omitempty"`
	Level   int     `json:"level,omitempty"`
	X       float64 `json:"x,omitempty"`
	Y       float64 `json:"y,omitempty"`
	Z       float64 `json:"z,omitempty"`
}

// toEvent rebuilds a bus event from a relayed message under the given
// session id.
func (m *EventMsg) toEvent(sessionID int) events.Event {
	ev := events.Event{Topic: events.Topic(m.Topic), SessionID: sessionID}
	switch ev.Topic {
	case events.TopicNode:
		ev.Data = events.NodeEvent{NodeID: m.NodeID, Name: m.Name, Op: m.Op, X: m.X, Y: m.Y, Z: m.Z}
	case events.TopicAlert:
		ev.Data = events.AlertEvent{Level: events.AlertLevel(m.Level), Kind: m.Op, Subject: m.Name, NodeID: m.NodeID, Text: m.Text}
	case events.TopicPosition:
		ev.Data = events.PositionEvent{NodeID: m.NodeID, X: m.X, Y: m.Y, Z: m.Z}
	case events.TopicLink:
		ev.Data = events.LinkEvent{Node1: m.NodeID, Node2: m.IfaceID, Op: m.Op}
	default:
		ev.Data = events.ExecEvent{NodeID: m.NodeID, Cmd: m.Text}
	}
	return ev
}
