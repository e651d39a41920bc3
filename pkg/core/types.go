// Package core implements the session engine: the data model, lifecycle
// state machine, and orchestration of namespaces, fabric, services,
// wireless connectivity, mobility, and distribution.
package core

import (
	"fmt"

	"github.com/corenet-emu/corenet/pkg/util"
)

// SessionState is a session lifecycle state. Wire numbering is fixed.
type SessionState int

const (
	StateNone          SessionState = 0
	StateDefinition    SessionState = 1
	StateConfiguration SessionState = 2
	StateInstantiation SessionState = 3
	StateRuntime       SessionState = 4
	StateDataCollect   SessionState = 5
	StateShutdown      SessionState = 6
)

var stateNames = map[SessionState]string{
	StateNone:          "none",
	StateDefinition:    "definition",
	StateConfiguration: "configuration",
	StateInstantiation: "instantiation",
	StateRuntime:       "runtime",
	StateDataCollect:   "datacollect",
	StateShutdown:      "shutdown",
}

func (s SessionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState resolves a state name.
func ParseState(name string) (SessionState, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateNone, fmt.Errorf("core: unknown state %q: %w", name, util.ErrNotFound)
}

// canTransition implements the allowed moves: forward by one step, any
// state to shutdown, and shutdown back to definition (reset).
func canTransition(from, to SessionState) bool {
	switch {
	case to == StateShutdown:
		return true
	case from == StateShutdown && to == StateDefinition:
		return true
	case from == StateNone && to == StateDefinition:
		return true
	default:
		return to == from+1 && to <= StateShutdown
	}
}

// NodeType tags a node's role. Wire numbering is fixed.
type NodeType int

const (
	NodeDefault   NodeType = 0
	NodePhysical  NodeType = 1
	NodeSwitch    NodeType = 4
	NodeHub       NodeType = 5
	NodeWLAN      NodeType = 6
	NodeRJ45      NodeType = 7
	NodeTunnel    NodeType = 8
	NodeEmane     NodeType = 10
	NodeTapBridge NodeType = 11
	NodeContainer NodeType = 15
	NodeWireless  NodeType = 17
	NodePodman    NodeType = 18
)

var nodeTypeNames = map[NodeType]string{
	NodeDefault:   "default",
	NodePhysical:  "physical",
	NodeSwitch:    "switch",
	NodeHub:       "hub",
	NodeWLAN:      "wlan",
	NodeRJ45:      "rj45",
	NodeTunnel:    "tunnel",
	NodeEmane:     "emane",
	NodeTapBridge: "tap-bridge",
	NodeContainer: "container",
	NodeWireless:  "wireless",
	NodePodman:    "podman",
}

func (t NodeType) String() string {
	if name, ok := nodeTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("nodetype(%d)", int(t))
}

// ParseNodeType resolves a type tag.
func ParseNodeType(name string) (NodeType, error) {
	for t, n := range nodeTypeNames {
		if n == name {
			return t, nil
		}
	}
	return NodeDefault, fmt.Errorf("core: %w: %q", util.ErrUnsupportedNodeType, name)
}

// IsNetwork reports whether the type owns a network namespace.
func (t NodeType) IsNetwork() bool {
	switch t {
	case NodeDefault, NodeContainer, NodePodman:
		return true
	}
	return false
}

// IsLinkLayer reports whether the type owns a host-side bridge.
func (t NodeType) IsLinkLayer() bool {
	switch t {
	case NodeSwitch, NodeHub, NodeWLAN, NodeWireless:
		return true
	}
	return false
}

// LinkType discriminates wired from wireless links. Wire numbering fixed.
type LinkType int

const (
	LinkWireless LinkType = 0
	LinkWired    LinkType = 1
)

func (t LinkType) String() string {
	if t == LinkWireless {
		return "wireless"
	}
	return "wired"
}
