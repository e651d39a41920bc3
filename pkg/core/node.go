package core

import (
	"fmt"
	"net"
	"sort"

	"github.com/corenet-emu/corenet/pkg/core/services"
)

// Interface is a network attachment point on a node. It belongs to exactly
// one node and participates in exactly one link at a time.
type Interface struct {
	ID   int
	Name string // max 15 ASCII chars, deterministic
	MAC  net.HardwareAddr
	IPv4 []string // CIDR strings
	IPv6 []string
	MTU  int

	// NetID is the link-layer network node this interface attaches to,
	// or 0 for the node side of a point-to-point link.
	NetID int

	// FlowID correlates the interface with an external radio emulator.
	FlowID int

	hostDev string // host-side device name while instantiated
}

// Addrs returns all addresses, IPv4 first.
func (i *Interface) Addrs() []string {
	out := make([]string, 0, len(i.IPv4)+len(i.IPv6))
	out = append(out, i.IPv4...)
	out = append(out, i.IPv6...)
	return out
}

// Node is one modeled machine or link-layer device.
type Node struct {
	ID     int
	Name   string
	Type   NodeType
	Model  string // router, host, pc, mdr, ...
	X      float64
	Y      float64
	Z      float64
	Canvas int
	Server string // distributed peer hosting the node; "" = local
	Dir    string // workspace subdirectory

	// HostDev names the claimed host interface for RJ45 nodes.
	HostDev string

	// GreKey holds the endpoint key for tunnel nodes.
	GreKey uint32

	Services         []string
	ServiceOverrides map[string]*services.Override

	ifaces map[int]*Interface

	// runtime state
	serviceOrder []*services.Service
	serviceState map[string]services.State
	started      bool
}

// newNode builds an empty node of a type.
func newNode(id int, name string, typ NodeType) *Node {
	return &Node{
		ID:               id,
		Name:             name,
		Type:             typ,
		ServiceOverrides: make(map[string]*services.Override),
		ifaces:           make(map[int]*Interface),
		serviceState:     make(map[string]services.State),
	}
}

// Iface returns an interface by id.
func (n *Node) Iface(id int) (*Interface, bool) {
	i, ok := n.ifaces[id]
	return i, ok
}

// Ifaces returns the node's interfaces sorted by id.
func (n *Node) Ifaces() []*Interface {
	out := make([]*Interface, 0, len(n.ifaces))
	for _, i := range n.ifaces {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// nextIfaceID returns the lowest unused interface id on the node.
func (n *Node) nextIfaceID() int {
	for id := 0; ; id++ {
		if _, ok := n.ifaces[id]; !ok {
			return id
		}
	}
}

// ifaceName derives the deterministic in-namespace device name: eth<n> for
// network nodes, e<n> for link-layer devices.
func (n *Node) ifaceName(ifaceID int) string {
	if n.Type.IsNetwork() {
		return fmt.Sprintf("eth%d", ifaceID)
	}
	return fmt.Sprintf("e%d", ifaceID)
}

// ServiceState returns the node's per-service states.
func (n *Node) ServiceState() map[string]services.State {
	out := make(map[string]services.State, len(n.serviceState))
	for k, v := range n.serviceState {
		out[k] = v
	}
	return out
}
