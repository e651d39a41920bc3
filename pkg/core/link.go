package core

import (
	"github.com/corenet-emu/corenet/pkg/core/fabric"
)

// LinkOptions carries one direction's traffic shaping parameters plus the
// link-wide key and unidirectional flag.
type LinkOptions struct {
	Bandwidth uint64  // bps
	Delay     uint64  // microseconds
	Jitter    uint64  // microseconds
	Loss      float64 // percent
	Duplicate float64 // percent
	Burst     uint32  // bytes
	Buffer    uint32  // packets

	Key            uint32 // gretap key for tunnel links
	Unidirectional bool
}

// effects projects the options into the fabric's shaping parameters.
func (o LinkOptions) effects() fabric.LinkEffects {
	return fabric.LinkEffects{
		Bandwidth: o.Bandwidth,
		Delay:     o.Delay,
		Jitter:    o.Jitter,
		Loss:      o.Loss,
		Duplicate: o.Duplicate,
		Burst:     o.Burst,
		Buffer:    o.Buffer,
	}.Clamp()
}

// Link connects two endpoints. An endpoint is (node, iface) for network
// nodes or (net-node, -1) for an attachment to a link-layer cloud.
type Link struct {
	ID     int
	Node1  int
	Iface1 int // -1 on the bridge side of a cloud attachment
	Node2  int
	Iface2 int
	Type   LinkType

	Options LinkOptions
	// Reverse holds the second direction's options for unidirectional
	// links; nil otherwise.
	Reverse *LinkOptions
}

// endpointsMatch reports whether the link joins the two given endpoints in
// either orientation.
func (l *Link) endpointsMatch(node1, iface1, node2, iface2 int) bool {
	if l.Node1 == node1 && l.Iface1 == iface1 && l.Node2 == node2 && l.Iface2 == iface2 {
		return true
	}
	return l.Node1 == node2 && l.Iface1 == iface2 && l.Node2 == node1 && l.Iface2 == iface1
}

// touches reports whether the link involves a node.
func (l *Link) touches(nodeID int) bool {
	return l.Node1 == nodeID || l.Node2 == nodeID
}

// adjacency is the topology index, kept current on every add and delete so
// neighbor queries never scan the link list.
type adjacency struct {
	neighbors map[int]map[int]int // node -> neighbor -> edge count
}

func newAdjacency() *adjacency {
	return &adjacency{neighbors: make(map[int]map[int]int)}
}

func (a *adjacency) add(n1, n2 int) {
	for _, pair := range [][2]int{{n1, n2}, {n2, n1}} {
		m, ok := a.neighbors[pair[0]]
		if !ok {
			m = make(map[int]int)
			a.neighbors[pair[0]] = m
		}
		m[pair[1]]++
	}
}

func (a *adjacency) remove(n1, n2 int) {
	for _, pair := range [][2]int{{n1, n2}, {n2, n1}} {
		if m, ok := a.neighbors[pair[0]]; ok {
			m[pair[1]]--
			if m[pair[1]] <= 0 {
				delete(m, pair[1])
			}
			if len(m) == 0 {
				delete(a.neighbors, pair[0])
			}
		}
	}
}

func (a *adjacency) removeNode(nodeID int) {
	for other := range a.neighbors[nodeID] {
		delete(a.neighbors[other], nodeID)
		if len(a.neighbors[other]) == 0 {
			delete(a.neighbors, other)
		}
	}
	delete(a.neighbors, nodeID)
}

// Neighbors returns the node ids adjacent to a node.
func (a *adjacency) Neighbors(nodeID int) []int {
	out := make([]int, 0, len(a.neighbors[nodeID]))
	for id := range a.neighbors[nodeID] {
		out = append(out, id)
	}
	return out
}
