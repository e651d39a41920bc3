package core

import (
	"fmt"

	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/util"
)

// LinkSpec parameterizes AddLink. An endpoint on a network node creates an
// interface: iface -1 picks the lowest unused id. Endpoints on link-layer
// nodes always use iface -1.
type LinkSpec struct {
	Node1   int
	Iface1  int
	Node2   int
	Iface2  int
	Type    LinkType
	Options LinkOptions
	Reverse *LinkOptions
}

// AddLink creates a wired link or cloud attachment and the interfaces it
// implies, returning the link and any created interfaces. During runtime
// only attachments of network nodes to a running link-layer cloud are
// accepted. A live attach failure is a runtime failure: the session is
// driven to shutdown before AddLink returns.
func (s *Session) AddLink(spec LinkSpec) (*Link, []*Interface, error) {
	link, created, attachErr, err := s.addLinkLocked(spec)
	if attachErr != nil {
		s.fatal("link-attach", attachErr)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	s.publish(events.TopicLink, events.LinkEvent{
		Node1: link.Node1, Node2: link.Node2,
		Iface1: link.Iface1, Iface2: link.Iface2,
		Op: "add", Wireless: link.Type == LinkWireless,
	})
	return link, created, nil
}

// addLinkLocked validates and applies the link under the session lock.
// attachErr reports a live kernel attach failure, already rolled back from
// the model; the caller escalates it off-lock.
func (s *Session) addLinkLocked(spec LinkSpec) (link *Link, created []*Interface, attachErr, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n1, ok := s.nodes[spec.Node1]
	if !ok {
		return nil, nil, nil, util.NewNotFoundError("node", fmt.Sprintf("%d", spec.Node1))
	}
	n2, ok := s.nodes[spec.Node2]
	if !ok {
		return nil, nil, nil, util.NewNotFoundError("node", fmt.Sprintf("%d", spec.Node2))
	}

	var v util.ValidationBuilder
	v.Add(spec.Node1 != spec.Node2, "link endpoints must be distinct nodes")
	v.Add(!(n1.Type.IsLinkLayer() && n2.Type.IsLinkLayer()),
		"links between two link-layer nodes are not supported")

	live := s.state >= StateInstantiation && s.state < StateShutdown
	if live {
		v.Add(n1.Type.IsLinkLayer() || n2.Type.IsLinkLayer(),
			"runtime links must attach to a running link-layer cloud")
	}
	if v.HasErrors() {
		return nil, nil, nil, v.Build()
	}

	// Normalize: a link-layer endpoint carries iface -1; duplicate wired
	// links between the same endpoints are rejected.
	iface1, iface2 := spec.Iface1, spec.Iface2
	if n1.Type.IsLinkLayer() {
		iface1 = -1
	}
	if n2.Type.IsLinkLayer() {
		iface2 = -1
	}
	for _, l := range s.links {
		if l.Type == LinkWired && iface1 >= 0 && iface2 >= 0 &&
			l.endpointsMatch(spec.Node1, iface1, spec.Node2, iface2) {
			return nil, nil, nil, fmt.Errorf("core: wired link %d:%d <-> %d:%d: %w",
				spec.Node1, iface1, spec.Node2, iface2, util.ErrDuplicateID)
		}
	}

	makeIface := func(n *Node, ifaceID int, peer *Node) (*Interface, error) {
		if !n.Type.IsNetwork() && n.Type != NodePhysical {
			return nil, nil
		}
		if ifaceID < 0 {
			ifaceID = n.nextIfaceID()
		} else if _, exists := n.ifaces[ifaceID]; exists {
			return nil, fmt.Errorf("core: node %d interface %d: %w",
				n.ID, ifaceID, util.ErrDuplicateID)
		}
		ifc := &Interface{
			ID:   ifaceID,
			Name: n.ifaceName(ifaceID),
			MAC:  s.macs.Next(),
			MTU:  1500,
		}
		if peer.Type.IsLinkLayer() {
			ifc.NetID = peer.ID
		}
		if err := util.CheckDeviceName(ifc.Name); err != nil {
			return nil, err
		}
		n.ifaces[ifc.ID] = ifc
		created = append(created, ifc)
		return ifc, nil
	}

	ifc1, err := makeIface(n1, iface1, n2)
	if err != nil {
		return nil, nil, nil, err
	}
	ifc2, err := makeIface(n2, iface2, n1)
	if err != nil {
		// Roll the first interface back; validation must not mutate.
		if ifc1 != nil {
			delete(n1.ifaces, ifc1.ID)
		}
		return nil, nil, nil, err
	}

	link = &Link{
		ID:      s.linkIDs.Next(),
		Node1:   spec.Node1,
		Node2:   spec.Node2,
		Iface1:  -1,
		Iface2:  -1,
		Type:    spec.Type,
		Options: spec.Options,
		Reverse: spec.Reverse,
	}
	if ifc1 != nil {
		link.Iface1 = ifc1.ID
	}
	if ifc2 != nil {
		link.Iface2 = ifc2.ID
	}
	s.links = append(s.links, link)
	s.adj.add(link.Node1, link.Node2)

	if live {
		if aerr := s.attachLive(link, n1, n2); aerr != nil {
			// Tear the partial link back out of the model; the caller
			// escalates the failure once the lock is released.
			s.removeLinkLocked(link)
			return nil, nil, aerr, nil
		}
		// Membership joins run off-lock since model callbacks read the
		// session for member devices.
		for _, ifc := range created {
			if m, ok := s.wlans[ifc.NetID]; ok {
				owner := n1
				if ifc2 == ifc {
					owner = n2
				}
				go m.Join(owner.ID, owner.X, owner.Y, owner.Z)
			}
		}
	}

	return link, created, nil, nil
}

// FindLink locates a wired link by its endpoints in either orientation.
func (s *Session) FindLink(node1, iface1, node2, iface2 int) (*Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.links {
		if l.endpointsMatch(node1, iface1, node2, iface2) {
			return l, nil
		}
	}
	return nil, util.NewNotFoundError("link",
		fmt.Sprintf("%d:%d-%d:%d", node1, iface1, node2, iface2))
}

// Links returns all stored links. Wireless pairs materialized by the range
// model are not part of this set.
func (s *Session) Links() []*Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Link, len(s.links))
	copy(out, s.links)
	return out
}

// Neighbors returns the ids adjacent to a node in the topology index.
func (s *Session) Neighbors(nodeID int) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adj.Neighbors(nodeID)
}

// DeleteLink removes a link and the interfaces it created; live links are
// detached from the kernel first.
func (s *Session) DeleteLink(node1, iface1, node2, iface2 int) error {
	s.mu.Lock()
	var link *Link
	for _, l := range s.links {
		if l.endpointsMatch(node1, iface1, node2, iface2) {
			link = l
			break
		}
	}
	if link == nil {
		s.mu.Unlock()
		return util.NewNotFoundError("link",
			fmt.Sprintf("%d:%d-%d:%d", node1, iface1, node2, iface2))
	}
	live := s.state >= StateInstantiation && s.state < StateShutdown
	if live {
		s.detachLive(link)
	}
	s.removeLinkLocked(link)
	s.mu.Unlock()

	s.publish(events.TopicLink, events.LinkEvent{
		Node1: link.Node1, Node2: link.Node2,
		Iface1: link.Iface1, Iface2: link.Iface2, Op: "delete",
	})
	return nil
}

// removeLinkLocked drops a link and its interfaces from the model. Caller
// holds s.mu.
func (s *Session) removeLinkLocked(link *Link) {
	kept := s.links[:0]
	for _, l := range s.links {
		if l != link {
			kept = append(kept, l)
		}
	}
	s.links = kept
	s.adj.remove(link.Node1, link.Node2)
	s.linkIDs.Release(link.ID)

	if n, ok := s.nodes[link.Node1]; ok && link.Iface1 >= 0 {
		delete(n.ifaces, link.Iface1)
	}
	if n, ok := s.nodes[link.Node2]; ok && link.Iface2 >= 0 {
		delete(n.ifaces, link.Iface2)
	}
}

// SetLinkOptions updates a link's shaping. When live, kernel state is
// updated before the link event is published, so a subscriber observing
// the event can rely on the qdisc tree being current.
func (s *Session) SetLinkOptions(node1, iface1, node2, iface2 int, opts LinkOptions, reverse *LinkOptions) error {
	s.mu.Lock()
	var link *Link
	for _, l := range s.links {
		if l.endpointsMatch(node1, iface1, node2, iface2) {
			link = l
			break
		}
	}
	if link == nil {
		s.mu.Unlock()
		return util.NewNotFoundError("link",
			fmt.Sprintf("%d:%d-%d:%d", node1, iface1, node2, iface2))
	}
	link.Options = opts
	link.Reverse = reverse
	live := s.state >= StateInstantiation && s.state < StateShutdown
	s.mu.Unlock()

	if live {
		if err := s.applyLinkEffects(link); err != nil {
			s.Alert(events.AlertError, "link-effects",
				fmt.Sprintf("%d:%d", node1, iface1), node1, err.Error())
			return err
		}
	}

	s.publish(events.TopicLink, events.LinkEvent{
		Node1: link.Node1, Node2: link.Node2,
		Iface1: link.Iface1, Iface2: link.Iface2, Op: "update",
	})
	return nil
}

// applyLinkEffects shapes both host-side devices of a live link. For
// unidirectional links each direction gets its own options; otherwise both
// ends share the forward options.
func (s *Session) applyLinkEffects(link *Link) error {
	forward := link.Options.effects()
	rev := forward
	if link.Options.Unidirectional && link.Reverse != nil {
		rev = link.Reverse.effects()
	}

	// Egress shaping happens on the host side of each endpoint's veth:
	// the device carrying traffic toward the opposite endpoint.
	if link.Iface1 >= 0 {
		dev := s.fabric.VethName(link.Node1, link.Iface1)
		if err := s.fabric.ApplyLinkEffects(dev, forward); err != nil {
			return err
		}
	}
	if link.Iface2 >= 0 {
		dev := s.fabric.VethName(link.Node2, link.Iface2)
		if err := s.fabric.ApplyLinkEffects(dev, rev); err != nil {
			return err
		}
	}
	return nil
}

// WirelessLinked reports the range model's current linkage for two members
// of a cloud.
func (s *Session) WirelessLinked(wlanID, a, b int) (bool, error) {
	m, ok := s.wlanModel(wlanID)
	if !ok {
		return false, util.NewNotFoundError("node", fmt.Sprintf("%d", wlanID))
	}
	return m.Linked(a, b), nil
}

// SetWirelessLinked forces the linkage between two members of a cloud,
// overriding the range computation until their next position update.
func (s *Session) SetWirelessLinked(wlanID, a, b int, linked bool) error {
	m, ok := s.wlanModel(wlanID)
	if !ok {
		return util.NewNotFoundError("node", fmt.Sprintf("%d", wlanID))
	}
	m.SetLinked(a, b, linked)
	return nil
}
