package fabric

import (
	"net"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/corenet-emu/corenet/pkg/util"
)

// IfaceSpec describes the namespace-side configuration of an interface.
type IfaceSpec struct {
	Name string // logical name inside the namespace, e.g. "eth0"
	MAC  net.HardwareAddr
	// Addrs are CIDR strings ("10.0.0.1/24", "2001::1/64").
	Addrs []string
	MTU   int
}

// Attach creates a veth pair for a node interface, moves one end into the
// node's namespace (renamed and configured per spec), and enslaves the
// host end to the network node's bridge. Idempotent: a stale host end with
// the same name is removed first.
func (f *Fabric) Attach(nodeID, ifaceID int, nsName string, spec IfaceSpec, netID int, kind BridgeKind) (string, error) {
	hostName := f.VethName(nodeID, ifaceID)
	peer := f.peerName(nodeID, ifaceID)
	if err := f.checkManaged("create-veth", hostName); err != nil {
		return "", err
	}
	if err := util.CheckDeviceName(spec.Name); err != nil {
		return "", err
	}

	if old, err := netlink.LinkByName(hostName); err == nil {
		_ = netlink.LinkDel(old)
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = hostName
	if spec.MTU > 0 {
		attrs.MTU = spec.MTU
	}
	veth := &netlink.Veth{LinkAttrs: attrs, PeerName: peer}
	if err := netlink.LinkAdd(veth); err != nil {
		return "", util.NewFabricError("create-veth", hostName, err)
	}

	cleanup := func() { _ = netlink.LinkDel(veth) }

	peerLink, err := netlink.LinkByName(peer)
	if err != nil {
		cleanup()
		return "", util.NewFabricError("create-veth", peer, err)
	}

	nsHandle, err := netns.GetFromName(nsName)
	if err != nil {
		cleanup()
		return "", util.NewFabricError("netns-open", nsName, err)
	}
	defer nsHandle.Close()

	if err := netlink.LinkSetNsFd(peerLink, int(nsHandle)); err != nil {
		cleanup()
		return "", util.NewFabricError("netns-move", peer, err)
	}

	// Configure the in-namespace end through a handle scoped to the
	// namespace: rename to the logical name, set MAC/MTU/addresses, up.
	nsLink, err := netlink.NewHandleAt(nsHandle)
	if err != nil {
		cleanup()
		return "", util.NewFabricError("netns-handle", nsName, err)
	}
	defer nsLink.Close()

	inner, err := nsLink.LinkByName(peer)
	if err != nil {
		cleanup()
		return "", util.NewFabricError("netns-find", peer, err)
	}
	if err := nsLink.LinkSetName(inner, spec.Name); err != nil {
		cleanup()
		return "", util.NewFabricError("rename", peer, err)
	}
	if inner, err = nsLink.LinkByName(spec.Name); err != nil {
		cleanup()
		return "", util.NewFabricError("netns-find", spec.Name, err)
	}
	if len(spec.MAC) > 0 {
		if err := nsLink.LinkSetHardwareAddr(inner, spec.MAC); err != nil {
			cleanup()
			return "", util.NewFabricError("set-mac", spec.Name, err)
		}
	}
	if spec.MTU > 0 {
		if err := nsLink.LinkSetMTU(inner, spec.MTU); err != nil {
			cleanup()
			return "", util.NewFabricError("set-mtu", spec.Name, err)
		}
	}
	for _, cidr := range spec.Addrs {
		addr, err := netlink.ParseAddr(cidr)
		if err != nil {
			cleanup()
			return "", util.NewFabricError("parse-addr", cidr, err)
		}
		if err := nsLink.AddrAdd(inner, addr); err != nil {
			cleanup()
			return "", util.NewFabricError("add-addr", spec.Name, err)
		}
	}
	if err := nsLink.LinkSetUp(inner); err != nil {
		cleanup()
		return "", util.NewFabricError("up", spec.Name, err)
	}

	// Host side: up, then onto the bridge when the interface belongs to a
	// link-layer network. Point-to-point links leave the host end loose
	// until the peer's end pairs with it.
	hostLink, err := netlink.LinkByName(hostName)
	if err != nil {
		cleanup()
		return "", util.NewFabricError("find", hostName, err)
	}
	if err := netlink.LinkSetUp(hostLink); err != nil {
		cleanup()
		return "", util.NewFabricError("up", hostName, err)
	}
	if netID > 0 {
		if err := attachToBridge(hostName, f.BridgeName(netID), kind); err != nil {
			cleanup()
			return "", err
		}
	}

	util.WithNode(f.SessionID, nodeID).Debugf("fabric: attached %s as %s", hostName, spec.Name)
	return hostName, nil
}

// Detach removes a node interface's veth pair. Deleting the host side
// destroys both ends; "not found" is swallowed so Detach is idempotent.
func (f *Fabric) Detach(nodeID, ifaceID int) error {
	hostName := f.VethName(nodeID, ifaceID)
	if err := f.checkManaged("destroy-veth", hostName); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.shaped, hostName)
	f.mu.Unlock()

	link, err := netlink.LinkByName(hostName)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return util.NewFabricError("destroy-veth", hostName, err)
	}
	return nil
}

// CreateTap creates a TAP device for external integrations and optionally
// enslaves it to a bridge.
func (f *Fabric) CreateTap(nodeID, ifaceID int, netID int, kind BridgeKind) (string, error) {
	name := f.TapName(nodeID, ifaceID)
	if err := f.checkManaged("create-tap", name); err != nil {
		return "", err
	}
	if old, err := netlink.LinkByName(name); err == nil {
		_ = netlink.LinkDel(old)
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	tap := &netlink.Tuntap{LinkAttrs: attrs, Mode: netlink.TUNTAP_MODE_TAP}
	if err := netlink.LinkAdd(tap); err != nil {
		return "", util.NewFabricError("create-tap", name, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		_ = netlink.LinkDel(tap)
		return "", util.NewFabricError("up", name, err)
	}
	if netID > 0 {
		if err := attachToBridge(name, f.BridgeName(netID), kind); err != nil {
			_ = netlink.LinkDel(tap)
			return "", err
		}
	}
	return name, nil
}

// DestroyTap removes a TAP device; "not found" is swallowed.
func (f *Fabric) DestroyTap(nodeID, ifaceID int) error {
	name := f.TapName(nodeID, ifaceID)
	if err := f.checkManaged("destroy-tap", name); err != nil {
		return err
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return util.NewFabricError("destroy-tap", name, err)
	}
	return nil
}

// AttachRJ45 enslaves a claimed physical host interface to a network
// node's bridge, making the emulated network reachable from real hardware.
func (f *Fabric) AttachRJ45(hostDev string, netID int, kind BridgeKind) error {
	if err := ClaimHostInterface(hostDev, f.SessionID); err != nil {
		return err
	}
	if err := attachToBridge(hostDev, f.BridgeName(netID), kind); err != nil {
		ReleaseHostInterface(hostDev, f.SessionID)
		return err
	}
	return nil
}

// DetachRJ45 releases a physical host interface from the session.
func (f *Fabric) DetachRJ45(hostDev string) error {
	defer ReleaseHostInterface(hostDev, f.SessionID)
	link, err := netlink.LinkByName(hostDev)
	if err != nil {
		return nil
	}
	if err := netlink.LinkSetNoMaster(link); err != nil {
		return util.NewFabricError("detach-rj45", hostDev, err)
	}
	return nil
}
