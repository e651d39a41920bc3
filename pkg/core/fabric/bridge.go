package fabric

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/corenet-emu/corenet/pkg/util"
)

// BridgeKind selects per-kind bridge behavior.
type BridgeKind int

const (
	// BridgeSwitch learns MACs and snoops multicast like a real switch.
	BridgeSwitch BridgeKind = iota
	// BridgeHub floods every frame: learning off, ageing zero.
	BridgeHub
	// BridgeWLAN floods like a hub and additionally carries the ebtables
	// filter chain the range model drives.
	BridgeWLAN
)

// BuildBridge creates the bridge for a network node and brings it up. Any
// name collision is deleted first, making the call idempotent.
func (f *Fabric) BuildBridge(netID int, kind BridgeKind) (string, error) {
	name := f.BridgeName(netID)
	if err := f.checkManaged("create-bridge", name); err != nil {
		return "", err
	}

	// Best-effort removal of a leftover with the same name.
	if old, err := netlink.LinkByName(name); err == nil {
		_ = netlink.LinkDel(old)
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	br := &netlink.Bridge{LinkAttrs: attrs}
	if kind != BridgeSwitch {
		snooping := false
		br.MulticastSnooping = &snooping
	}
	if err := netlink.LinkAdd(br); err != nil {
		return "", util.NewFabricError("create-bridge", name, err)
	}
	if err := netlink.LinkSetUp(br); err != nil {
		_ = netlink.LinkDel(br)
		return "", util.NewFabricError("up-bridge", name, err)
	}

	// STP stays off for every kind; hubs and WLAN clouds also stop
	// learning so frames always flood.
	writeSysfs(fmt.Sprintf("/sys/class/net/%s/bridge/stp_state", name), "0")
	if kind != BridgeSwitch {
		writeSysfs(fmt.Sprintf("/sys/class/net/%s/bridge/ageing_time", name), "0")
	}

	if kind == BridgeWLAN {
		if err := f.setupWlanFilter(name); err != nil {
			_ = netlink.LinkDel(br)
			return "", err
		}
	}

	util.WithSession(f.SessionID).Debugf("fabric: bridge %s up", name)
	return name, nil
}

// DestroyBridge removes a network node's bridge. "Not found" is swallowed.
func (f *Fabric) DestroyBridge(netID int, kind BridgeKind) error {
	name := f.BridgeName(netID)
	if err := f.checkManaged("destroy-bridge", name); err != nil {
		return err
	}
	if kind == BridgeWLAN {
		f.teardownWlanFilter(name)
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return util.NewFabricError("destroy-bridge", name, err)
	}
	return nil
}

// attachToBridge enslaves a host device to a bridge, disabling per-port
// learning for flooding bridge kinds.
func attachToBridge(dev string, bridge string, kind BridgeKind) error {
	link, err := netlink.LinkByName(dev)
	if err != nil {
		return util.NewFabricError("attach", dev, err)
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return util.NewFabricError("attach", bridge, err)
	}
	if err := netlink.LinkSetMaster(link, br); err != nil {
		return util.NewFabricError("attach", dev, err)
	}
	if kind != BridgeSwitch {
		if err := netlink.LinkSetLearning(link, false); err != nil {
			return util.NewFabricError("attach", dev, err)
		}
	}
	return nil
}
