package fabric

import (
	"net"

	"github.com/vishvananda/netlink"

	"github.com/corenet-emu/corenet/pkg/util"
)

// GretapMTU caps tunnel MTU so GRE overhead never fragments inner frames.
const GretapMTU = 1458

// BuildGreTunnel creates a keyed gretap device toward a remote daemon and
// optionally enslaves it to a network node's bridge (netID > 0). The key
// must be session-unique so both sides of a distributed link pair up.
func (f *Fabric) BuildGreTunnel(local, remote net.IP, key uint32, netID int, kind BridgeKind) (string, error) {
	name := f.GretapName(key)
	if err := f.checkManaged("create-gretap", name); err != nil {
		return "", err
	}
	if old, err := netlink.LinkByName(name); err == nil {
		_ = netlink.LinkDel(old)
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	attrs.MTU = GretapMTU
	gre := &netlink.Gretap{
		LinkAttrs: attrs,
		Local:     local,
		Remote:    remote,
		IKey:      key,
		OKey:      key,
	}
	if err := netlink.LinkAdd(gre); err != nil {
		return "", util.NewFabricError("create-gretap", name, err)
	}
	if err := netlink.LinkSetUp(gre); err != nil {
		_ = netlink.LinkDel(gre)
		return "", util.NewFabricError("up", name, err)
	}
	if netID > 0 {
		if err := attachToBridge(name, f.BridgeName(netID), kind); err != nil {
			_ = netlink.LinkDel(gre)
			return "", err
		}
	}
	util.WithSession(f.SessionID).Debugf("fabric: gretap %s -> %s key %d", name, remote, key)
	return name, nil
}

// DestroyGreTunnel removes a keyed tunnel; "not found" is swallowed.
func (f *Fabric) DestroyGreTunnel(key uint32) error {
	name := f.GretapName(key)
	if err := f.checkManaged("destroy-gretap", name); err != nil {
		return err
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return util.NewFabricError("destroy-gretap", name, err)
	}
	return nil
}
