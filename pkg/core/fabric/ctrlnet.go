package fabric

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/corenet-emu/corenet/pkg/util"
)

// MaxControlNets is the primary control plane plus three auxiliaries.
const MaxControlNets = 4

// ControlNet is a side-channel bridge joining the host and the session's
// nodes, outside the emulated topology: never shaped, never part of the
// wired link set.
type ControlNet struct {
	Index  int
	Bridge string
	Subnet string // CIDR assigned to the plane
}

// BuildControlNet creates control bridge index 0..3 and gives the host end
// the first address of the subnet.
func (f *Fabric) BuildControlNet(index int, subnet string) (*ControlNet, error) {
	if index < 0 || index >= MaxControlNets {
		return nil, util.NewFabricError("ctrlnet", fmt.Sprintf("ctl%d", index),
			fmt.Errorf("control net index out of range"))
	}
	name := f.CtrlName(index)
	if err := f.checkManaged("create-ctrlnet", name); err != nil {
		return nil, err
	}

	if old, err := netlink.LinkByName(name); err == nil {
		_ = netlink.LinkDel(old)
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	br := &netlink.Bridge{LinkAttrs: attrs}
	if err := netlink.LinkAdd(br); err != nil {
		return nil, util.NewFabricError("create-ctrlnet", name, err)
	}
	if err := netlink.LinkSetUp(br); err != nil {
		_ = netlink.LinkDel(br)
		return nil, util.NewFabricError("up", name, err)
	}

	hostAddr, err := firstHost(subnet)
	if err != nil {
		_ = netlink.LinkDel(br)
		return nil, err
	}
	addr, err := netlink.ParseAddr(hostAddr)
	if err != nil {
		_ = netlink.LinkDel(br)
		return nil, util.NewFabricError("parse-addr", hostAddr, err)
	}
	if err := netlink.AddrAdd(br, addr); err != nil {
		_ = netlink.LinkDel(br)
		return nil, util.NewFabricError("add-addr", name, err)
	}

	return &ControlNet{Index: index, Bridge: name, Subnet: subnet}, nil
}

// DestroyControlNet removes a control plane's bridge.
func (f *Fabric) DestroyControlNet(index int) error {
	name := f.CtrlName(index)
	if err := f.checkManaged("destroy-ctrlnet", name); err != nil {
		return err
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return util.NewFabricError("destroy-ctrlnet", name, err)
	}
	return nil
}

// firstHost returns "<first host>/<masklen>" for a CIDR subnet.
func firstHost(subnet string) (string, error) {
	ip, maskLen, err := util.ParseIPWithMask(subnet)
	if err != nil {
		return "", util.NewFabricError("ctrlnet-subnet", subnet, err)
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", util.NewFabricError("ctrlnet-subnet", subnet,
			fmt.Errorf("control nets are IPv4 only"))
	}
	host := make([]byte, 4)
	copy(host, v4)
	host[3]++
	return fmt.Sprintf("%d.%d.%d.%d/%d", host[0], host[1], host[2], host[3], maskLen), nil
}
