package fabric

import (
	"github.com/vishvananda/netlink"

	"github.com/corenet-emu/corenet/pkg/util"
)

// Clamp limits for link effect parameters.
const (
	MaxDelayUS        = 274_000_000   // microseconds
	MaxLossPct        = 100.0
	MaxDupPct         = 50.0
	MaxBandwidth      = 1_000_000_000 // bits/second
	DefaultQueueLimit = 1000          // netem packet limit when unset
)

// LinkEffects holds one direction's shaping parameters.
type LinkEffects struct {
	Bandwidth uint64  // bps; 0 omits the HTB layer
	Delay     uint64  // microseconds
	Jitter    uint64  // microseconds
	Loss      float64 // percent
	Duplicate float64 // percent
	Burst     uint32  // bytes, HTB buffer
	Buffer    uint32  // packets, netem queue limit
}

// zero reports whether no shaping at all is requested.
func (e LinkEffects) zero() bool {
	return e.Bandwidth == 0 && e.Delay == 0 && e.Jitter == 0 &&
		e.Loss == 0 && e.Duplicate == 0
}

// Clamp forces every parameter into its documented range.
func (e LinkEffects) Clamp() LinkEffects {
	if e.Bandwidth > MaxBandwidth {
		e.Bandwidth = MaxBandwidth
	}
	if e.Delay > MaxDelayUS {
		e.Delay = MaxDelayUS
	}
	if e.Jitter > MaxDelayUS {
		e.Jitter = MaxDelayUS
	}
	if e.Loss < 0 {
		e.Loss = 0
	}
	if e.Loss > MaxLossPct {
		e.Loss = MaxLossPct
	}
	if e.Duplicate < 0 {
		e.Duplicate = 0
	}
	if e.Duplicate > MaxDupPct {
		e.Duplicate = MaxDupPct
	}
	return e
}

// LossFromBER translates a legacy "1 in N" bit-error figure into a loss
// percentage; zero means no loss.
func LossFromBER(n uint64) float64 {
	if n == 0 {
		return 0
	}
	return 100.0 / float64(n)
}

// shapePlan is the minimal reconfiguration for an effects change.
type shapePlan int

const (
	planNone    shapePlan = iota // nothing changed
	planInstall                  // no qdisc tree yet, build one
	planRemove                   // effects cleared, drop the tree
	planNetem                    // only netem attributes changed
	planClass                    // only the HTB rate changed
	planRebuild                  // tree shape changed (HTB layer toggled)
)

// planChange computes the cheapest reconfiguration from cur to want.
// cur == nil means no tree is installed.
func planChange(cur *LinkEffects, want LinkEffects) shapePlan {
	if cur == nil {
		if want.zero() {
			return planNone
		}
		return planInstall
	}
	if want.zero() {
		return planRemove
	}
	if *cur == want {
		return planNone
	}
	if (cur.Bandwidth == 0) != (want.Bandwidth == 0) {
		return planRebuild
	}
	if cur.Bandwidth != want.Bandwidth || cur.Burst != want.Burst {
		return planClass
	}
	return planNetem
}

// Handles of the qdisc tree: HTB root 1:, class 1:1, netem 10:.
var (
	htbHandle   = netlink.MakeHandle(1, 0)
	classHandle = netlink.MakeHandle(1, 1)
	netemHandle = netlink.MakeHandle(10, 0)
)

// ApplyLinkEffects installs or updates the shaping tree on a host device's
// egress. Only the minimal reconfiguration is performed: netem-only changes
// replace netem attributes in place, a bandwidth change re-rates the HTB
// class, and toggling the HTB layer rebuilds the tree.
func (f *Fabric) ApplyLinkEffects(dev string, effects LinkEffects) error {
	if err := f.checkManaged("shape", dev); err != nil {
		return err
	}
	want := effects.Clamp()

	f.mu.Lock()
	var cur *LinkEffects
	if c, ok := f.shaped[dev]; ok {
		cur = &c
	}
	plan := planChange(cur, want)
	f.mu.Unlock()

	link, err := netlink.LinkByName(dev)
	if err != nil {
		return util.NewFabricError("shape", dev, err)
	}

	switch plan {
	case planNone:
		return nil
	case planRemove:
		if err := f.removeTree(link, *cur); err != nil {
			return err
		}
		f.mu.Lock()
		delete(f.shaped, dev)
		f.mu.Unlock()
		return nil
	case planRebuild:
		if err := f.removeTree(link, *cur); err != nil {
			return err
		}
		fallthrough
	case planInstall:
		if err := f.installTree(link, want); err != nil {
			return err
		}
	case planClass:
		if err := f.changeClass(link, want); err != nil {
			return err
		}
		if cur.Delay != want.Delay || cur.Jitter != want.Jitter ||
			cur.Loss != want.Loss || cur.Duplicate != want.Duplicate ||
			cur.Buffer != want.Buffer {
			if err := f.changeNetem(link, want); err != nil {
				return err
			}
		}
	case planNetem:
		if err := f.changeNetem(link, want); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.shaped[dev] = want
	f.mu.Unlock()
	return nil
}

// netemOf builds the netem qdisc for the wanted effects under the right
// parent.
func netemOf(link netlink.Link, e LinkEffects) *netlink.Netem {
	parent := uint32(netlink.HANDLE_ROOT)
	if e.Bandwidth > 0 {
		parent = classHandle
	}
	limit := e.Buffer
	if limit == 0 {
		limit = DefaultQueueLimit
	}
	return netlink.NewNetem(
		netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Handle:    netemHandle,
			Parent:    parent,
		},
		netlink.NetemQdiscAttrs{
			Latency:   uint32(e.Delay),
			Jitter:    uint32(e.Jitter),
			Loss:      float32(e.Loss),
			Duplicate: float32(e.Duplicate),
			Limit:     limit,
		},
	)
}

// htbOf builds the HTB root qdisc.
func htbOf(link netlink.Link) *netlink.Htb {
	return netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Handle:    htbHandle,
		Parent:    netlink.HANDLE_ROOT,
	})
}

// classOf builds the single HTB class carrying the link rate. netlink
// rates are bytes per second.
func classOf(link netlink.Link, e LinkEffects) *netlink.HtbClass {
	attrs := netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Handle:    classHandle,
		Parent:    htbHandle,
	}
	htb := netlink.HtbClassAttrs{
		Rate: e.Bandwidth / 8,
		Ceil: e.Bandwidth / 8,
	}
	if e.Burst > 0 {
		htb.Buffer = e.Burst
		htb.Cbuffer = e.Burst
	}
	return netlink.NewHtbClass(attrs, htb)
}

func (f *Fabric) installTree(link netlink.Link, e LinkEffects) error {
	dev := link.Attrs().Name
	if e.Bandwidth > 0 {
		if err := netlink.QdiscAdd(htbOf(link)); err != nil {
			return util.NewFabricError("qdisc-add", dev, err)
		}
		if err := netlink.ClassAdd(classOf(link, e)); err != nil {
			return util.NewFabricError("class-add", dev, err)
		}
	}
	if err := netlink.QdiscAdd(netemOf(link, e)); err != nil {
		return util.NewFabricError("netem-add", dev, err)
	}
	return nil
}

func (f *Fabric) removeTree(link netlink.Link, cur LinkEffects) error {
	dev := link.Attrs().Name
	var root netlink.Qdisc
	if cur.Bandwidth > 0 {
		root = htbOf(link)
	} else {
		root = netemOf(link, cur)
	}
	if err := netlink.QdiscDel(root); err != nil {
		return util.NewFabricError("qdisc-del", dev, err)
	}
	return nil
}

func (f *Fabric) changeClass(link netlink.Link, e LinkEffects) error {
	if err := netlink.ClassChange(classOf(link, e)); err != nil {
		return util.NewFabricError("class-change", link.Attrs().Name, err)
	}
	return nil
}

func (f *Fabric) changeNetem(link netlink.Link, e LinkEffects) error {
	if err := netlink.QdiscChange(netemOf(link, e)); err != nil {
		return util.NewFabricError("netem-change", link.Attrs().Name, err)
	}
	return nil
}
