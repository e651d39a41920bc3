// Package fabric builds the host-side network plumbing for a session:
// bridges, veth pairs, TAP devices, GRE tunnels, control networks, and the
// per-link traffic shaping qdiscs.
//
// Device naming is deterministic and at most 15 characters:
//
//	b.<net_id>.<ss>       bridges
//	veth<node>.<if>.<ss>  veth host sides
//	tap<node>.<if>.<ss>   TAP devices
//	gt<key>.<ss>          gretap tunnels
//	ctl<idx>.<ss>         control-network bridges
//
// where <ss> is a short hash of the session id letting concurrent sessions
// coexist. The fabric refuses to manage devices outside these prefixes.
package fabric

import (
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"sync"

	"github.com/corenet-emu/corenet/pkg/util"
)

// Fabric owns the host devices of one session.
type Fabric struct {
	SessionID int

	mu     sync.Mutex
	short  string
	shaped map[string]LinkEffects // device -> last applied effects
}

// New creates the fabric for a session.
func New(sessionID int) *Fabric {
	return &Fabric{
		SessionID: sessionID,
		short:     SessionShort(sessionID),
		shaped:    make(map[string]LinkEffects),
	}
}

// SessionShort returns the 4-hex-digit device name suffix for a session id.
func SessionShort(sessionID int) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", sessionID)
	return fmt.Sprintf("%04x", h.Sum32()&0xffff)
}

// BridgeName returns the bridge device name for a network node.
func (f *Fabric) BridgeName(netID int) string {
	return fmt.Sprintf("b.%d.%s", netID, f.short)
}

// VethName returns the host-side veth name for a node interface.
func (f *Fabric) VethName(nodeID, ifaceID int) string {
	return fmt.Sprintf("veth%d.%d.%s", nodeID, ifaceID, f.short)
}

// peerName returns the temporary in-host name of the namespace-bound veth
// end, distinct from the host side but equally unique.
func (f *Fabric) peerName(nodeID, ifaceID int) string {
	return fmt.Sprintf("vp%d.%d.%s", nodeID, ifaceID, f.short)
}

// TapName returns the TAP device name for a node interface.
func (f *Fabric) TapName(nodeID, ifaceID int) string {
	return fmt.Sprintf("tap%d.%d.%s", nodeID, ifaceID, f.short)
}

// GretapName returns the gretap device name for a tunnel key.
func (f *Fabric) GretapName(key uint32) string {
	return fmt.Sprintf("gt%d.%s", key, f.short)
}

// CtrlName returns the control-network bridge name for plane 0..3.
func (f *Fabric) CtrlName(index int) string {
	return fmt.Sprintf("ctl%d.%s", index, f.short)
}

// Managed reports whether a device name belongs to this fabric's reserved
// namespace. Operations on unmanaged devices are refused.
func (f *Fabric) Managed(dev string) bool {
	for _, prefix := range []string{"b.", "veth", "vp", "tap", "gt", "ctl"} {
		if strings.HasPrefix(dev, prefix) && strings.HasSuffix(dev, "."+f.short) {
			return true
		}
	}
	return false
}

// checkManaged returns a FabricError unless dev is managed by this fabric.
func (f *Fabric) checkManaged(op, dev string) error {
	if err := util.CheckDeviceName(dev); err != nil {
		return err
	}
	if !f.Managed(dev) {
		return util.NewFabricError(op, dev, fmt.Errorf("device not managed by this session"))
	}
	return nil
}

// Host interface claims. RJ45 and TAP bridging hand a real host interface
// to a session; a second session asking for the same interface is refused
// rather than silently sharing it.
var (
	claimMu sync.Mutex
	claims  = make(map[string]int) // host device -> session id
)

// ClaimHostInterface reserves a host interface for a session.
func ClaimHostInterface(dev string, sessionID int) error {
	claimMu.Lock()
	defer claimMu.Unlock()
	if owner, ok := claims[dev]; ok && owner != sessionID {
		return util.NewFabricError("claim", dev,
			fmt.Errorf("already owned by session %d", owner))
	}
	claims[dev] = sessionID
	return nil
}

// ReleaseHostInterface returns a host interface claim. Idempotent.
func ReleaseHostInterface(dev string, sessionID int) {
	claimMu.Lock()
	defer claimMu.Unlock()
	if owner, ok := claims[dev]; ok && owner == sessionID {
		delete(claims, dev)
	}
}

// writeSysfs writes a bridge tunable; missing files are not an error since
// kernels vary in what they expose.
func writeSysfs(path, value string) {
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		util.Logger.Debugf("fabric: sysfs %s=%s: %v", path, value, err)
	}
}
