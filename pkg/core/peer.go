package core

import (
	"fmt"
	"net"
	"sync"

	"github.com/corenet-emu/corenet/pkg/core/broker"
	"github.com/corenet-emu/corenet/pkg/core/fabric"
	"github.com/corenet-emu/corenet/pkg/util"
)

// PeerAdapter applies a master's mirrored operations on this daemon. Each
// master session gets a local shadow session holding the subset of nodes
// assigned here.
type PeerAdapter struct {
	Registry *Registry

	mu       sync.Mutex
	sessions map[int]*Session // master session id -> local shadow
}

// NewPeerAdapter wires a registry into the broker's peer surface.
func NewPeerAdapter(r *Registry) *PeerAdapter {
	return &PeerAdapter{Registry: r, sessions: make(map[int]*Session)}
}

// shadow returns (creating on demand) the local session mirroring a master
// session.
func (p *PeerAdapter) shadow(masterID int) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[masterID]; ok {
		return s, nil
	}
	s, err := p.Registry.NewSession(fmt.Sprintf("peer-of-%d", masterID))
	if err != nil {
		return nil, err
	}
	p.sessions[masterID] = s
	return s, nil
}

// NodeCreate implements broker.PeerHandler.
func (p *PeerAdapter) NodeCreate(masterID int, msg broker.NodeMsg) error {
	s, err := p.shadow(masterID)
	if err != nil {
		return err
	}
	typ, err := ParseNodeType(msg.Type)
	if err != nil {
		return err
	}
	_, err = s.AddNode(NodeOpts{
		ID:       msg.ID,
		Name:     msg.Name,
		Type:     typ,
		Model:    msg.Model,
		X:        msg.X,
		Y:        msg.Y,
		Z:        msg.Z,
		Services: msg.Services,
	})
	return err
}

// NodeUpdate implements broker.PeerHandler.
func (p *PeerAdapter) NodeUpdate(masterID int, msg broker.NodeMsg) error {
	s, err := p.shadow(masterID)
	if err != nil {
		return err
	}
	return s.SetPosition(msg.ID, msg.X, msg.Y, msg.Z)
}

// NodeDelete implements broker.PeerHandler.
func (p *PeerAdapter) NodeDelete(masterID int, nodeID int) error {
	s, err := p.shadow(masterID)
	if err != nil {
		return err
	}
	return s.DeleteNode(nodeID)
}

// TunnelBuild implements broker.PeerHandler: stand up this side of a
// cross-server link.
func (p *PeerAdapter) TunnelBuild(masterID int, t broker.TunnelMsg) error {
	s, err := p.shadow(masterID)
	if err != nil {
		return err
	}
	remote := net.ParseIP(t.RemoteIP)
	if t.RemoteIP != "" && remote == nil {
		return fmt.Errorf("core: tunnel remote: %w: %q", util.ErrBadAddress, t.RemoteIP)
	}
	_, err = s.fabric.BuildGreTunnel(nil, remote, t.Key, t.NetID, fabric.BridgeSwitch)
	return err
}

// TunnelDelete implements broker.PeerHandler.
func (p *PeerAdapter) TunnelDelete(masterID int, key uint32) error {
	s, err := p.shadow(masterID)
	if err != nil {
		return err
	}
	return s.fabric.DestroyGreTunnel(key)
}
