package core

import (
	"fmt"
	"net"
	"sort"

	"github.com/corenet-emu/corenet/pkg/core/conf"
	"github.com/corenet-emu/corenet/pkg/core/geo"
	"github.com/corenet-emu/corenet/pkg/core/scenario"
	"github.com/corenet-emu/corenet/pkg/util"
)

// SaveScenario marshals the session's data model to a scenario document.
func (s *Session) SaveScenario() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := &scenario.Document{
		Session: scenario.SessionDoc{
			ID:   s.ID,
			Name: s.Name,
			User: s.User,
		},
	}
	if s.geoConv != nil {
		doc.Canvas = scenario.CanvasDoc{
			RefX:  s.geoConv.RefX,
			RefY:  s.geoConv.RefY,
			Lat:   s.geoConv.Ref.Lat,
			Lon:   s.geoConv.Ref.Lon,
			Alt:   s.geoConv.Ref.Alt,
			Scale: s.geoConv.Scale,
		}
	}

	for _, k := range s.Conf.Keys() {
		v, _ := s.Conf.Get(k)
		scope := "session"
		switch k.Scope {
		case conf.ScopeNode:
			scope = "node"
		case conf.ScopeInterface:
			scope = "interface"
		}
		doc.Configs = append(doc.Configs, scenario.ConfigDoc{
			Scope:   scope,
			Node:    k.Node,
			Iface:   k.Iface,
			Subject: k.Subject,
			Name:    k.Name,
			Value:   v.AsString(),
			Type:    int(v.Type),
		})
	}

	ids := make([]int, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		n := s.nodes[id]
		nd := scenario.NodeDoc{
			ID:       n.ID,
			Name:     n.Name,
			Type:     n.Type.String(),
			Model:    n.Model,
			X:        n.X,
			Y:        n.Y,
			Z:        n.Z,
			Canvas:   n.Canvas,
			Server:   n.Server,
			HostDev:  n.HostDev,
			Services: n.Services,
		}
		for _, ifc := range n.Ifaces() {
			nd.Ifaces = append(nd.Ifaces, scenario.IfaceDoc{
				ID:   ifc.ID,
				Name: ifc.Name,
				MAC:  ifc.MAC.String(),
				IPv4: ifc.IPv4,
				IPv6: ifc.IPv6,
				MTU:  ifc.MTU,
				Net:  ifc.NetID,
			})
		}
		doc.Nodes = append(doc.Nodes, nd)
	}

	for _, l := range s.links {
		ld := scenario.LinkDoc{
			Node1:  l.Node1,
			Iface1: l.Iface1,
			Node2:  l.Node2,
			Iface2: l.Iface2,
			Type:   l.Type.String(),
			Key:    l.Options.Key,
		}
		if opts := optionsDoc(l.Options); opts != nil {
			ld.Options = opts
		}
		if l.Reverse != nil {
			ld.Reverse = optionsDoc(*l.Reverse)
		}
		doc.Links = append(doc.Links, ld)
	}

	for _, h := range s.hooks {
		doc.Hooks = append(doc.Hooks, scenario.HookDoc{
			State: h.State.String(),
			Name:  h.Name,
			Body:  h.Body,
		})
	}

	return scenario.Save(doc)
}

func optionsDoc(o LinkOptions) *scenario.OptionsDoc {
	if o.Bandwidth == 0 && o.Delay == 0 && o.Jitter == 0 && o.Loss == 0 &&
		o.Duplicate == 0 && o.Burst == 0 && o.Buffer == 0 {
		return nil
	}
	return &scenario.OptionsDoc{
		Bandwidth: o.Bandwidth,
		Delay:     o.Delay,
		Jitter:    o.Jitter,
		Loss:      o.Loss,
		Duplicate: o.Duplicate,
		Burst:     o.Burst,
		Buffer:    o.Buffer,
	}
}

func optionsFromDoc(d *scenario.OptionsDoc, key uint32) LinkOptions {
	if d == nil {
		return LinkOptions{Key: key}
	}
	return LinkOptions{
		Bandwidth: d.Bandwidth,
		Delay:     d.Delay,
		Jitter:    d.Jitter,
		Loss:      d.Loss,
		Duplicate: d.Duplicate,
		Burst:     d.Burst,
		Buffer:    d.Buffer,
		Key:       key,
	}
}

// OpenScenario restores a saved document into a fresh session created by
// the registry. The session id may be renumbered; everything else is
// reproduced.
func (r *Registry) OpenScenario(data []byte, user string) (*Session, error) {
	doc, err := scenario.Load(data)
	if err != nil {
		return nil, err
	}

	s, err := r.NewSession(user)
	if err != nil {
		return nil, err
	}
	if doc.Session.Name != "" {
		s.Name = doc.Session.Name
	}
	if doc.Session.User != "" {
		s.User = doc.Session.User
	}

	if doc.Canvas.Scale > 0 {
		ref := geo.Point{Lat: doc.Canvas.Lat, Lon: doc.Canvas.Lon, Alt: doc.Canvas.Alt}
		if err := s.SetCanvasRef(doc.Canvas.RefX, doc.Canvas.RefY, ref, doc.Canvas.Scale); err != nil {
			return nil, err
		}
	}

	for _, c := range doc.Configs {
		scope := conf.ScopeSession
		switch c.Scope {
		case "node":
			scope = conf.ScopeNode
		case "interface":
			scope = conf.ScopeInterface
		}
		typ := conf.Type(c.Type)
		if typ == conf.TypeNone {
			typ = conf.TypeString
		}
		val, err := conf.Parse(typ, c.Value)
		if err != nil {
			val = conf.String(c.Value)
		}
		key := conf.Key{Scope: scope, Node: c.Node, Iface: c.Iface, Subject: c.Subject, Name: c.Name}
		if err := s.Conf.Set(key, val); err != nil {
			return nil, err
		}
	}

	for _, nd := range doc.Nodes {
		typ, err := ParseNodeType(nd.Type)
		if err != nil {
			return nil, err
		}
		n, err := s.AddNode(NodeOpts{
			ID:       nd.ID,
			Name:     nd.Name,
			Type:     typ,
			Model:    nd.Model,
			X:        nd.X,
			Y:        nd.Y,
			Z:        nd.Z,
			Canvas:   nd.Canvas,
			Server:   nd.Server,
			HostDev:  nd.HostDev,
			Services: nd.Services,
		})
		if err != nil {
			return nil, err
		}
		for _, ifd := range nd.Ifaces {
			ifc := &Interface{
				ID:    ifd.ID,
				Name:  ifd.Name,
				IPv4:  ifd.IPv4,
				IPv6:  ifd.IPv6,
				MTU:   ifd.MTU,
				NetID: ifd.Net,
			}
			if ifd.MAC != "" {
				mac, err := net.ParseMAC(ifd.MAC)
				if err != nil {
					return nil, fmt.Errorf("core: %w: %q", util.ErrBadAddress, ifd.MAC)
				}
				ifc.MAC = mac
			}
			s.mu.Lock()
			n.ifaces[ifc.ID] = ifc
			s.mu.Unlock()
		}
	}

	for _, ld := range doc.Links {
		typ := LinkWired
		if ld.Type == "wireless" {
			typ = LinkWireless
		}
		if err := s.restoreLink(ld, typ); err != nil {
			return nil, err
		}
	}

	for _, hd := range doc.Hooks {
		state, err := ParseState(hd.State)
		if err != nil {
			return nil, err
		}
		s.AddHook(state, hd.Name, hd.Body)
	}

	return s, nil
}

// restoreLink re-creates a stored link referencing already-restored
// interfaces rather than allocating new ones.
func (s *Session) restoreLink(ld scenario.LinkDoc, typ LinkType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link := &Link{
		ID:      s.linkIDs.Next(),
		Node1:   ld.Node1,
		Iface1:  ld.Iface1,
		Node2:   ld.Node2,
		Iface2:  ld.Iface2,
		Type:    typ,
		Options: optionsFromDoc(ld.Options, ld.Key),
	}
	if ld.Reverse != nil {
		rev := optionsFromDoc(ld.Reverse, ld.Key)
		rev.Unidirectional = true
		link.Options.Unidirectional = true
		link.Reverse = &rev
	}
	s.links = append(s.links, link)
	s.adj.add(link.Node1, link.Node2)
	return nil
}
