package core

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/corenet-emu/corenet/pkg/core/broker"
	"github.com/corenet-emu/corenet/pkg/core/conf"
	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/core/fabric"
	"github.com/corenet-emu/corenet/pkg/core/mobility"
	"github.com/corenet-emu/corenet/pkg/core/nsdrv"
	"github.com/corenet-emu/corenet/pkg/core/services"
	"github.com/corenet-emu/corenet/pkg/core/stats"
	"github.com/corenet-emu/corenet/pkg/core/wireless"
	"github.com/corenet-emu/corenet/pkg/util"
)

// ptpNetBase offsets the synthetic network ids of point-to-point links so
// they never collide with node ids.
const ptpNetBase = 1 << 16

// netKeyLocked returns the network id a link's addressing and bridge hang
// off: the link-layer node's id for cloud attachments, a synthetic id for
// point-to-point links. Caller holds s.mu.
func (s *Session) netKeyLocked(l *Link) int {
	if n, ok := s.nodes[l.Node1]; ok && n.Type.IsLinkLayer() {
		return n.ID
	}
	if n, ok := s.nodes[l.Node2]; ok && n.Type.IsLinkLayer() {
		return n.ID
	}
	return ptpNetBase + l.ID
}

// bridgeKind maps a link-layer node type to fabric behavior. Point-to-point
// bridges behave like switches.
func bridgeKind(t NodeType) fabric.BridgeKind {
	switch t {
	case NodeHub:
		return fabric.BridgeHub
	case NodeWLAN, NodeWireless:
		return fabric.BridgeWLAN
	default:
		return fabric.BridgeSwitch
	}
}

// clearRuntime is the definition-entry work: any prior runtime state goes,
// the user-authored data model stays.
func (s *Session) clearRuntime() error {
	s.stopEngines()
	s.mu.Lock()
	for _, n := range s.nodes {
		n.serviceOrder = nil
		n.serviceState = make(map[string]services.State)
		n.started = false
		for _, ifc := range n.ifaces {
			ifc.hostDev = ""
		}
	}
	s.mu.Unlock()
	return nil
}

// configure finalizes auto-assigned addresses, validates the model, and
// computes per-node service order, then renders service files into node
// workspaces.
func (s *Session) configure() error {
	s.mu.Lock()

	var v util.ValidationBuilder
	for _, l := range s.links {
		key := s.netKeyLocked(l)
		subnet, err := s.alloc.SubnetFor(key)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		for _, ep := range []struct {
			node  int
			iface int
		}{{l.Node1, l.Iface1}, {l.Node2, l.Iface2}} {
			if ep.iface < 0 {
				continue
			}
			n := s.nodes[ep.node]
			ifc, ok := n.ifaces[ep.iface]
			if !ok {
				v.AddErrorf("node %d interface %d missing", ep.node, ep.iface)
				continue
			}
			if len(ifc.IPv4) == 0 {
				ip, maskLen, err := subnet.NextIPv4()
				if err != nil {
					v.AddErrorf("node %d: %v", ep.node, err)
					continue
				}
				ifc.IPv4 = []string{fmt.Sprintf("%s/%d", ip, maskLen)}
			}
			if len(ifc.IPv6) == 0 {
				ip, prefixLen, err := subnet.NextIPv6()
				if err == nil {
					ifc.IPv6 = []string{fmt.Sprintf("%s/%d", ip, prefixLen)}
				}
			}
		}
	}

	// Interface constraints: names valid, one link per interface.
	seen := make(map[string]bool)
	for _, l := range s.links {
		for _, ep := range []struct{ node, iface int }{{l.Node1, l.Iface1}, {l.Node2, l.Iface2}} {
			if ep.iface < 0 {
				continue
			}
			key := fmt.Sprintf("%d:%d", ep.node, ep.iface)
			v.Add(!seen[key], fmt.Sprintf("interface %s participates in more than one link", key))
			seen[key] = true
		}
	}
	for _, n := range s.nodes {
		for _, ifc := range n.ifaces {
			if err := util.CheckDeviceName(ifc.Name); err != nil {
				v.AddErrorf("node %d: %v", n.ID, err)
			}
		}
	}

	// Per-node service order; cycles fail configuration.
	s.sched.Escalate = s.optBool("escalate_service_failures")
	type pending struct {
		node  *Node
		order []*services.Service
	}
	var renders []pending
	for _, n := range s.nodes {
		if !n.Type.IsNetwork() || len(n.Services) == 0 {
			continue
		}
		order, err := s.sched.Resolve(n.Name, n.Services, n.ServiceOverrides)
		if err != nil {
			s.mu.Unlock()
			s.Alert(events.AlertError, "service-deps", n.Name, n.ID, err.Error())
			return err
		}
		n.serviceOrder = order
		renders = append(renders, pending{n, order})
	}
	s.mu.Unlock()

	if v.HasErrors() {
		return v.Build()
	}

	// Materialize rendered files outside the lock.
	for _, p := range renders {
		if err := os.MkdirAll(p.node.Dir, 0755); err != nil {
			return fmt.Errorf("core: node dir %s: %w", p.node.Dir, err)
		}
		env := s.serviceEnv(p.node)
		for _, svc := range p.order {
			if err := s.sched.WriteFiles(svc, p.node.Dir, env); err != nil {
				return err
			}
		}
	}
	return nil
}

// serviceEnv builds the template data for a node.
func (s *Session) serviceEnv(n *Node) *services.NodeEnv {
	env := &services.NodeEnv{Env: map[string]string{
		"SESSION": fmt.Sprintf("%d", s.ID),
		"NODE":    n.Name,
	}}
	env.Node.ID = n.ID
	env.Node.Name = n.Name
	env.Node.Dir = n.Dir
	for _, ifc := range n.Ifaces() {
		env.IPv4 = append(env.IPv4, ifc.IPv4...)
		env.IPv6 = append(env.IPv6, ifc.IPv6...)
	}
	return env
}

// optBool reads a session option.
func (s *Session) optBool(name string) bool {
	val, ok := s.Conf.Get(conf.Key{Scope: conf.ScopeSession, Subject: "options", Name: name})
	return ok && val.B
}

func (s *Session) optString(name string) string {
	val, ok := s.Conf.Get(conf.Key{Scope: conf.ScopeSession, Subject: "options", Name: name})
	if !ok {
		return ""
	}
	return val.S
}

// instantiate builds the kernel realization of the model: bridges first,
// then namespaces, then interfaces, then link effects, then services.
func (s *Session) instantiate() error {
	s.mu.Lock()
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	links := make([]*Link, len(s.links))
	copy(links, s.links)
	s.mu.Unlock()

	// Optional control planes.
	for idx, opt := range []string{"controlnet", "controlnet1", "controlnet2", "controlnet3"} {
		subnet := s.optString(opt)
		if subnet == "" {
			continue
		}
		if _, err := s.fabric.BuildControlNet(idx, subnet); err != nil {
			return err
		}
	}

	// Bridges for link-layer nodes, plus range models for WLAN clouds.
	for _, n := range nodes {
		if !n.Type.IsLinkLayer() || n.Server != "" {
			continue
		}
		if _, err := s.fabric.BuildBridge(n.ID, bridgeKind(n.Type)); err != nil {
			return err
		}
		if n.Type == NodeWLAN || n.Type == NodeWireless {
			s.setupWlan(n)
		}
	}

	// Implicit bridges for point-to-point links.
	s.mu.Lock()
	ptpKeys := make(map[*Link]int)
	for _, l := range links {
		key := s.netKeyLocked(l)
		if key >= ptpNetBase {
			ptpKeys[l] = key
		}
	}
	s.mu.Unlock()
	for _, key := range ptpKeys {
		if _, err := s.fabric.BuildBridge(key, fabric.BridgeSwitch); err != nil {
			return err
		}
	}

	// Namespaces for local network nodes.
	for _, n := range nodes {
		if !n.Type.IsNetwork() || n.Server != "" {
			continue
		}
		if err := os.MkdirAll(n.Dir, 0755); err != nil {
			return fmt.Errorf("core: node dir: %w", err)
		}
		if _, err := s.drv.Create(n.ID, n.Dir); err != nil {
			return err
		}
		n.started = true
	}

	// Physical attachments and tunnels.
	for _, n := range nodes {
		switch n.Type {
		case NodeRJ45:
			if err := s.attachRJ45(n, links); err != nil {
				return err
			}
		case NodeTunnel:
			if err := s.buildTunnelNode(n, links); err != nil {
				return err
			}
		}
	}

	// Interfaces and link effects.
	s.mu.Lock()
	for _, l := range links {
		n1, n2 := s.nodes[l.Node1], s.nodes[l.Node2]
		if err := s.attachLive(l, n1, n2); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	// WLAN membership from current positions. Joins run off-lock since
	// model callbacks read the session for member devices.
	type joinReq struct {
		model   *wireless.Model
		node    int
		x, y, z float64
	}
	var joins []joinReq
	for _, n := range nodes {
		for _, ifc := range n.ifaces {
			if m, ok := s.wlans[ifc.NetID]; ok {
				joins = append(joins, joinReq{m, n.ID, n.X, n.Y, n.Z})
			}
		}
	}
	s.mu.Unlock()
	for _, j := range joins {
		j.model.Join(j.node, j.x, j.y, j.z)
	}

	// Cross-server links become gretap tunnels on both sides.
	for _, l := range links {
		if err := s.setupDistributedLink(l); err != nil {
			return err
		}
	}

	// Services, in dependency order per node.
	return s.startServices(nodes)
}

// setupWlan creates a cloud's range model wired to ebtables and the bus.
func (s *Session) setupWlan(n *Node) {
	cfg := s.wlanConfig(n.ID)
	model := wireless.NewModel(n.ID, cfg)
	bridge := s.fabric.BridgeName(n.ID)

	model.OnLinkUp = func(a, b int) {
		devA, devB := s.memberDev(a, n.ID), s.memberDev(b, n.ID)
		if devA != "" && devB != "" {
			if err := s.fabric.EnableWlanPair(bridge, devA, devB); err != nil {
				s.Alert(events.AlertError, "wlan-filter", n.Name, n.ID, err.Error())
			}
		}
		s.publish(events.TopicLink, events.LinkEvent{
			Node1: a, Node2: b, Iface1: -1, Iface2: -1, Op: "add", Wireless: true,
		})
	}
	model.OnLinkDown = func(a, b int) {
		devA, devB := s.memberDev(a, n.ID), s.memberDev(b, n.ID)
		if devA != "" && devB != "" {
			s.fabric.DisableWlanPair(bridge, devA, devB)
		}
		s.publish(events.TopicLink, events.LinkEvent{
			Node1: a, Node2: b, Iface1: -1, Iface2: -1, Op: "delete", Wireless: true,
		})
	}

	s.mu.Lock()
	s.wlans[n.ID] = model
	s.mu.Unlock()
}

// wlanConfig reads a cloud's range-model parameters from the config store.
func (s *Session) wlanConfig(wlanID int) wireless.Config {
	vals := s.Conf.Subject(conf.Key{Scope: conf.ScopeNode, Node: wlanID, Subject: "wlan"})
	cfg := wireless.DefaultConfig()
	if v, ok := vals["range"]; ok {
		cfg.Range = v.AsFloat()
	}
	if v, ok := vals["bandwidth"]; ok {
		cfg.Bandwidth = uint64(v.AsInt())
	}
	if v, ok := vals["delay"]; ok {
		cfg.Delay = uint64(v.AsInt())
	}
	if v, ok := vals["jitter"]; ok {
		cfg.Jitter = uint64(v.AsInt())
	}
	if v, ok := vals["loss"]; ok {
		cfg.Loss = v.AsFloat()
	}
	return cfg
}

// SetWlanConfig updates a cloud's range model parameters, re-evaluating
// connectivity when the model is live.
func (s *Session) SetWlanConfig(wlanID int, cfg wireless.Config) error {
	set := func(name string, v conf.Value) error {
		return s.Conf.Set(conf.Key{Scope: conf.ScopeNode, Node: wlanID, Subject: "wlan", Name: name}, v)
	}
	if err := set("range", conf.Float(cfg.Range)); err != nil {
		return err
	}
	if err := set("bandwidth", conf.Uint(cfg.Bandwidth)); err != nil {
		return err
	}
	if err := set("delay", conf.Uint(cfg.Delay)); err != nil {
		return err
	}
	if err := set("jitter", conf.Uint(cfg.Jitter)); err != nil {
		return err
	}
	if err := set("loss", conf.Float(cfg.Loss)); err != nil {
		return err
	}
	if m, ok := s.wlanModel(wlanID); ok {
		m.SetConfig(cfg)
	}
	s.publish(events.TopicConfig, events.ConfigEvent{
		Subject: "wlan", NodeID: wlanID, Name: "range", Value: fmt.Sprintf("%g", cfg.Range),
	})
	return nil
}

// memberDev returns the host-side device of a node's interface into a
// cloud, or "".
func (s *Session) memberDev(nodeID, wlanID int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return ""
	}
	for _, ifc := range n.ifaces {
		if ifc.NetID == wlanID {
			return s.fabric.VethName(nodeID, ifc.ID)
		}
	}
	return ""
}

// attachLive realizes one link in the kernel: veth ends into namespaces,
// host ends onto the network's bridge, then shaping. Caller holds s.mu or
// runs on the session task during instantiation.
func (s *Session) attachLive(l *Link, n1, n2 *Node) error {
	key := 0
	kind := fabric.BridgeSwitch
	switch {
	case n1.Type.IsLinkLayer():
		key, kind = n1.ID, bridgeKind(n1.Type)
	case n2.Type.IsLinkLayer():
		key, kind = n2.ID, bridgeKind(n2.Type)
	default:
		key = ptpNetBase + l.ID
	}

	for _, ep := range []struct {
		n     *Node
		iface int
	}{{n1, l.Iface1}, {n2, l.Iface2}} {
		if ep.iface < 0 || !ep.n.Type.IsNetwork() || ep.n.Server != "" {
			continue
		}
		if !ep.n.started {
			if err := os.MkdirAll(ep.n.Dir, 0755); err != nil {
				return fmt.Errorf("core: node dir: %w", err)
			}
			if _, err := s.drv.Create(ep.n.ID, ep.n.Dir); err != nil {
				return err
			}
			ep.n.started = true
		}
		ifc := ep.n.ifaces[ep.iface]
		spec := fabric.IfaceSpec{
			Name:  ifc.Name,
			MAC:   ifc.MAC,
			Addrs: ifc.Addrs(),
			MTU:   ifc.MTU,
		}
		host, err := s.fabric.Attach(ep.n.ID, ifc.ID, s.drv.NamespaceName(ep.n.ID), spec, key, kind)
		if err != nil {
			return err
		}
		ifc.hostDev = host
	}

	if kind == fabric.BridgeWLAN {
		// Cloud shaping comes from the range-model parameters, applied to
		// every member's host device.
		cfg := s.wlanConfig(key)
		effects := fabric.LinkEffects{
			Bandwidth: cfg.Bandwidth, Delay: cfg.Delay,
			Jitter: cfg.Jitter, Loss: cfg.Loss,
		}
		for _, ep := range []struct {
			n     *Node
			iface int
		}{{n1, l.Iface1}, {n2, l.Iface2}} {
			if ep.iface < 0 || ep.n.Server != "" {
				continue
			}
			dev := s.fabric.VethName(ep.n.ID, ep.iface)
			if err := s.fabric.ApplyLinkEffects(dev, effects); err != nil {
				return err
			}
		}
		return nil
	}
	return s.applyLinkEffects(l)
}

// detachLive reverses attachLive for one link.
func (s *Session) detachLive(l *Link) {
	for _, ep := range []struct{ node, iface int }{{l.Node1, l.Iface1}, {l.Node2, l.Iface2}} {
		if ep.iface < 0 {
			continue
		}
		if err := s.fabric.Detach(ep.node, ep.iface); err != nil {
			s.Alert(events.AlertError, "detach", fmt.Sprintf("%d:%d", ep.node, ep.iface),
				ep.node, err.Error())
		}
	}
	key := s.netKeyLocked(l)
	if key >= ptpNetBase {
		if err := s.fabric.DestroyBridge(key, fabric.BridgeSwitch); err != nil {
			s.Alert(events.AlertError, "detach", fmt.Sprintf("link %d", l.ID), 0, err.Error())
		}
	}
}

// attachRJ45 enslaves the node's claimed host interface to the bridge of
// the network it links into.
func (s *Session) attachRJ45(n *Node, links []*Link) error {
	for _, l := range links {
		if !l.touches(n.ID) {
			continue
		}
		s.mu.Lock()
		key := s.netKeyLocked(l)
		s.mu.Unlock()
		var kind fabric.BridgeKind = fabric.BridgeSwitch
		s.mu.RLock()
		if other, ok := s.nodes[l.Node1]; ok && other.ID != n.ID && other.Type.IsLinkLayer() {
			kind = bridgeKind(other.Type)
		} else if other, ok := s.nodes[l.Node2]; ok && other.ID != n.ID && other.Type.IsLinkLayer() {
			kind = bridgeKind(other.Type)
		}
		s.mu.RUnlock()
		return s.fabric.AttachRJ45(n.HostDev, key, kind)
	}
	return nil
}

// buildTunnelNode stands up a GRE endpoint node's gretap device.
func (s *Session) buildTunnelNode(n *Node, links []*Link) error {
	remote, ok := s.Conf.Get(conf.Key{Scope: conf.ScopeNode, Node: n.ID, Subject: "tunnel", Name: "remote"})
	if !ok || remote.S == "" {
		s.Alert(events.AlertWarning, "tunnel", n.Name, n.ID, "tunnel node has no remote address")
		return nil
	}
	remoteIP := net.ParseIP(remote.S)
	if remoteIP == nil {
		return fmt.Errorf("core: tunnel %s: %w: %q", n.Name, util.ErrBadAddress, remote.S)
	}
	netID := 0
	for _, l := range links {
		if l.touches(n.ID) {
			s.mu.Lock()
			netID = s.netKeyLocked(l)
			s.mu.Unlock()
			break
		}
	}
	_, err := s.fabric.BuildGreTunnel(nil, remoteIP, n.GreKey, netID, fabric.BridgeSwitch)
	return err
}

// tunnelKey derives a session-unique gretap key for a cross-server link.
func (s *Session) tunnelKey(l *Link) uint32 {
	if l.Options.Key != 0 {
		return l.Options.Key
	}
	return uint32(s.ID)<<12 | uint32(l.ID)
}

// setupDistributedLink builds both sides of a wired link crossing a server
// boundary: a local gretap on the link's bridge, and a mirrored build on
// the peer.
func (s *Session) setupDistributedLink(l *Link) error {
	s.mu.RLock()
	n1, n2 := s.nodes[l.Node1], s.nodes[l.Node2]
	s.mu.RUnlock()
	if n1 == nil || n2 == nil || l.Type != LinkWired {
		return nil
	}
	local1, local2 := n1.Server == "", n2.Server == ""
	if local1 == local2 {
		return nil // both local or both remote
	}

	peerName := n1.Server
	if peerName == "" {
		peerName = n2.Server
	}
	peer, ok := s.brk.Peer(peerName)
	if !ok {
		return fmt.Errorf("core: link %d: %w: %s", l.ID, util.ErrPeerUnreachable, peerName)
	}

	key := s.tunnelKey(l)
	peerHost, _, err := net.SplitHostPort(peer.Addr)
	if err != nil {
		peerHost = peer.Addr
	}
	s.mu.Lock()
	netID := s.netKeyLocked(l)
	s.mu.Unlock()

	if _, err := s.fabric.BuildGreTunnel(nil, net.ParseIP(peerHost), key, netID, fabric.BridgeSwitch); err != nil {
		return err
	}
	if err := s.brk.BuildTunnel(peerName, broker.TunnelMsg{Key: key, RemoteIP: "", NetID: netID}); err != nil {
		return err
	}
	return nil
}

// startServices runs every local network node's service order.
func (s *Session) startServices(nodes []*Node) error {
	ctx := context.Background()
	for _, n := range nodes {
		if !n.Type.IsNetwork() || n.Server != "" || len(n.serviceOrder) == 0 {
			continue
		}
		runner := &nsdrv.ShellRunner{Driver: s.drv, NodeID: n.ID}
		node := n
		s.sched.OnAlert = func(service, text string, fatal bool) {
			level := events.AlertError
			if fatal {
				level = events.AlertFatal
			}
			s.Alert(level, "service", node.Name+"/"+service, node.ID, text)
		}
		states := s.sched.StartAll(ctx, runner, n.serviceOrder)
		s.mu.Lock()
		n.serviceState = states
		s.mu.Unlock()
		for svc, state := range states {
			util.WithService(s.ID, n.ID, svc).Debugf("core: service %s", state)
			s.store.SetServiceState(ctx, s.ID, n.ID, svc, string(state))
		}
	}
	return nil
}

// startRuntime is the runtime-entry work: throughput sampling, mobility,
// and live event streams.
func (s *Session) startRuntime() error {
	s.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	s.runCtx, s.runCancel = ctx, cancel

	for _, n := range s.nodes {
		if n.Type.IsLinkLayer() && n.Server == "" {
			s.sampler.AddTarget(stats.Target{
				Dev: s.fabric.BridgeName(n.ID), NodeID: n.ID, IfaceID: -1,
			})
		}
		if n.Type.IsNetwork() && n.Server == "" {
			for _, ifc := range n.ifaces {
				if ifc.hostDev != "" {
					s.sampler.AddTarget(stats.Target{
						Dev: ifc.hostDev, NodeID: n.ID, IfaceID: ifc.ID,
					})
				}
			}
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sampler.Run(ctx)
	}()

	return s.startMobility(ctx)
}

// startMobility loads the configured waypoint script and optionally starts
// playback.
func (s *Session) startMobility(ctx context.Context) error {
	vals := s.Conf.Subject(conf.Key{Scope: conf.ScopeSession, Subject: "mobility"})
	file := vals["file"].S
	if file == "" {
		return nil
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(s.Dir, file)
	}
	body, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("core: mobility script: %w", err)
	}
	script, err := mobility.ParseScript(string(body))
	if err != nil {
		return err
	}

	tick := time.Duration(vals["refresh_ms"].AsInt()) * time.Millisecond
	engine := mobility.NewEngine(s.ID, script, tick, vals["loop"].B)
	engine.SetPosition = func(node int, x, y, z float64) {
		if err := s.SetPosition(node, x, y, z); err != nil {
			util.WithNode(s.ID, node).Debugf("core: mobility move: %v", err)
		}
	}

	s.mu.Lock()
	s.mob = engine
	s.mu.Unlock()

	if vals["autostart"].B {
		engine.Play(ctx)
	}
	return nil
}

// MobilityAction controls waypoint playback: start, stop, pause, reset.
func (s *Session) MobilityAction(action string) error {
	s.mu.RLock()
	engine := s.mob
	ctx := s.runCtx
	s.mu.RUnlock()
	if engine == nil {
		return util.NewNotFoundError("service", "mobility")
	}
	switch action {
	case "start":
		if ctx == nil {
			ctx = context.Background()
		}
		engine.Play(ctx)
	case "stop":
		engine.Stop()
	case "pause":
		engine.Pause()
	case "reset":
		engine.Reset()
	default:
		return fmt.Errorf("core: unknown mobility action %q: %w", action, util.ErrNotFound)
	}
	return nil
}

// collect is the datacollect-entry work: reverse-order service shutdown
// and per-node state capture into the workspace.
func (s *Session) collect() error {
	s.mu.Lock()
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, n := range nodes {
		if !n.Type.IsNetwork() || n.Server != "" || len(n.serviceOrder) == 0 {
			continue
		}
		runner := &nsdrv.ShellRunner{Driver: s.drv, NodeID: n.ID}
		s.mu.Lock()
		states := n.serviceState
		s.mu.Unlock()
		s.sched.StopAll(ctx, runner, n.serviceOrder, states)
		s.writeServiceStates(n)
	}
	return nil
}

// writeServiceStates records a node's final service states to its
// workspace.
func (s *Session) writeServiceStates(n *Node) {
	path := filepath.Join(n.Dir, "services.state")
	var body string
	for svc, state := range n.ServiceState() {
		body += fmt.Sprintf("%s %s\n", svc, state)
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		util.WithNode(s.ID, n.ID).Warnf("core: service states: %v", err)
	}
}

// stopEngines cancels runtime workers and waits for them.
func (s *Session) stopEngines() {
	s.mu.Lock()
	cancel := s.runCancel
	engine := s.mob
	s.runCtx, s.runCancel, s.mob = nil, nil, nil
	s.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// shutdown is the terminal-state work: destroy namespaces, devices, and
// tunnels, release claims, and keep or delete nothing of the data model.
func (s *Session) shutdown() error {
	s.stopEngines()
	s.brk.Close()

	s.mu.Lock()
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	links := make([]*Link, len(s.links))
	copy(links, s.links)
	ptp := make(map[int]bool)
	for _, l := range links {
		if key := s.netKeyLocked(l); key >= ptpNetBase {
			ptp[key] = true
		}
	}
	s.wlans = make(map[int]*wireless.Model)
	s.mu.Unlock()

	var errs []error
	for _, n := range nodes {
		if n.Type.IsNetwork() && n.started {
			for _, ifc := range n.Ifaces() {
				if err := s.fabric.Detach(n.ID, ifc.ID); err != nil {
					errs = append(errs, err)
				}
				ifc.hostDev = ""
			}
		}
	}
	s.drv.DestroyAll()

	for _, l := range links {
		s.mu.RLock()
		n1, n2 := s.nodes[l.Node1], s.nodes[l.Node2]
		s.mu.RUnlock()
		if n1 != nil && n2 != nil && (n1.Server != "") != (n2.Server != "") {
			if err := s.fabric.DestroyGreTunnel(s.tunnelKey(l)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, n := range nodes {
		switch {
		case n.Type.IsLinkLayer() && n.Server == "":
			if err := s.fabric.DestroyBridge(n.ID, bridgeKind(n.Type)); err != nil {
				errs = append(errs, err)
			}
		case n.Type == NodeRJ45:
			if err := s.fabric.DetachRJ45(n.HostDev); err != nil {
				errs = append(errs, err)
			}
		case n.Type == NodeTunnel:
			if err := s.fabric.DestroyGreTunnel(n.GreKey); err != nil {
				errs = append(errs, err)
			}
		}
		n.started = false
	}
	for key := range ptp {
		if err := s.fabric.DestroyBridge(key, fabric.BridgeSwitch); err != nil {
			errs = append(errs, err)
		}
	}
	for idx := 0; idx < fabric.MaxControlNets; idx++ {
		if s.optString(ctrlOptName(idx)) != "" {
			if err := s.fabric.DestroyControlNet(idx); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, err := range errs {
		util.WithSession(s.ID).Warnf("core: shutdown: %v", err)
	}
	return nil
}

func ctrlOptName(idx int) string {
	if idx == 0 {
		return "controlnet"
	}
	return fmt.Sprintf("controlnet%d", idx)
}

// NodeCommand runs a command inside a node. The timeout is capped at the
// configured ceiling; completion publishes an exec event.
func (s *Session) NodeCommand(ctx context.Context, nodeID int, argv []string, wait bool, timeout time.Duration) (*nsdrv.ExecResult, error) {
	if timeout <= 0 || timeout > s.cfg.ExecTimeoutCeiling {
		timeout = s.cfg.ExecTimeoutCeiling
	}
	res, err := s.drv.Exec(ctx, nodeID, argv, nsdrv.ExecOpts{
		Shell:   true,
		Wait:    wait,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	s.publish(events.TopicExec, events.ExecEvent{
		NodeID: nodeID, Cmd: fmt.Sprintf("%v", argv), RC: res.RC,
	})
	return res, nil
}

// OpenNodeTerminal opens an interactive shell in a node and records the
// pty mapping in the session's nodes file for external terminals.
func (s *Session) OpenNodeTerminal(nodeID int, shell string) (*nsdrv.Terminal, error) {
	term, err := s.drv.OpenTerminal(nodeID, shell)
	if err != nil {
		return nil, err
	}
	s.appendNodesFile(nodeID, term.Name)
	return term, nil
}

// appendNodesFile records node id to pty name mappings.
func (s *Session) appendNodesFile(nodeID int, pty string) {
	path := filepath.Join(s.Dir, "nodes")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		util.WithSession(s.ID).Warnf("core: nodes file: %v", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%d %s\n", nodeID, pty)
}

// teardownNode releases one node's kernel state during a runtime delete.
func (s *Session) teardownNode(n *Node) {
	if n.Type.IsNetwork() {
		for _, ifc := range n.Ifaces() {
			if err := s.fabric.Detach(n.ID, ifc.ID); err != nil {
				s.Alert(events.AlertError, "detach", n.Name, n.ID, err.Error())
			}
		}
		if err := s.drv.Destroy(n.ID); err != nil {
			s.Alert(events.AlertError, "namespace", n.Name, n.ID, err.Error())
		}
	}
	if n.Type.IsLinkLayer() {
		if err := s.fabric.DestroyBridge(n.ID, bridgeKind(n.Type)); err != nil {
			s.Alert(events.AlertError, "bridge", n.Name, n.ID, err.Error())
		}
	}
	if n.Type == NodeRJ45 {
		if err := s.fabric.DetachRJ45(n.HostDev); err != nil {
			s.Alert(events.AlertError, "rj45", n.Name, n.ID, err.Error())
		}
	}
}
