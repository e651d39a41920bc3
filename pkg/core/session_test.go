package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/corenet-emu/corenet/pkg/config"
	"github.com/corenet-emu/corenet/pkg/core/conf"
	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/core/geo"
	"github.com/corenet-emu/corenet/pkg/core/services"
	"github.com/corenet-emu/corenet/pkg/util"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Paths.StateDir = t.TempDir()
	return NewRegistry(cfg, events.NewBus(), nil)
}

func testSession(t *testing.T) *Session {
	t.Helper()
	s, err := testRegistry(t).NewSession("tester")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAddNodeDefaults(t *testing.T) {
	s := testSession(t)
	n, err := s.AddNode(NodeOpts{Type: NodeDefault, Model: "router", X: 100, Y: 200})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if n.ID != 1 || n.Name != "n1" {
		t.Errorf("node = id %d name %q, want 1/n1", n.ID, n.Name)
	}
	if n.Dir != filepath.Join(s.Dir, "n1.conf") {
		t.Errorf("node dir = %q", n.Dir)
	}

	n2, _ := s.AddNode(NodeOpts{Type: NodeSwitch})
	if n2.ID != 2 {
		t.Errorf("second node id = %d", n2.ID)
	}
}

func TestAddNodeValidation(t *testing.T) {
	s := testSession(t)
	if _, err := s.AddNode(NodeOpts{Type: NodeType(99)}); !errors.Is(err, util.ErrUnsupportedNodeType) {
		t.Errorf("bogus type = %v", err)
	}
	if _, err := s.AddNode(NodeOpts{Type: NodeRJ45}); err == nil {
		t.Errorf("rj45 without host interface accepted")
	}

	if _, err := s.AddNode(NodeOpts{ID: 7, Type: NodeDefault}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddNode(NodeOpts{ID: 7, Type: NodeDefault}); !errors.Is(err, util.ErrDuplicateID) {
		t.Errorf("duplicate id = %v", err)
	}
}

func TestDeleteNodeFreesID(t *testing.T) {
	s := testSession(t)
	n, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	if err := s.DeleteNode(n.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Node(n.ID); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("deleted node still present")
	}
	again, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	if again.ID != n.ID {
		t.Errorf("freed id not reused: got %d, want %d", again.ID, n.ID)
	}
}

func TestAddLinkCreatesInterfaces(t *testing.T) {
	s := testSession(t)
	n1, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	n2, _ := s.AddNode(NodeOpts{Type: NodeDefault})

	link, created, err := s.AddLink(LinkSpec{
		Node1: n1.ID, Iface1: -1, Node2: n2.ID, Iface2: -1, Type: LinkWired,
	})
	if err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d interfaces, want 2", len(created))
	}
	if created[0].Name != "eth0" || created[1].Name != "eth0" {
		t.Errorf("interface names = %q/%q", created[0].Name, created[1].Name)
	}
	if created[0].MAC.String() == created[1].MAC.String() {
		t.Errorf("interfaces share MAC %s", created[0].MAC)
	}
	if link.Iface1 != 0 || link.Iface2 != 0 {
		t.Errorf("link ifaces = %d/%d", link.Iface1, link.Iface2)
	}

	// The adjacency index is current.
	if nb := s.Neighbors(n1.ID); len(nb) != 1 || nb[0] != n2.ID {
		t.Errorf("neighbors = %v", nb)
	}
}

func TestAddLinkCloudAttachment(t *testing.T) {
	s := testSession(t)
	w, _ := s.AddNode(NodeOpts{Type: NodeWLAN})
	n, _ := s.AddNode(NodeOpts{Type: NodeDefault})

	link, created, err := s.AddLink(LinkSpec{
		Node1: n.ID, Iface1: -1, Node2: w.ID, Iface2: -1, Type: LinkWireless,
	})
	if err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d interfaces, want 1 (cloud side has none)", len(created))
	}
	if created[0].NetID != w.ID {
		t.Errorf("interface NetID = %d, want cloud %d", created[0].NetID, w.ID)
	}
	if link.Iface2 != -1 {
		t.Errorf("cloud-side iface = %d, want -1", link.Iface2)
	}
}

func TestAddLinkValidation(t *testing.T) {
	s := testSession(t)
	n1, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	w1, _ := s.AddNode(NodeOpts{Type: NodeWLAN})
	w2, _ := s.AddNode(NodeOpts{Type: NodeSwitch})

	if _, _, err := s.AddLink(LinkSpec{Node1: n1.ID, Node2: n1.ID}); err == nil {
		t.Errorf("self link accepted")
	}
	if _, _, err := s.AddLink(LinkSpec{Node1: w1.ID, Node2: w2.ID}); err == nil {
		t.Errorf("bridge-to-bridge link accepted")
	}
	if _, _, err := s.AddLink(LinkSpec{Node1: n1.ID, Node2: 99}); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("unknown endpoint = %v", err)
	}

	// At most one wired link between the same interface pair.
	n2, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	if _, _, err := s.AddLink(LinkSpec{Node1: n1.ID, Iface1: 0, Node2: n2.ID, Iface2: 0, Type: LinkWired}); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.AddLink(LinkSpec{Node1: n1.ID, Iface1: 0, Node2: n2.ID, Iface2: 0, Type: LinkWired})
	if !errors.Is(err, util.ErrDuplicateID) {
		t.Errorf("duplicate wired link = %v", err)
	}
}

func TestDeleteNodeRemovesLinks(t *testing.T) {
	s := testSession(t)
	n1, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	n2, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	if _, _, err := s.AddLink(LinkSpec{Node1: n1.ID, Iface1: -1, Node2: n2.ID, Iface2: -1, Type: LinkWired}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteNode(n1.ID); err != nil {
		t.Fatal(err)
	}
	if links := s.Links(); len(links) != 0 {
		t.Errorf("links after node delete = %d", len(links))
	}
	if nb := s.Neighbors(n2.ID); len(nb) != 0 {
		t.Errorf("stale neighbors = %v", nb)
	}
}

func TestConfigureAssignsAddresses(t *testing.T) {
	s := testSession(t)
	n1, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	n2, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	if _, _, err := s.AddLink(LinkSpec{Node1: n1.ID, Iface1: -1, Node2: n2.ID, Iface2: -1, Type: LinkWired}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetState(StateConfiguration); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if s.State() != StateConfiguration {
		t.Fatalf("state = %s", s.State())
	}

	ifc1, _ := n1.Iface(0)
	ifc2, _ := n2.Iface(0)
	if len(ifc1.IPv4) != 1 || ifc1.IPv4[0] != "10.0.0.1/24" {
		t.Errorf("n1 addr = %v", ifc1.IPv4)
	}
	if len(ifc2.IPv4) != 1 || ifc2.IPv4[0] != "10.0.0.2/24" {
		t.Errorf("n2 addr = %v", ifc2.IPv4)
	}
	if len(ifc1.IPv6) != 1 || !strings.HasSuffix(ifc1.IPv6[0], "/64") {
		t.Errorf("n1 v6 addr = %v", ifc1.IPv6)
	}
}

func TestConfigureSeparateSubnetsPerNetwork(t *testing.T) {
	s := testSession(t)
	a, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	b, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	c, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	if _, _, err := s.AddLink(LinkSpec{Node1: a.ID, Iface1: -1, Node2: b.ID, Iface2: -1, Type: LinkWired}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.AddLink(LinkSpec{Node1: b.ID, Iface1: -1, Node2: c.ID, Iface2: -1, Type: LinkWired}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState(StateConfiguration); err != nil {
		t.Fatal(err)
	}

	ifcA, _ := a.Iface(0)
	ifcC, _ := c.Iface(0)
	if util.ComputeNetworkAddr(strings.Split(ifcA.IPv4[0], "/")[0], 24) ==
		util.ComputeNetworkAddr(strings.Split(ifcC.IPv4[0], "/")[0], 24) {
		t.Errorf("distinct links share subnet: %v vs %v", ifcA.IPv4, ifcC.IPv4)
	}
}

func TestInvalidTransition(t *testing.T) {
	s := testSession(t)
	err := s.SetState(StateRuntime)
	if !errors.Is(err, util.ErrInvalidTransition) {
		t.Errorf("definition -> runtime = %v, want ErrInvalidTransition", err)
	}
	var terr *util.TransitionError
	if !errors.As(err, &terr) || terr.From != "definition" || terr.To != "runtime" {
		t.Errorf("transition error details = %+v", terr)
	}
}

func TestResetFromShutdown(t *testing.T) {
	s := testSession(t)
	n, _ := s.AddNode(NodeOpts{Type: NodeDefault})
	if err := s.SetState(StateShutdown); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState(StateDefinition); err != nil {
		t.Fatalf("reset: %v", err)
	}
	// The user-authored model survives reset.
	if _, err := s.Node(n.ID); err != nil {
		t.Errorf("node lost across reset: %v", err)
	}
}

func TestStateEventsAndHooks(t *testing.T) {
	s := testSession(t)
	sub := s.Bus.Subscribe(events.Filter{Topics: []events.Topic{events.TopicSession}}, 0)
	defer s.Bus.Unsubscribe(sub)

	marker := filepath.Join(s.Dir, "hook-ran")
	s.AddHook(StateConfiguration, "10-touch.sh",
		"#!/bin/sh\necho \"$SESSION $SESSION_USER\" > "+marker+"\n")

	if err := s.SetState(StateConfiguration); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.C():
		se := ev.Data.(events.SessionEvent)
		if se.State != "configuration" {
			t.Errorf("session event state = %q", se.State)
		}
	case <-time.After(time.Second):
		t.Fatalf("no session event")
	}

	body, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("hook did not run: %v", err)
	}
	if !strings.HasPrefix(string(body), "1 tester") {
		t.Errorf("hook env = %q", body)
	}
}

func TestFailingHookDoesNotBlockTransition(t *testing.T) {
	s := testSession(t)
	s.AddHook(StateConfiguration, "boom.sh", "#!/bin/sh\nexit 3\n")
	if err := s.SetState(StateConfiguration); err != nil {
		t.Fatalf("SetState with failing hook: %v", err)
	}
	if s.State() != StateConfiguration {
		t.Errorf("state = %s", s.State())
	}
}

func TestServiceCycleFailsConfiguration(t *testing.T) {
	s := testSession(t)
	reg := s.Services()
	reg.Register(&services.Service{Name: "A", Deps: []string{"B"}})
	reg.Register(&services.Service{Name: "B", Deps: []string{"A"}})
	if _, err := s.AddNode(NodeOpts{Type: NodeDefault, Services: []string{"A", "B"}}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetState(StateConfiguration); err != nil {
		t.Fatal(err)
	}
	// Entry work failed: SetState completes the fall to shutdown before
	// returning, so the very next read observes it.
	if s.State() != StateShutdown {
		t.Errorf("state = %s, want shutdown after cycle", s.State())
	}
}

func TestStartStopsAtFailedConfiguration(t *testing.T) {
	s := testSession(t)
	reg := s.Services()
	reg.Register(&services.Service{Name: "A", Deps: []string{"B"}})
	reg.Register(&services.Service{Name: "B", Deps: []string{"A"}})
	if _, err := s.AddNode(NodeOpts{Type: NodeDefault, Services: []string{"A", "B"}}); err != nil {
		t.Fatal(err)
	}

	err := s.Start()
	if err == nil {
		t.Fatalf("Start should report the failed walk")
	}
	if s.State() != StateShutdown {
		t.Errorf("state = %s, want shutdown", s.State())
	}
}

func TestAlertRateLimit(t *testing.T) {
	s := testSession(t)
	sub := s.Bus.Subscribe(events.Filter{Topics: []events.Topic{events.TopicAlert}}, 0)
	defer s.Bus.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		s.Alert(events.AlertError, "flappy", "dev0", 0, "same thing")
	}

	got := 0
	timeout := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case <-sub.C():
			got++
		case <-timeout:
			break loop
		}
	}
	if got != 1 {
		t.Errorf("received %d alerts, want 1 (rate limited)", got)
	}
}

func TestFatalAlertWritesSessionLog(t *testing.T) {
	s := testSession(t)
	s.Alert(events.AlertFatal, "fabric", "b.1.x", 0, "bridge exploded")
	body, err := os.ReadFile(filepath.Join(s.Dir, "session.log"))
	if err != nil {
		t.Fatalf("session log missing: %v", err)
	}
	if !strings.Contains(string(body), "bridge exploded") {
		t.Errorf("session log = %q", body)
	}
}

func TestSetPositionPublishesGeo(t *testing.T) {
	s := testSession(t)
	if err := s.SetCanvasRef(0, 0, geo.Point{Lat: 47.5, Lon: -122.1, Alt: 2}, 150); err != nil {
		t.Fatal(err)
	}
	n, _ := s.AddNode(NodeOpts{Type: NodeDefault})

	sub := s.Bus.Subscribe(events.Filter{Topics: []events.Topic{events.TopicPosition}}, 0)
	defer s.Bus.Unsubscribe(sub)

	if err := s.SetPosition(n.ID, 100, 100, 0); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.C():
		pe := ev.Data.(events.PositionEvent)
		if !pe.Geo || pe.Lat == 0 || pe.Lon == 0 {
			t.Errorf("position event lacks geo: %+v", pe)
		}
		if pe.X != 100 || pe.Y != 100 {
			t.Errorf("position event = %+v", pe)
		}
	case <-time.After(time.Second):
		t.Fatalf("no position event")
	}
}

func TestSessionConfigStore(t *testing.T) {
	s := testSession(t)
	key := conf.Key{Scope: conf.ScopeNode, Node: 3, Subject: "wlan", Name: "range"}
	if err := s.Conf.Set(key, conf.Float(150)); err != nil {
		t.Fatal(err)
	}
	// Out-of-range values are refused by the schema.
	if err := s.Conf.Set(key, conf.Float(-10)); err == nil {
		t.Errorf("negative range accepted")
	}
}
