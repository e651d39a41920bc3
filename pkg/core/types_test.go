package core

import "testing"

func TestWireNumbering(t *testing.T) {
	states := map[SessionState]int{
		StateNone: 0, StateDefinition: 1, StateConfiguration: 2,
		StateInstantiation: 3, StateRuntime: 4, StateDataCollect: 5, StateShutdown: 6,
	}
	for s, n := range states {
		if int(s) != n {
			t.Errorf("state %s = %d, want %d", s, int(s), n)
		}
	}

	types := map[NodeType]int{
		NodeDefault: 0, NodePhysical: 1, NodeSwitch: 4, NodeHub: 5,
		NodeWLAN: 6, NodeRJ45: 7, NodeTunnel: 8, NodeEmane: 10,
		NodeTapBridge: 11, NodeContainer: 15, NodeWireless: 17, NodePodman: 18,
	}
	for typ, n := range types {
		if int(typ) != n {
			t.Errorf("node type %s = %d, want %d", typ, int(typ), n)
		}
	}

	if int(LinkWireless) != 0 || int(LinkWired) != 1 {
		t.Errorf("link type numbering broken")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionState
		want     bool
	}{
		{StateDefinition, StateConfiguration, true},
		{StateConfiguration, StateInstantiation, true},
		{StateInstantiation, StateRuntime, true},
		{StateRuntime, StateDataCollect, true},
		{StateDataCollect, StateShutdown, true},
		{StateDefinition, StateShutdown, true},      // any -> shutdown
		{StateRuntime, StateShutdown, true},         // any -> shutdown
		{StateShutdown, StateDefinition, true},      // reset
		{StateRuntime, StateInstantiation, false},   // backward
		{StateDefinition, StateInstantiation, false}, // skip
		{StateConfiguration, StateDefinition, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseRoundTrips(t *testing.T) {
	for s, name := range stateNames {
		got, err := ParseState(name)
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = %v, %v", name, got, err)
		}
	}
	for typ, name := range nodeTypeNames {
		got, err := ParseNodeType(name)
		if err != nil || got != typ {
			t.Errorf("ParseNodeType(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseNodeType("warpgate"); err == nil {
		t.Errorf("unknown node type accepted")
	}
	if _, err := ParseState("limbo"); err == nil {
		t.Errorf("unknown state accepted")
	}
}

func TestTypeClasses(t *testing.T) {
	if !NodeDefault.IsNetwork() || !NodeContainer.IsNetwork() {
		t.Errorf("namespace-owning types misclassified")
	}
	if NodeSwitch.IsNetwork() || NodeWLAN.IsNetwork() {
		t.Errorf("link-layer types claim namespaces")
	}
	if !NodeSwitch.IsLinkLayer() || !NodeHub.IsLinkLayer() || !NodeWLAN.IsLinkLayer() {
		t.Errorf("link-layer types misclassified")
	}
	if NodeRJ45.IsLinkLayer() || NodeRJ45.IsNetwork() {
		t.Errorf("rj45 should be neither namespace nor bridge owner")
	}
}
