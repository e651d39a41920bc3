package fabric

import (
	"errors"
	"testing"

	"github.com/corenet-emu/corenet/pkg/util"
)

func TestDeterministicNames(t *testing.T) {
	f := New(7)
	g := New(7)
	if f.BridgeName(3) != g.BridgeName(3) {
		t.Errorf("same session produced different names")
	}
	other := New(8)
	if f.BridgeName(3) == other.BridgeName(3) {
		t.Errorf("different sessions share bridge name %s", f.BridgeName(3))
	}
}

func TestNameLengths(t *testing.T) {
	f := New(4242)
	names := []string{
		f.BridgeName(999),
		f.VethName(99, 9),
		f.TapName(99, 9),
		f.GretapName(4095),
		f.CtrlName(3),
		f.peerName(99, 9),
	}
	for _, name := range names {
		if err := util.CheckDeviceName(name); err != nil {
			t.Errorf("name %q invalid: %v", name, err)
		}
	}
}

func TestManaged(t *testing.T) {
	f := New(1)
	if !f.Managed(f.BridgeName(2)) || !f.Managed(f.VethName(1, 0)) {
		t.Errorf("own devices not recognized")
	}
	if f.Managed("eth0") || f.Managed("docker0") {
		t.Errorf("host devices claimed as managed")
	}
	// Another session's devices are not ours.
	other := New(2)
	if f.Managed(other.BridgeName(2)) {
		t.Errorf("foreign session device claimed as managed")
	}
}

func TestHostInterfaceClaims(t *testing.T) {
	t.Cleanup(func() {
		ReleaseHostInterface("em0", 1)
		ReleaseHostInterface("em0", 2)
	})

	if err := ClaimHostInterface("em0", 1); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// Same session may re-claim.
	if err := ClaimHostInterface("em0", 1); err != nil {
		t.Errorf("re-claim by owner: %v", err)
	}
	// A second session is refused with a FabricError.
	err := ClaimHostInterface("em0", 2)
	if !errors.Is(err, util.ErrFabric) {
		t.Errorf("second claim = %v, want ErrFabric", err)
	}

	// Release by non-owner is a no-op.
	ReleaseHostInterface("em0", 2)
	if err := ClaimHostInterface("em0", 1); err != nil {
		t.Errorf("owner lost claim after foreign release: %v", err)
	}

	ReleaseHostInterface("em0", 1)
	if err := ClaimHostInterface("em0", 2); err != nil {
		t.Errorf("claim after release: %v", err)
	}
}

func TestClampEffects(t *testing.T) {
	e := LinkEffects{
		Bandwidth: 5_000_000_000,
		Delay:     400_000_000,
		Jitter:    300_000_000,
		Loss:      150,
		Duplicate: 80,
	}.Clamp()

	if e.Bandwidth != MaxBandwidth {
		t.Errorf("Bandwidth = %d", e.Bandwidth)
	}
	if e.Delay != MaxDelayUS || e.Jitter != MaxDelayUS {
		t.Errorf("Delay/Jitter = %d/%d", e.Delay, e.Jitter)
	}
	if e.Loss != 100 || e.Duplicate != 50 {
		t.Errorf("Loss/Duplicate = %g/%g", e.Loss, e.Duplicate)
	}

	neg := LinkEffects{Loss: -3, Duplicate: -1}.Clamp()
	if neg.Loss != 0 || neg.Duplicate != 0 {
		t.Errorf("negative values not clamped: %+v", neg)
	}
}

func TestLossFromBER(t *testing.T) {
	if got := LossFromBER(0); got != 0 {
		t.Errorf("BER 0 = %g, want 0 (no loss)", got)
	}
	if got := LossFromBER(100); got != 1.0 {
		t.Errorf("BER 1-in-100 = %g, want 1.0", got)
	}
	if got := LossFromBER(2); got != 50.0 {
		t.Errorf("BER 1-in-2 = %g, want 50.0", got)
	}
}

func TestPlanChange(t *testing.T) {
	shaped := LinkEffects{Bandwidth: 1_000_000, Delay: 50_000}
	delayOnly := shaped
	delayOnly.Delay = 60_000
	rated := shaped
	rated.Bandwidth = 2_000_000
	unrated := LinkEffects{Delay: 50_000}

	tests := []struct {
		name string
		cur  *LinkEffects
		want LinkEffects
		plan shapePlan
	}{
		{"fresh install", nil, shaped, planInstall},
		{"fresh no-op", nil, LinkEffects{}, planNone},
		{"unchanged", &shaped, shaped, planNone},
		{"delay only", &shaped, delayOnly, planNetem},
		{"rate change", &shaped, rated, planClass},
		{"drop htb", &shaped, unrated, planRebuild},
		{"add htb", &unrated, shaped, planRebuild},
		{"clear", &shaped, LinkEffects{}, planRemove},
	}

	for _, tt := range tests {
		if got := planChange(tt.cur, tt.want); got != tt.plan {
			t.Errorf("%s: plan = %d, want %d", tt.name, got, tt.plan)
		}
	}
}

func TestWlanPairCommands(t *testing.T) {
	var calls [][]string
	orig := runEbtables
	runEbtables = func(args ...string) error {
		calls = append(calls, args)
		return nil
	}
	t.Cleanup(func() { runEbtables = orig })

	f := New(1)
	bridge := f.BridgeName(5)
	if err := f.EnableWlanPair(bridge, "veth1.0.x", "veth2.0.x"); err != nil {
		t.Fatal(err)
	}
	f.DisableWlanPair(bridge, "veth1.0.x", "veth2.0.x")

	if len(calls) != 4 {
		t.Fatalf("calls = %d, want 4 (two adds, two deletes)", len(calls))
	}
	if calls[0][0] != "-A" || calls[2][0] != "-D" {
		t.Errorf("unexpected verbs: %v / %v", calls[0], calls[2])
	}
}

func TestFirstHost(t *testing.T) {
	got, err := firstHost("172.16.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if got != "172.16.0.1/24" {
		t.Errorf("firstHost = %q", got)
	}
	if _, err := firstHost("bogus"); err == nil {
		t.Errorf("bogus subnet accepted")
	}
	if _, err := firstHost("2001::/64"); err == nil {
		t.Errorf("IPv6 control subnet accepted")
	}
}
