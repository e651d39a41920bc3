package fabric

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/corenet-emu/corenet/pkg/util"
)

// runEbtables is replaced in tests.
var runEbtables = func(args ...string) error {
	out, err := exec.Command("ebtables", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ebtables %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return nil
}

// setupWlanFilter installs the per-bridge filter chain the range model
// drives: the chain's default policy drops, so only explicitly enabled
// pairs forward frames.
func (f *Fabric) setupWlanFilter(bridge string) error {
	cmds := [][]string{
		{"-N", bridge, "-P", "DROP"},
		{"-A", "FORWARD", "--logical-in", bridge, "-j", bridge},
	}
	for _, args := range cmds {
		if err := runEbtables(args...); err != nil {
			f.teardownWlanFilter(bridge)
			return util.NewFabricError("ebtables", bridge, err)
		}
	}
	return nil
}

// teardownWlanFilter removes the bridge's filter chain. Best effort: any
// of these can fail if setup never completed.
func (f *Fabric) teardownWlanFilter(bridge string) {
	_ = runEbtables("-D", "FORWARD", "--logical-in", bridge, "-j", bridge)
	_ = runEbtables("-F", bridge)
	_ = runEbtables("-X", bridge)
}

// EnableWlanPair lets frames flow between two bridge ports in both
// directions.
func (f *Fabric) EnableWlanPair(bridge, devA, devB string) error {
	cmds := [][]string{
		{"-A", bridge, "-i", devA, "-o", devB, "-j", "ACCEPT"},
		{"-A", bridge, "-i", devB, "-o", devA, "-j", "ACCEPT"},
	}
	for _, args := range cmds {
		if err := runEbtables(args...); err != nil {
			return util.NewFabricError("ebtables-accept", bridge, err)
		}
	}
	return nil
}

// DisableWlanPair removes the pair's forwarding entries. Idempotent: a
// missing rule is not an error.
func (f *Fabric) DisableWlanPair(bridge, devA, devB string) {
	_ = runEbtables("-D", bridge, "-i", devA, "-o", devB, "-j", "ACCEPT")
	_ = runEbtables("-D", bridge, "-i", devB, "-o", devA, "-j", "ACCEPT")
}
