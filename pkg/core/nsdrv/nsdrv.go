package nsdrv

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/corenet-emu/corenet/pkg/util"
)

// Driver owns the namespaces of one session's network nodes.
type Driver struct {
	SessionID int

	// SelfExe is the binary re-executed as the per-node command server;
	// defaults to the running executable.
	SelfExe string

	// OrphanMatch identifies leftover host devices belonging to a node so
	// a failed create can clear them and retry. Wired to the session
	// fabric's naming scheme.
	OrphanMatch func(nodeID int, devName string) bool

	mu    sync.Mutex
	nodes map[int]*NodeNS
}

// NodeNS is one node's namespace handle.
type NodeNS struct {
	NodeID int
	Name   string // named namespace, "cn<session>.<node>"
	Socket string // command server socket path
	Dir    string // node workspace directory

	cmd *exec.Cmd // command server process
}

// NewDriver creates the driver for a session.
func NewDriver(sessionID int) *Driver {
	return &Driver{
		SessionID: sessionID,
		nodes:     make(map[int]*NodeNS),
	}
}

// NamespaceName returns the named-namespace identifier for a node.
func (d *Driver) NamespaceName(nodeID int) string {
	return fmt.Sprintf("cn%d.%d", d.SessionID, nodeID)
}

// Get returns a node's namespace record.
func (d *Driver) Get(nodeID int) (*NodeNS, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[nodeID]
	return n, ok
}

// Create builds the node's named network namespace and starts its command
// server. On a kernel rejection it clears orphaned devices matching the
// node's naming scheme and retries once.
func (d *Driver) Create(nodeID int, dir string) (*NodeNS, error) {
	d.mu.Lock()
	if _, ok := d.nodes[nodeID]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("nsdrv: %w: node %d namespace", util.ErrDuplicateID, nodeID)
	}
	d.mu.Unlock()

	name := d.NamespaceName(nodeID)
	if err := createNamed(name); err != nil {
		d.clearOrphans(nodeID)
		netns.DeleteNamed(name)
		if err = createNamed(name); err != nil {
			return nil, util.NewNamespaceError("create", name, err)
		}
	}

	node := &NodeNS{
		NodeID: nodeID,
		Name:   name,
		Socket: filepath.Join(dir, "cmdsrv.sock"),
		Dir:    dir,
	}
	if err := d.startServer(node); err != nil {
		netns.DeleteNamed(name)
		return nil, err
	}

	d.mu.Lock()
	d.nodes[nodeID] = node
	d.mu.Unlock()

	util.WithNode(d.SessionID, nodeID).Debugf("nsdrv: namespace %s up", name)
	return node, nil
}

// createNamed makes a named network namespace without leaving the calling
// thread inside it.
func createNamed(name string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return err
	}
	defer orig.Close()

	handle, err := netns.NewNamed(name)
	if err != nil {
		return err
	}
	handle.Close()

	return netns.Set(orig)
}

// clearOrphans deletes leftover host devices matching the node's naming
// scheme from a previous unclean shutdown.
func (d *Driver) clearOrphans(nodeID int) {
	if d.OrphanMatch == nil {
		return
	}
	links, err := netlink.LinkList()
	if err != nil {
		return
	}
	for _, link := range links {
		if d.OrphanMatch(nodeID, link.Attrs().Name) {
			util.WithNode(d.SessionID, nodeID).Warnf("nsdrv: clearing orphan %s", link.Attrs().Name)
			_ = netlink.LinkDel(link)
		}
	}
}

// startServer launches the in-namespace command server process. The server
// runs inside the node's network namespace (and a private mount namespace)
// via ip netns exec, and listens on a socket in the node workspace.
func (d *Driver) startServer(node *NodeNS) error {
	exe := d.SelfExe
	if exe == "" {
		exe = "/proc/self/exe"
	}
	cmd := exec.Command("ip", "netns", "exec", node.Name,
		exe, "node-server", "--socket", node.Socket, "--mounts")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return util.NewNamespaceError("spawn-server", node.Name, err)
	}
	node.cmd = cmd
	go cmd.Wait() // reap

	// The socket appears once the server is listening.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(node.Socket); err == nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	d.stopServer(node)
	return util.NewNamespaceError("spawn-server", node.Name,
		fmt.Errorf("command server did not come up"))
}

func (d *Driver) stopServer(node *NodeNS) {
	if node.cmd != nil && node.cmd.Process != nil {
		syscall.Kill(-node.cmd.Process.Pid, syscall.SIGTERM)
	}
	os.Remove(node.Socket)
}

// Destroy tears down a node's namespace and command server. Processes
// still running inside the namespace die with it. Idempotent.
func (d *Driver) Destroy(nodeID int) error {
	d.mu.Lock()
	node, ok := d.nodes[nodeID]
	delete(d.nodes, nodeID)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	d.stopServer(node)
	if err := netns.DeleteNamed(node.Name); err != nil && !os.IsNotExist(err) {
		return util.NewNamespaceError("destroy", node.Name, err)
	}
	util.WithNode(d.SessionID, nodeID).Debugf("nsdrv: namespace %s destroyed", node.Name)
	return nil
}

// DestroyAll reaps every namespace the driver created.
func (d *Driver) DestroyAll() {
	d.mu.Lock()
	ids := make([]int, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		if err := d.Destroy(id); err != nil {
			util.WithNode(d.SessionID, id).Warnf("nsdrv: destroy: %v", err)
		}
	}
}
