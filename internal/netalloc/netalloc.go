// Package netalloc manages TAP devices, /30 subnets, and the NAT/forwarding
// rules that give each Firecracker guest outbound network access.
package netalloc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"

	"github.com/nightshiftvm/nightshift/internal/metrics"
	"github.com/nightshiftvm/nightshift/internal/nightshift"
)

// ruleComment tags every iptables rule this system installs, so
// CleanupStale never removes a rule it did not itself create.
const ruleComment = "nightshift-net"

// Allocator hands out NetworkLeases backed by 172.16.i.0/30 subnets, one
// per live VM. The index space is reused as leases are released.
type Allocator struct {
	mu   sync.Mutex
	used map[int]bool
}

// New returns an empty Allocator.
func New() *Allocator {
	return &Allocator{used: make(map[int]bool)}
}

// Allocate creates a TAP device, assigns it the smallest unused /30 block,
// and installs the NAT/forwarding rules for it. On any step's failure the
// partially-constructed state is torn down and the index is freed.
func (a *Allocator) Allocate() (*nightshift.NetworkLease, error) {
	idx := a.reserveIndex()

	tapName, err := randomTapName()
	if err != nil {
		a.freeIndex(idx)
		return nil, fmt.Errorf("generate tap name: %w", err)
	}

	lease := &nightshift.NetworkLease{
		TapName: tapName,
		HostIP:  fmt.Sprintf("172.16.%d.1", idx),
		GuestIP: fmt.Sprintf("172.16.%d.2", idx),
		Mask:    "255.255.255.252",
		Index:   idx,
	}

	if err := a.bringUp(lease); err != nil {
		a.teardownBestEffort(lease)
		a.freeIndex(idx)
		return nil, err
	}
	return lease, nil
}

func (a *Allocator) reserveIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := 1
	for a.used[idx] {
		idx++
	}
	a.used[idx] = true
	metrics.NetworkLeasesActive.WithLabelValues().Set(float64(len(a.used)))
	return idx
}

func (a *Allocator) freeIndex(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, idx)
	metrics.NetworkLeasesActive.WithLabelValues().Set(float64(len(a.used)))
}

func randomTapName() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "tap-" + hex.EncodeToString(buf), nil
}

func (a *Allocator) bringUp(lease *nightshift.NetworkLease) error {
	if err := run("ip", "tuntap", "add", "dev", lease.TapName, "mode", "tap"); err != nil {
		return fmt.Errorf("create tap %s: %w", lease.TapName, err)
	}
	addr := fmt.Sprintf("%s/30", lease.HostIP)
	if err := run("ip", "addr", "add", addr, "dev", lease.TapName); err != nil {
		return fmt.Errorf("assign ip to %s: %w", lease.TapName, err)
	}
	if err := run("ip", "link", "set", lease.TapName, "up"); err != nil {
		return fmt.Errorf("bring up %s: %w", lease.TapName, err)
	}
	if err := run("sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	if err := run("iptables", "-t", "nat", "-A", "POSTROUTING",
		"-s", lease.GuestIP+"/32", "-m", "comment", "--comment", ruleComment,
		"-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("add masquerade for %s: %w", lease.GuestIP, err)
	}
	if err := run("iptables", "-A", "FORWARD",
		"-i", lease.TapName, "-m", "comment", "--comment", ruleComment,
		"-j", "ACCEPT"); err != nil {
		return fmt.Errorf("add forward accept for %s: %w", lease.TapName, err)
	}
	if err := run("iptables", "-A", "FORWARD",
		"-o", lease.TapName, "-m", "state", "--state", "RELATED,ESTABLISHED",
		"-m", "comment", "--comment", ruleComment, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("add forward return-path accept for %s: %w", lease.TapName, err)
	}
	return nil
}

// Release tears down a lease's rules and device and frees its index.
// Idempotent: missing rules/devices are treated as already-released.
// Teardown command failures are logged and never returned, so this always
// frees the index even when individual commands fail.
func (a *Allocator) Release(lease *nightshift.NetworkLease) {
	a.teardownBestEffort(lease)
	a.freeIndex(lease.Index)
}

func (a *Allocator) teardownBestEffort(lease *nightshift.NetworkLease) {
	logErr := func(err error) {
		if err != nil {
			log.Printf("netalloc: teardown of %s: %v", lease.TapName, err)
		}
	}
	logErr(run("iptables", "-D", "FORWARD", "-o", lease.TapName,
		"-m", "state", "--state", "RELATED,ESTABLISHED",
		"-m", "comment", "--comment", ruleComment, "-j", "ACCEPT"))
	logErr(run("iptables", "-D", "FORWARD", "-i", lease.TapName,
		"-m", "comment", "--comment", ruleComment, "-j", "ACCEPT"))
	logErr(run("iptables", "-t", "nat", "-D", "POSTROUTING",
		"-s", lease.GuestIP+"/32", "-m", "comment", "--comment", ruleComment,
		"-j", "MASQUERADE"))
	logErr(run("ip", "link", "del", lease.TapName))
}

// CleanupStale removes leftover TAP devices and rules from a previous
// process. It must run before the first Allocate to prevent index/subnet
// collisions after an unclean restart.
func CleanupStale() error {
	out, err := exec.Command("ip", "-o", "link", "show", "type", "tun").CombinedOutput()
	if err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			parts := strings.SplitN(line, ":", 3)
			if len(parts) < 2 {
				continue
			}
			name := strings.TrimSpace(parts[1])
			if strings.HasPrefix(name, "tap-") {
				_ = run("ip", "link", "del", name)
			}
		}
	}

	if out, err := exec.Command("iptables", "-t", "nat", "-S", "POSTROUTING").CombinedOutput(); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			if strings.Contains(line, ruleComment) {
				del := strings.Replace(line, "-A ", "-D ", 1)
				_ = run("iptables", append([]string{"-t", "nat"}, strings.Fields(del)...)...)
			}
		}
	}

	if out, err := exec.Command("iptables", "-S", "FORWARD").CombinedOutput(); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			if strings.Contains(line, ruleComment) {
				del := strings.Replace(line, "-A ", "-D ", 1)
				_ = run("iptables", strings.Fields(del)...)
			}
		}
	}
	return nil
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ParseBootArg renders the Firecracker kernel `ip=` argument for a lease,
// in the form consumed by internal/vm's boot-source PUT.
func ParseBootArg(lease *nightshift.NetworkLease) string {
	return fmt.Sprintf("ip=%s::%s:%s::eth0:off", lease.GuestIP, lease.HostIP, lease.Mask)
}
