// Package vm drives exactly one Firecracker microVM through its entire
// lifecycle: overlay build, network lease, process spawn, boot-time
// configuration, health polling, run submission, event streaming, and
// teardown.
package vm

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nightshiftvm/nightshift/internal/netalloc"
	"github.com/nightshiftvm/nightshift/internal/nightshift"
	"github.com/nightshiftvm/nightshift/internal/overlay"
)

const (
	apiSocketWait   = 5 * time.Second
	healthPollEvery = 500 * time.Millisecond
	healthProbe     = 2 * time.Second
	drainWait       = 10 * time.Second
)

// Config configures the pieces of the host environment a FirecrackerHandle
// needs in order to boot a VM.
type Config struct {
	FirecrackerBin string
	KernelPath     string
	BaseImage      string
	ImagesDir      string
	ScratchRoot    string
}

// FirecrackerHandle is the real implementation of nightshift.Handle,
// backed by a spawned Firecracker child process.
type FirecrackerHandle struct {
	id     string
	cfg    Config
	allocs *netalloc.Allocator

	mu          sync.Mutex
	state       nightshift.VmState
	cmd         *exec.Cmd
	apiSockPath string
	scratchDir  string
	overlayPath string
	lease       *nightshift.NetworkLease
	guest       *guestClient
	eventPort   int

	workspaceWritebackTarget string
}

// New constructs a handle in the Creating state. It does not boot the VM;
// call Start for that.
func New(vmID string, cfg Config, allocs *netalloc.Allocator) *FirecrackerHandle {
	return &FirecrackerHandle{
		id:     vmID,
		cfg:    cfg,
		allocs: allocs,
		state:  nightshift.StateCreating,
	}
}

func (h *FirecrackerHandle) ID() string { return h.id }

func (h *FirecrackerHandle) State() nightshift.VmState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *FirecrackerHandle) setState(s nightshift.VmState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Start runs the full startup sequence (spec.md §4.3): scratch dir and
// socket path, overlay build, network lease, process spawn, socket wait,
// configuration PUTs, InstanceStart, and health polling. On any failure,
// every resource acquired so far is released before returning. bootTimeoutS,
// when positive, overrides the default apiSocketWait for the API-socket
// appearance wait (AgentDescriptor.BootTimeoutS).
func (h *FirecrackerHandle) Start(ctx context.Context, workspaceDir, packageDir string, envMap map[string]string, vcpus, memMiB, eventPort int, healthTimeoutS int, bootTimeoutS int) (err error) {
	h.scratchDir = filepath.Join(h.cfg.ScratchRoot, h.id)
	if err := os.MkdirAll(h.scratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	h.apiSockPath = filepath.Join(h.scratchDir, "firecracker.sock")
	h.eventPort = eventPort

	var lease *nightshift.NetworkLease
	var overlayPath string

	cleanup := func() {
		if lease != nil {
			h.allocs.Release(lease)
		}
		if overlayPath != "" {
			_ = overlay.Destroy(overlayPath)
		}
		os.RemoveAll(h.scratchDir)
	}

	overlayPath, err = overlay.Build(h.scratchDir, h.cfg.BaseImage, h.id, workspaceDir, packageDir, envMap)
	if err != nil {
		cleanup()
		return fmt.Errorf("build overlay: %w", err)
	}
	h.overlayPath = overlayPath

	lease, err = h.allocs.Allocate()
	if err != nil {
		cleanup()
		return fmt.Errorf("allocate network lease: %w", err)
	}
	h.lease = lease

	logPath := filepath.Join(h.scratchDir, "firecracker.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		cleanup()
		return fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(h.cfg.FirecrackerBin, "--api-sock", h.apiSockPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		cleanup()
		return fmt.Errorf("spawn firecracker: %w", err)
	}
	h.cmd = cmd

	killAndCleanup := func(stepErr error) error {
		h.killProcessGroup()
		_ = cmd.Wait()
		cleanup()
		return stepErr
	}

	api := newFcAPIClient(h.apiSockPath)

	timeout := apiSocketWait
	if bootTimeoutS > 0 {
		timeout = time.Duration(bootTimeoutS) * time.Second
	}
	if healthTimeoutS <= 0 {
		healthTimeoutS = 60
	}

	if err := api.waitForSocket(timeout); err != nil {
		return killAndCleanup(fmt.Errorf("wait for API socket: %w", err))
	}

	h.setState(nightshift.StateBooting)

	mac := deterministicMAC(h.id)
	bootArgs := fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off %s", netalloc.ParseBootArg(lease))

	if err := api.putBootSource(h.cfg.KernelPath, bootArgs); err != nil {
		return killAndCleanup(fmt.Errorf("put boot source: %w", err))
	}
	if err := api.putRootDrive(overlayPath); err != nil {
		return killAndCleanup(fmt.Errorf("put root drive: %w", err))
	}
	if err := api.putNetworkInterface(lease.TapName, mac); err != nil {
		return killAndCleanup(fmt.Errorf("put network interface: %w", err))
	}
	if err := api.putMachineConfig(vcpus, memMiB); err != nil {
		return killAndCleanup(fmt.Errorf("put machine config: %w", err))
	}
	if err := api.startInstance(); err != nil {
		return killAndCleanup(fmt.Errorf("start instance: %w", err))
	}

	h.guest = newGuestClient(lease.GuestIP, eventPort)

	if !h.pollHealth(ctx, time.Duration(healthTimeoutS)*time.Second) {
		return killAndCleanup(fmt.Errorf("guest health check did not succeed within %ds", healthTimeoutS))
	}

	h.setState(nightshift.StateHealthy)
	return nil
}

func (h *FirecrackerHandle) pollHealth(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.guest.health(ctx, healthProbe) {
			return true
		}
		time.Sleep(healthPollEvery)
	}
	return false
}

// IsHealthy reports whether the guest's /health endpoint returns 200 within
// a 2s timeout. Used by the pool before handing out a warm VM.
func (h *FirecrackerHandle) IsHealthy(ctx context.Context) bool {
	if h.guest == nil {
		return false
	}
	return h.guest.health(ctx, healthProbe)
}

// SubmitRun posts a run to the guest. Only legal while Healthy.
func (h *FirecrackerHandle) SubmitRun(ctx context.Context, runID, prompt string, env map[string]string) error {
	if h.State() != nightshift.StateHealthy {
		return fmt.Errorf("vm %s not healthy, state=%s", h.id, h.State())
	}
	return h.guest.submitRun(ctx, runID, prompt, env)
}

// WaitForCompletion streams guest events until a terminal event or
// connection loss.
func (h *FirecrackerHandle) WaitForCompletion(ctx context.Context, runID string, publish nightshift.EventPublisher) error {
	return h.guest.waitForEvents(ctx, runID, publish)
}

// Drain issues SendCtrlAltDel, waits up to 10s for graceful exit (force-kill
// on timeout), then extracts the workspace if requested.
func (h *FirecrackerHandle) Drain(ctx context.Context, extractWorkspace bool) error {
	h.setState(nightshift.StateDraining)

	api := newFcAPIClient(h.apiSockPath)
	_ = api.sendCtrlAltDel()

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(drainWait):
		h.killProcessGroup()
		<-done
	}

	if extractWorkspace && h.overlayPath != "" {
		workspaceDest := h.workspaceWritebackTarget
		if workspaceDest != "" {
			if err := overlay.ExtractWorkspace(h.overlayPath, workspaceDest); err != nil {
				log.Printf("vm %s: workspace extraction failed: %v", h.id, err)
			}
		}
	}
	return nil
}

// SetWorkspaceWritebackTarget records where Drain should extract the
// workspace to, for stateful agents.
func (h *FirecrackerHandle) SetWorkspaceWritebackTarget(dest string) {
	h.mu.Lock()
	h.workspaceWritebackTarget = dest
	h.mu.Unlock()
}

// Destroy kills the child if alive, releases the network lease, destroys
// the overlay, and removes the socket and scratch directory. Idempotent.
func (h *FirecrackerHandle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	if h.state == nightshift.StateDestroyed {
		h.mu.Unlock()
		return nil
	}
	h.state = nightshift.StateDestroying
	h.mu.Unlock()

	if h.cmd != nil && h.cmd.Process != nil {
		h.killProcessGroup()
		_ = h.cmd.Wait()
	}
	if h.lease != nil {
		h.allocs.Release(h.lease)
	}
	if h.overlayPath != "" {
		if err := overlay.Destroy(h.overlayPath); err != nil {
			log.Printf("vm %s: overlay teardown: %v", h.id, err)
		}
	}
	if h.apiSockPath != "" {
		os.Remove(h.apiSockPath)
	}
	if h.scratchDir != "" {
		os.RemoveAll(h.scratchDir)
	}

	h.setState(nightshift.StateDestroyed)
	return nil
}

func (h *FirecrackerHandle) killProcessGroup() {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(h.cmd.Process.Pid)
	if err != nil {
		_ = h.cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// deterministicMAC derives a stable locally-administered MAC address from
// vmID using FNV-1a, so the same VM ID always maps to the same MAC across
// process restarts (spec.md §9).
func deterministicMAC(vmID string) string {
	h := fnv.New64a()
	h.Write([]byte(vmID))
	sum := h.Sum64()

	mac := make([]byte, 6)
	for i := 0; i < 6; i++ {
		mac[i] = byte(sum >> (8 * i))
	}
	mac[0] |= 0x02 // locally administered
	mac[0] &^= 0x01 // not multicast

	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
