// Package overlay builds and tears down the writable Firecracker rootfs
// image for a single VM: a copy of a base image with the agent's workspace
// and package directories injected, then extracts the workspace back out
// on teardown for stateful agents.
package overlay

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// WorkspacePath is where the guest expects user files.
	WorkspacePath = "/workspace"
	// AgentPkgPath is where the guest expects the packaged agent code.
	AgentPkgPath = "/opt/nightshift/agent_pkg"
	envFilePath  = "/etc/nightshift/env"
	resolvPath   = "/etc/resolv.conf"
)

// Build produces a writable overlay image for vmID: a copy of baseImage
// with workspaceDir injected at /workspace, packageDir (if set) injected at
// /opt/nightshift/agent_pkg, envMap written to /etc/nightshift/env, and
// /etc/resolv.conf replaced with public resolvers. The base image is never
// mutated.
func Build(scratchDir, baseImage, vmID, workspaceDir, packageDir string, envMap map[string]string) (string, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir scratch dir: %w", err)
	}

	overlayPath := filepath.Join(scratchDir, vmID+".ext4")
	if err := copyBaseImage(baseImage, overlayPath); err != nil {
		return "", fmt.Errorf("copy base image: %w", err)
	}

	mountPoint := filepath.Join(scratchDir, "mnt")
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		os.Remove(overlayPath)
		return "", fmt.Errorf("mkdir mount point: %w", err)
	}

	if err := mountLoop(overlayPath, mountPoint, false); err != nil {
		os.Remove(overlayPath)
		return "", fmt.Errorf("mount overlay: %w", err)
	}

	injectErr := inject(mountPoint, workspaceDir, packageDir, envMap)

	if err := unmount(mountPoint); err != nil {
		if injectErr == nil {
			injectErr = fmt.Errorf("unmount overlay: %w", err)
		}
	}

	if injectErr != nil {
		os.Remove(overlayPath)
		return "", injectErr
	}
	return overlayPath, nil
}

func inject(mountPoint, workspaceDir, packageDir string, envMap map[string]string) error {
	if workspaceDir != "" {
		if err := replaceTree(workspaceDir, filepath.Join(mountPoint, WorkspacePath)); err != nil {
			return fmt.Errorf("inject workspace: %w", err)
		}
	}
	if packageDir != "" {
		if err := replaceTree(packageDir, filepath.Join(mountPoint, AgentPkgPath)); err != nil {
			return fmt.Errorf("inject agent package: %w", err)
		}
	}
	if err := writeEnvFile(filepath.Join(mountPoint, envFilePath), envMap); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	if err := writeResolvConf(filepath.Join(mountPoint, resolvPath)); err != nil {
		return fmt.Errorf("write resolv.conf: %w", err)
	}
	return nil
}

func writeEnvFile(path string, envMap map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	for k, v := range envMap {
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

func writeResolvConf(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content := "nameserver 8.8.8.8\nnameserver 1.1.1.1\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

// copyBaseImage copies the base image with a reflink when the destination
// filesystem supports it (instant copy-on-write), falling back to a dense
// sparse-aware copy otherwise.
func copyBaseImage(baseImage, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for overlay: %w", err)
	}
	cmd := exec.Command("cp", "--reflink=auto", baseImage, dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		if rmErr := sparseCopy(baseImage, dst); rmErr != nil {
			return fmt.Errorf("reflink copy failed (%s) and fallback sparse copy failed: %w", strings.TrimSpace(string(out)), rmErr)
		}
	}
	return nil
}

// StageWorkspace copies workspaceSource into a fresh per-VM staging
// directory under scratchDir, so concurrent VMs for the same agent never
// read the same source tree while it is potentially being written back by
// another VM's teardown.
func StageWorkspace(scratchDir, workspaceSource string) (string, error) {
	if workspaceSource == "" {
		return "", nil
	}
	staged := filepath.Join(scratchDir, "staged-workspace")
	if err := replaceTree(workspaceSource, staged); err != nil {
		return "", fmt.Errorf("stage workspace from %s: %w", workspaceSource, err)
	}
	return staged, nil
}

// Destroy unmounts (if mounted), deletes the overlay file, and removes its
// parent scratch directory if it is now empty. Idempotent.
func Destroy(overlayPath string) error {
	mountPoint := filepath.Join(filepath.Dir(overlayPath), "mnt")
	_ = unmount(mountPoint)

	if err := os.Remove(overlayPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove overlay %s: %w", overlayPath, err)
	}

	scratchDir := filepath.Dir(overlayPath)
	entries, err := os.ReadDir(scratchDir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(scratchDir)
	}
	return nil
}

// ExtractWorkspace mounts the overlay read-only and mirror-syncs
// /workspace into destDir (additions and deletions), then unmounts.
func ExtractWorkspace(overlayPath, destDir string) error {
	mountPoint := filepath.Join(filepath.Dir(overlayPath), "mnt-extract")
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("mkdir mount point: %w", err)
	}
	defer os.RemoveAll(mountPoint)

	if err := mountLoop(overlayPath, mountPoint, true); err != nil {
		return fmt.Errorf("mount overlay read-only: %w", err)
	}

	syncErr := mirrorSync(filepath.Join(mountPoint, WorkspacePath), destDir)

	if err := unmount(mountPoint); err != nil && syncErr == nil {
		syncErr = fmt.Errorf("unmount overlay: %w", err)
	}
	return syncErr
}
