package overlay

import (
	"fmt"
	"os/exec"
	"strings"
)

// mountLoop loop-mounts an ext4 image at mountPoint, read-write unless
// readOnly is set. Matches the teacher's convention of shelling out to the
// system mount(8) binary rather than calling syscall.Mount directly — no
// example repo in the pack wraps mount(2) itself, since the privileged
// commands ARE the external interface (spec.md §6.4), not an implementation
// detail to abstract away.
func mountLoop(imagePath, mountPoint string, readOnly bool) error {
	opts := "loop"
	if readOnly {
		opts += ",ro"
	}
	return run("mount", "-o", opts, imagePath, mountPoint)
}

func unmount(mountPoint string) error {
	return run("umount", mountPoint)
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
