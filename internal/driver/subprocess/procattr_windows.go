//go:build windows

package subprocess

import "os/exec"

// setProcGroup is a no-op on Windows; killProcessGroup falls back to
// killing the direct child only.
func setProcGroup(cmd *exec.Cmd) {}

func killProcessGroup(pid int) error {
	return nil
}
