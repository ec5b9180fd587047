//go:build darwin

package termreg

import (
	"fmt"
	"os/exec"
	"strings"
)

// processCwd asks lsof for the process's cwd file descriptor. The -Fn flag
// produces machine-readable output where the name field is prefixed "n".
func processCwd(pid int) (string, error) {
	out, err := exec.Command("lsof", "-a", "-p", fmt.Sprintf("%d", pid), "-d", "cwd", "-Fn").Output()
	if err != nil {
		return "", fmt.Errorf("lsof: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n") && len(line) > 1 {
			return strings.TrimSpace(line[1:]), nil
		}
	}
	return "", fmt.Errorf("lsof: no cwd entry for pid %d", pid)
}
