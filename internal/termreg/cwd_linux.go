//go:build linux

package termreg

import (
	"fmt"
	"os"
)

// processCwd reads the per-process current-directory link from procfs.
func processCwd(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
}
