//go:build !linux && !darwin

package termreg

import "errors"

// processCwd has no portable implementation on this platform; callers fall
// back to the last tracked value.
func processCwd(pid int) (string, error) {
	return "", errors.New("working directory detection unsupported on this platform")
}
