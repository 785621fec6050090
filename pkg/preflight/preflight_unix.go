//go:build !windows

package preflight

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// platformValidateMountPoint checks if the path resides on the root
// filesystem. If it does, the backup volume is probably not mounted.
func platformValidateMountPoint(path string) error {
	// Backups under the home directory are usually intentional.
	homeDir, _ := os.UserHomeDir()
	if homeDir != "" && strings.HasPrefix(path, homeDir) {
		return nil
	}

	rootInfo, err := os.Stat("/")
	if err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	rootStat, ok := rootInfo.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	pathInfo, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat base directory: %w", err)
	}
	pathStat, ok := pathInfo.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	if pathStat.Dev == rootStat.Dev && path != "/" {
		return fmt.Errorf("path '%s' is on the root filesystem (system disk)", path)
	}
	return nil
}
