// Package preflight validates the local environment before any remote
// contact is made.
package preflight

import (
	"fmt"
	"os"

	"github.com/paulschiretz/pgl-hostbackup/pkg/plog"
)

// Check verifies the backup base directory. A missing base dir is a
// fatal precondition: it usually means the backup volume is not
// mounted, and creating it would silently back up onto the system
// disk.
func Check(baseDir string) error {
	info, err := os.Stat(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("base directory %s does not exist; is the backup volume mounted?", baseDir)
		}
		return fmt.Errorf("failed to stat base directory %s: %w", baseDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("base directory %s is not a directory", baseDir)
	}

	if err := platformValidateMountPoint(baseDir); err != nil {
		// Advisory only: some deployments intentionally keep backups on
		// the root filesystem.
		plog.Warn("Base directory mount check", "path", baseDir, "warning", err)
	}
	return nil
}
