// Package syncer wraps the external synchronization primitive that
// mirrors a remote host's tree into the local current directory.
package syncer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/paulschiretz/pgl-hostbackup/pkg/config"
	"github.com/paulschiretz/pgl-hostbackup/pkg/plog"
)

// Phase parameterizes one synchronization pass. The pipeline runs one
// or two phases per run that differ only in these knobs.
type Phase struct {
	// Excludes are the glob patterns skipped by this pass.
	Excludes []string
	// DeleteExtraneous removes local files absent on the remote side.
	DeleteExtraneous bool
	// DeleteExcluded additionally removes local files matching the
	// exclude patterns.
	DeleteExcluded bool
	// ArchiveRoot receives every file this pass overwrites or deletes,
	// preserving its relative path, instead of discarding it.
	ArchiveRoot string
}

// Syncer runs one mirror pass against the remote host.
type Syncer interface {
	Sync(ctx context.Context, target config.Target, currentDir string, phase Phase) error
}

// RsyncSyncer shells out to rsync. The primitive applies changes
// file-by-file, so a failed pass leaves the current mirror in its
// last-known-good state for the untouched files.
type RsyncSyncer struct {
	binary string
	// bwLimitKBps throttles the transfer; 0 means unlimited.
	bwLimitKBps int
	dryRun      bool
}

// Statically assert that *RsyncSyncer implements the Syncer interface.
var _ Syncer = (*RsyncSyncer)(nil)

// NewRsyncSyncer creates an RsyncSyncer from the sync configuration.
func NewRsyncSyncer(cfg config.SyncConfig, dryRun bool) *RsyncSyncer {
	return &RsyncSyncer{
		binary:      cfg.RsyncBinary,
		bwLimitKBps: cfg.BandwidthLimitKBps,
		dryRun:      dryRun,
	}
}

// Sync mirrors target's remote root into currentDir according to the
// phase parameters.
func (s *RsyncSyncer) Sync(ctx context.Context, target config.Target, currentDir string, phase Phase) error {
	args := s.buildArgs(target, currentDir, phase)

	plog.Info("Starting sync pass", "host", target.Host, "archive_root", phase.ArchiveRoot)
	plog.Debug("Sync primitive invocation", "binary", s.binary, "args", args)

	cmd := exec.CommandContext(ctx, s.binary, args...)
	// Pipe the primitive's output straight through for real-time logging.
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sync pass for %s failed: %w", target.Host, err)
	}
	return nil
}

// buildArgs assembles the rsync command line:
//
//	-a  :: archive mode (permissions, ownership, times, links, recursion).
//	-S  :: handle sparse files efficiently.
//	--numeric-ids :: preserve ownership by uid/gid, not name.
//	--backup/--backup-dir :: route overwritten and deleted files into
//	    the run's snapshot directory instead of discarding them.
func (s *RsyncSyncer) buildArgs(target config.Target, currentDir string, phase Phase) []string {
	args := []string{"-aS", "--numeric-ids"}

	if s.dryRun {
		args = append(args, "-n")
	}
	if s.bwLimitKBps > 0 {
		args = append(args, "--bwlimit="+strconv.Itoa(s.bwLimitKBps))
	}
	args = append(args, "-e", "ssh -p "+strconv.Itoa(target.Port)+" -o BatchMode=yes")

	for _, pattern := range phase.Excludes {
		args = append(args, "--exclude="+pattern)
	}
	if phase.DeleteExtraneous {
		args = append(args, "--delete")
	}
	if phase.DeleteExcluded {
		args = append(args, "--delete-excluded")
	}
	if phase.ArchiveRoot != "" {
		args = append(args, "--backup", "--backup-dir="+phase.ArchiveRoot)
	}

	// Exactly one trailing slash on the source, or rsync copies the
	// root directory itself instead of its contents.
	remoteRoot := strings.TrimSuffix(target.Root, "/")
	args = append(args, target.Addr(remoteRoot)+"/", currentDir+"/")
	return args
}
