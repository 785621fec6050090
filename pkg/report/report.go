// Package report assembles the end-of-run report and delivers it back
// to the remote host. Reporting is best-effort: by the time it runs
// the backup data is already durable, so every failure here is logged
// and swallowed.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-hostbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-hostbackup/pkg/config"
	"github.com/paulschiretz/pgl-hostbackup/pkg/plog"
	"github.com/paulschiretz/pgl-hostbackup/pkg/remotefile"
	"github.com/paulschiretz/pgl-hostbackup/pkg/util"
)

const reportFileName = "report.txt"

// Run carries everything the report describes.
type Run struct {
	Target   config.Target
	Start    time.Time
	End      time.Time
	Excludes []string
	// CurrentDir is the post-sync mirror that gets listed recursively.
	CurrentDir string
	// ScratchDir is where the report file lives until it is uploaded.
	ScratchDir string
}

// Reporter builds and delivers run reports.
type Reporter struct {
	copier     remotefile.Copier
	remotePath string
	dryRun     bool
}

// NewReporter creates a Reporter pushing to the configured remote path.
func NewReporter(copier remotefile.Copier, remotePath string, dryRun bool) *Reporter {
	return &Reporter{
		copier:     copier,
		remotePath: remotePath,
		dryRun:     dryRun,
	}
}

// Send writes the report with owner-only permissions, pushes it to the
// remote host, and removes the local copy. It never fails the run.
func (r *Reporter) Send(ctx context.Context, run Run) {
	body, err := r.build(run)
	if err != nil {
		plog.Warn("Failed to assemble run report", "host", run.Target.Host, "error", err)
		return
	}

	localPath := filepath.Join(run.ScratchDir, reportFileName)
	// Owner-only: the report enumerates the host's file tree.
	if err := os.WriteFile(localPath, []byte(body), util.OwnerOnlyFilePerms); err != nil {
		plog.Warn("Failed to write run report", "path", localPath, "error", err)
		return
	}
	// The report is transient; drop the local copy no matter how the
	// upload went.
	defer func() {
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove local run report", "path", localPath, "error", err)
		}
	}()

	if r.dryRun {
		plog.Notice("[DRY RUN] UPLOAD", "report", localPath, "to", run.Target.Addr(r.remotePath))
		return
	}

	plog.Notice("UPLOAD", "report", localPath, "to", run.Target.Addr(r.remotePath))
	if err := r.copier.Push(ctx, run.Target, localPath, r.remotePath); err != nil {
		plog.Warn("Failed to deliver run report; backup data is unaffected", "host", run.Target.Host, "error", err)
	}
}

// build renders the plain-text report: run identity, the effective
// exclude patterns, and a recursive listing of the mirror.
func (r *Reporter) build(run Run) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s run report\n", buildinfo.Name)
	fmt.Fprintf(&b, "host:    %s (port %d)\n", run.Target.Host, run.Target.Port)
	fmt.Fprintf(&b, "started: %s\n", run.Start.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "ended:   %s\n", run.End.UTC().Format(time.RFC3339))
	b.WriteString("\nexclude patterns:\n")
	for _, pattern := range run.Excludes {
		fmt.Fprintf(&b, "  %s\n", pattern)
	}

	b.WriteString("\nmirror contents:\n")
	err := filepath.WalkDir(run.CurrentDir, func(absPath string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(run.CurrentDir, absPath)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "%12d  %s  %s\n", info.Size(), info.ModTime().UTC().Format(time.RFC3339), util.NormalizePath(relPath))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to list mirror %s: %w", run.CurrentDir, err)
	}
	return b.String(), nil
}
