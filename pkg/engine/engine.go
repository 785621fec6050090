// Package engine sequences one backup run for one host: lock, list
// fetch, snapshot rotation, synchronization, report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/pgl-hostbackup/pkg/archive"
	"github.com/paulschiretz/pgl-hostbackup/pkg/config"
	"github.com/paulschiretz/pgl-hostbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-hostbackup/pkg/metrics"
	"github.com/paulschiretz/pgl-hostbackup/pkg/pipeline"
	"github.com/paulschiretz/pgl-hostbackup/pkg/plog"
	"github.com/paulschiretz/pgl-hostbackup/pkg/preflight"
	"github.com/paulschiretz/pgl-hostbackup/pkg/remotecfg"
	"github.com/paulschiretz/pgl-hostbackup/pkg/remotefile"
	"github.com/paulschiretz/pgl-hostbackup/pkg/report"
	"github.com/paulschiretz/pgl-hostbackup/pkg/rotation"
	"github.com/paulschiretz/pgl-hostbackup/pkg/syncer"
)

// ErrBusy means another run holds the host's lock. Callers treat it as
// "skipped", not as a failure.
var ErrBusy = errors.New("another backup run for this host is active")

// snapshotIDFormat names the per-run snapshot directories. The id is
// derived once from the run's start time so every phase of one run
// agrees on the same snapshot name.
const snapshotIDFormat = "2006-01-02_15-04-05"

// Engine orchestrates the entire backup run.
type Engine struct {
	cfg     config.Config
	target  config.Target
	locker  lockfile.Locker
	copier  remotefile.Copier
	syncer  syncer.Syncer
	metrics metrics.Recorder
	now     func() time.Time
}

// New creates an engine with the production collaborators.
func New(cfg config.Config, target config.Target) *Engine {
	return &Engine{
		cfg:     cfg,
		target:  target,
		locker:  lockfile.Marker{},
		copier:  remotefile.NewScpCopier(cfg.Sync.ScpBinary),
		syncer:  syncer.NewRsyncSyncer(cfg.Sync, cfg.Runtime.DryRun),
		metrics: metrics.New(cfg.Metrics),
		now:     time.Now,
	}
}

// Execute runs the backup from start to finish. It returns ErrBusy when
// another run holds the lock; any other error is fatal for the run.
// The lock is released and the scratch dir removed on every exit path
// past acquisition.
func (e *Engine) Execute(ctx context.Context) error {
	start := e.now()

	if err := preflight.Check(e.cfg.BaseDir); err != nil {
		return err
	}
	if _, err := os.Stat(e.cfg.CommonExcludeFile); err != nil {
		return fmt.Errorf("common exclude list %s is required: %w", e.cfg.CommonExcludeFile, err)
	}

	paths := e.cfg.HostPaths(e.target.Host)
	if err := config.EnsureHostLayout(paths); err != nil {
		return err
	}

	lock, err := e.locker.Acquire(paths.Root)
	if err != nil {
		var active *lockfile.ErrLockActive
		if errors.As(err, &active) {
			return fmt.Errorf("%w: %s", ErrBusy, active.Error())
		}
		return err
	}
	defer lock.Release()
	defer e.cleanupScratch(paths.Scratch)

	fetcher := remotecfg.NewFetcher(e.copier, e.cfg.Remote, e.cfg.CommonExcludeFile)
	lists, err := fetcher.Fetch(ctx, e.target, paths.Scratch)
	if err != nil {
		return err
	}
	plog.Info("Host lists fetched",
		"host", e.target.Host,
		"exclude_patterns", len(lists.Excludes),
		"incremental_mode", lists.IncrementalMode())

	rotator := rotation.NewRotator(e.rotationPolicy(paths), e.cfg.Runtime.DryRun, e.metrics)
	result, err := rotator.Rotate(ctx, paths.Limited)
	if err != nil {
		return fmt.Errorf("snapshot rotation failed: %w", err)
	}
	plog.Info("Snapshot rotation done", "kept", len(result.Kept), "evicted", len(result.Evicted))

	snapshotID := start.UTC().Format(snapshotIDFormat)
	pipe := pipeline.New(e.syncer, paths, e.cfg.Runtime.DryRun, e.metrics)
	outcome, err := pipe.Run(ctx, e.target, lists, snapshotID)
	if err != nil {
		return fmt.Errorf("synchronization failed: %w", err)
	}
	end := e.now()
	plog.Info("Synchronization done",
		"snapshot_id", snapshotID,
		"phases", outcome.PhasesRun,
		"reconciled", outcome.FilesReconciled,
		"pruned_dirs", outcome.DirsPruned)

	reporter := report.NewReporter(e.copier, e.cfg.Remote.ReportPath, e.cfg.Runtime.DryRun)
	reporter.Send(ctx, report.Run{
		Target:     e.target,
		Start:      start,
		End:        end,
		Excludes:   lists.Excludes,
		CurrentDir: paths.Current,
		ScratchDir: paths.Scratch,
	})

	e.metrics.LogSummary("Run metrics")
	return nil
}

func (e *Engine) rotationPolicy(paths config.HostPaths) rotation.Policy {
	policy := rotation.Policy{
		MinKeep: e.cfg.Retention.MinKeep,
		Window:  e.cfg.Window(),
		Workers: e.cfg.Retention.EvictWorkers,
	}
	if e.cfg.Retention.ArchiveEvicted {
		format, err := archive.ParseFormat(e.cfg.Retention.ArchiveFormat)
		if err != nil {
			plog.Warn("Archiving of evicted snapshots disabled", "error", err)
		} else {
			policy.ArchiveDir = paths.Archived
			policy.ArchiveFormat = format
		}
	}
	return policy
}

// cleanupScratch drops the fetched list files (and a report the
// reporter could not remove itself). The scratch dir is recreated by
// the next run.
func (e *Engine) cleanupScratch(scratchDir string) {
	if err := os.RemoveAll(scratchDir); err != nil {
		plog.Warn("Failed to clean scratch directory", "path", scratchDir, "error", err)
	}
}
