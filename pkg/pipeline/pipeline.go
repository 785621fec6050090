// Package pipeline reconciles the two snapshot retention classes of
// one backup run: the time-windowed rollback class and the never-purged
// class for paths the host opted into.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-hostbackup/pkg/config"
	"github.com/paulschiretz/pgl-hostbackup/pkg/metrics"
	"github.com/paulschiretz/pgl-hostbackup/pkg/plog"
	"github.com/paulschiretz/pgl-hostbackup/pkg/remotecfg"
	"github.com/paulschiretz/pgl-hostbackup/pkg/syncer"
	"github.com/paulschiretz/pgl-hostbackup/pkg/util"
)

// Outcome summarizes what the pipeline did in one run.
type Outcome struct {
	IncrementalMode bool
	PhasesRun       int
	FilesReconciled int
	DirsPruned      int
}

// Pipeline runs the synchronization passes for one host.
type Pipeline struct {
	syncer  syncer.Syncer
	paths   config.HostPaths
	dryRun  bool
	metrics metrics.Recorder
}

// New creates a Pipeline over the given sync primitive and host layout.
func New(s syncer.Syncer, paths config.HostPaths, dryRun bool, m metrics.Recorder) *Pipeline {
	return &Pipeline{
		syncer:  s,
		paths:   paths,
		dryRun:  dryRun,
		metrics: m,
	}
}

// Run executes the sync passes for one run.
//
// In simple mode a single pass mirrors the remote tree, deletes
// extraneous and now-excluded local files, and archives every change
// into the run's rollback snapshot.
//
// In incremental mode two passes are required because a single pass
// cannot apply two different retention routes to two overlapping path
// sets. The first pass excludes the incremental paths entirely so
// none of them can land in the rollback snapshot; delete-on-exclusion
// is off in that pass for the same reason. The second pass includes
// them and archives into the unlimited snapshot; a reconciliation
// sweep then moves everything that does not actually match an
// incremental pattern (the remote state may have shifted between the
// passes) over to the rollback snapshot, and empty directories left
// behind in either snapshot are pruned.
func (p *Pipeline) Run(ctx context.Context, target config.Target, lists remotecfg.Lists, snapshotID string) (Outcome, error) {
	limitedSnap := filepath.Join(p.paths.Limited, snapshotID)
	unlimitedSnap := filepath.Join(p.paths.Unlimited, snapshotID)

	outcome := Outcome{IncrementalMode: lists.IncrementalMode()}

	if !lists.IncrementalMode() {
		phase := syncer.Phase{
			Excludes:         lists.Excludes,
			DeleteExtraneous: true,
			DeleteExcluded:   true,
			ArchiveRoot:      limitedSnap,
		}
		if err := p.runPhase(ctx, target, phase, &outcome); err != nil {
			return outcome, err
		}
		return outcome, nil
	}

	// Pass A: mirror everything except the incremental paths. No
	// delete-on-exclusion here, or the pass would purge incremental
	// files from the mirror before pass B can route them.
	passA := syncer.Phase{
		Excludes:         util.MergeAndDeduplicate(lists.Excludes, lists.Incremental),
		DeleteExtraneous: true,
		DeleteExcluded:   false,
		ArchiveRoot:      limitedSnap,
	}
	if err := p.runPhase(ctx, target, passA, &outcome); err != nil {
		return outcome, err
	}

	// Pass B: mirror again with the incremental paths included, so
	// every change to them is captured into the unlimited snapshot.
	passB := syncer.Phase{
		Excludes:         lists.Excludes,
		DeleteExtraneous: true,
		DeleteExcluded:   true,
		ArchiveRoot:      unlimitedSnap,
	}
	if err := p.runPhase(ctx, target, passB, &outcome); err != nil {
		return outcome, err
	}

	if p.dryRun {
		plog.Notice("[DRY RUN] Skipping snapshot reconciliation")
		return outcome, nil
	}

	moved, err := p.reconcile(unlimitedSnap, limitedSnap, lists.Incremental)
	if err != nil {
		return outcome, err
	}
	outcome.FilesReconciled = moved
	p.metrics.AddFilesReconciled(int64(moved))

	for _, snapRoot := range []string{unlimitedSnap, limitedSnap} {
		pruned, err := pruneEmptyDirs(snapRoot)
		if err != nil {
			return outcome, err
		}
		outcome.DirsPruned += pruned
	}
	p.metrics.AddDirsPruned(int64(outcome.DirsPruned))

	return outcome, nil
}

func (p *Pipeline) runPhase(ctx context.Context, target config.Target, phase syncer.Phase, outcome *Outcome) error {
	if err := p.syncer.Sync(ctx, target, p.paths.Current, phase); err != nil {
		return err
	}
	outcome.PhasesRun++
	p.metrics.AddSyncPhases(1)
	return nil
}

// reconcile moves every file under unlimitedSnap that does not match
// an incremental pattern into the same relative location under
// limitedSnap. Between the two passes files may change classification
// or the remote state may shift; only files genuinely matching the
// incremental patterns belong in unlimited retention.
func (p *Pipeline) reconcile(unlimitedSnap, limitedSnap string, incremental []string) (int, error) {
	moved := 0
	err := filepath.WalkDir(unlimitedSnap, func(absPath string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) && absPath == unlimitedSnap {
				return filepath.SkipAll // Pass B archived nothing.
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(unlimitedSnap, absPath)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", absPath, err)
		}
		if MatchesAny(incremental, relPath) {
			return nil
		}

		dst := filepath.Join(limitedSnap, relPath)
		if err := os.MkdirAll(filepath.Dir(dst), util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create reconciliation target dir: %w", err)
		}
		plog.Notice("MOVE", "from", absPath, "to", dst)
		// Both snapshot roots live under the same host directory, so
		// the move is a same-filesystem rename.
		if err := os.Rename(absPath, dst); err != nil {
			return fmt.Errorf("failed to move %s out of unlimited retention: %w", relPath, err)
		}
		moved++
		return nil
	})
	if err != nil {
		return moved, err
	}
	return moved, nil
}

// pruneEmptyDirs removes every directory under root that contains no
// files, including root itself when it ends up empty. Returns the
// number of directories removed.
func pruneEmptyDirs(root string) (int, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if !info.IsDir() {
		return 0, nil
	}
	return pruneDir(root)
}

func pruneDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	pruned := 0
	remaining := len(entries)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		childPruned, err := pruneDir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return pruned, err
		}
		pruned += childPruned
		// A fully pruned child no longer counts as content.
		if _, err := os.Stat(filepath.Join(dir, entry.Name())); os.IsNotExist(err) {
			remaining--
		}
	}

	if remaining == 0 {
		plog.Debug("Pruning empty directory", "path", dir)
		if err := os.Remove(dir); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
