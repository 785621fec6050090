// Package rotation applies the rollback retention policy to the
// time-windowed snapshot directory of one host.
//
// The policy keeps whichever constraint is more permissive for a given
// snapshot: the most recent MinKeep snapshots survive regardless of
// age, and any snapshot younger than the window survives regardless of
// its position in the ordering. Only snapshots failing both rules are
// evicted.
package rotation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-hostbackup/pkg/archive"
	"github.com/paulschiretz/pgl-hostbackup/pkg/metrics"
	"github.com/paulschiretz/pgl-hostbackup/pkg/plog"
)

// Entry is one snapshot directory under the rotating-snapshot root.
type Entry struct {
	Name    string
	Path    string
	ModTime time.Time
}

// Policy holds the retention knobs.
type Policy struct {
	// MinKeep snapshots are always retained, newest first.
	MinKeep int
	// Window is the maximum age for snapshots beyond the MinKeep floor.
	Window time.Duration
	// Workers bounds eviction parallelism.
	Workers int
	// ArchiveDir, when non-empty, receives a compressed copy of every
	// snapshot before it is removed.
	ArchiveDir    string
	ArchiveFormat archive.Format
}

// Result reports what the rotation pass did.
type Result struct {
	Kept    []Entry
	Evicted []Entry
}

// Rotator prunes a rotating-snapshot directory.
type Rotator struct {
	policy  Policy
	dryRun  bool
	metrics metrics.Recorder
	// now is swappable for tests.
	now func() time.Time
}

// NewRotator creates a Rotator for the given policy.
func NewRotator(policy Policy, dryRun bool, m metrics.Recorder) *Rotator {
	if policy.Workers < 1 {
		policy.Workers = 1
	}
	return &Rotator{
		policy:  policy,
		dryRun:  dryRun,
		metrics: m,
		now:     time.Now,
	}
}

// Rotate scans rotatingRoot and evicts every snapshot outside the
// retention policy. Eviction of an individual snapshot is independent:
// a failed removal is logged, counted, and the entry is reported as
// kept so the next run retries it. Rotate runs before the current
// run's snapshot directory is created, so the incoming snapshot can
// never evict itself.
func (r *Rotator) Rotate(ctx context.Context, rotatingRoot string) (Result, error) {
	entries, err := fetchSortedEntries(rotatingRoot)
	if err != nil {
		return Result{}, err
	}

	keep, candidates := splitByRecency(entries, r.policy.MinKeep)

	cutoff := r.now().Add(-r.policy.Window)
	var evictable []Entry
	for _, e := range candidates {
		if e.ModTime.Before(cutoff) {
			evictable = append(evictable, e)
		} else {
			keep = append(keep, e)
		}
	}

	plog.Info("Rotation plan",
		"path", rotatingRoot,
		"total", len(entries),
		"keep", len(keep),
		"evict", len(evictable))

	if len(evictable) == 0 {
		r.metrics.AddSnapshotsKept(int64(len(keep)))
		return Result{Kept: keep}, nil
	}

	evicted, failed := r.evictAll(ctx, evictable)
	keep = append(keep, failed...)

	r.metrics.AddSnapshotsKept(int64(len(keep)))
	r.metrics.AddSnapshotsEvicted(int64(len(evicted)))
	r.metrics.AddEvictionsFailed(int64(len(failed)))

	return Result{Kept: keep, Evicted: evicted}, ctx.Err()
}

// evictAll removes the given snapshots with bounded parallelism.
// Deleting whole snapshot trees is dominated by filesystem latency, so
// a small worker pool helps on network-backed storage.
func (r *Rotator) evictAll(ctx context.Context, evictable []Entry) (evicted, failed []Entry) {
	type outcome struct {
		entry Entry
		err   error
	}
	results := make([]outcome, len(evictable))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.policy.Workers)
	for i, e := range evictable {
		i, e := i, e
		g.Go(func() error {
			select {
			case <-ctx.Done():
				results[i] = outcome{entry: e, err: ctx.Err()}
				return nil
			default:
			}
			results[i] = outcome{entry: e, err: r.evictOne(ctx, e)}
			// Eviction failures are per-entry and must not stop the
			// remaining workers.
			return nil
		})
	}
	g.Wait()

	for _, res := range results {
		if res.err != nil {
			plog.Warn("Failed to evict outdated snapshot", "path", res.entry.Path, "error", res.err)
			failed = append(failed, res.entry)
			continue
		}
		evicted = append(evicted, res.entry)
	}
	return evicted, failed
}

func (r *Rotator) evictOne(ctx context.Context, e Entry) error {
	if r.dryRun {
		plog.Notice("[DRY RUN] EVICT", "path", e.Path)
		return nil
	}

	if r.policy.ArchiveDir != "" {
		archivePath := filepath.Join(r.policy.ArchiveDir, e.Name+r.policy.ArchiveFormat.Ext())
		plog.Notice("ARCHIVE", "path", e.Path, "archive", archivePath)
		if err := archive.Compress(ctx, e.Path, archivePath, r.policy.ArchiveFormat); err != nil {
			// Keep the snapshot rather than lose data; the next run
			// will retry the archive.
			return fmt.Errorf("archive before eviction failed: %w", err)
		}
		r.metrics.AddSnapshotsArchived(1)
	}

	plog.Notice("EVICT", "path", e.Path)
	if err := os.RemoveAll(e.Path); err != nil {
		return err
	}
	return nil
}

// fetchSortedEntries lists the snapshot directories under rotatingRoot,
// newest first by filesystem modification time. Entries are
// timestamp-named, so mtime collisions are not expected within a
// practical run cadence and the tie-break order is unspecified.
func fetchSortedEntries(rotatingRoot string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(rotatingRoot)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Debug("Rotating-snapshot directory does not exist yet, nothing to rotate", "path", rotatingRoot)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rotating-snapshot directory %s: %w", rotatingRoot, err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if !de.IsDir() {
			plog.Warn("Skipping non-directory entry in rotating-snapshot directory", "name", de.Name())
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat snapshot %s: %w", de.Name(), err)
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			Path:    filepath.Join(rotatingRoot, de.Name()),
			ModTime: info.ModTime(),
		})
	}

	// Sort all snapshots from newest to oldest for consistent processing.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.After(entries[j].ModTime)
	})
	return entries, nil
}

// splitByRecency partitions the sorted entries into the unconditional
// keep set and the age-check candidates.
func splitByRecency(entries []Entry, minKeep int) (recent, candidates []Entry) {
	if len(entries) <= minKeep {
		return append(recent, entries...), nil
	}
	return append(recent, entries[:minKeep]...), entries[minKeep:]
}
