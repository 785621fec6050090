package rotation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-hostbackup/pkg/metrics"
)

// createSnapshot creates a snapshot directory with one payload file and
// the given modification time.
func createSnapshot(t *testing.T, rotatingRoot, name string, modTime time.Time) {
	t.Helper()
	snapPath := filepath.Join(rotatingRoot, name)
	if err := os.MkdirAll(snapPath, 0755); err != nil {
		t.Fatalf("failed to create test snapshot dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(snapPath, "payload"), []byte(name), 0644); err != nil {
		t.Fatalf("failed to write test payload: %v", err)
	}
	if err := os.Chtimes(snapPath, modTime, modTime); err != nil {
		t.Fatalf("failed to set snapshot mtime: %v", err)
	}
}

func newTestRotator(policy Policy) (*Rotator, time.Time) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r := NewRotator(policy, false, metrics.New(false))
	r.now = func() time.Time { return now }
	return r, now
}

func names(entries []Entry) map[string]bool {
	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		set[e.Name] = true
	}
	return set
}

func TestRotateKeepsRecencyFloorRegardlessOfAge(t *testing.T) {
	// Arrange: 8 snapshots, all far beyond the window.
	root := t.TempDir()
	r, now := newTestRotator(Policy{MinKeep: 10, Window: 14 * 24 * time.Hour, Workers: 2})
	for i := 0; i < 8; i++ {
		createSnapshot(t, root, fmt.Sprintf("snap-%02d", i), now.Add(-time.Duration(100+i)*24*time.Hour))
	}

	// Act
	result, err := r.Rotate(context.Background(), root)

	// Assert: everything within the floor survives.
	if err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}
	if len(result.Evicted) != 0 {
		t.Errorf("expected no evictions, got %d", len(result.Evicted))
	}
	if len(result.Kept) != 8 {
		t.Errorf("expected 8 kept snapshots, got %d", len(result.Kept))
	}
}

func TestRotateEvictsOnlyAgedCandidatesBeyondFloor(t *testing.T) {
	// Arrange: 12 snapshots. The 3 oldest are 20 days old, the rest 5
	// days old. Only the two aged snapshots outside the top 10 may go.
	root := t.TempDir()
	r, now := newTestRotator(Policy{MinKeep: 10, Window: 14 * 24 * time.Hour, Workers: 2})
	for i := 0; i < 9; i++ {
		createSnapshot(t, root, fmt.Sprintf("fresh-%02d", i), now.Add(-5*24*time.Hour-time.Duration(i)*time.Minute))
	}
	for i := 0; i < 3; i++ {
		createSnapshot(t, root, fmt.Sprintf("aged-%02d", i), now.Add(-20*24*time.Hour-time.Duration(i)*time.Minute))
	}

	// Act
	result, err := r.Rotate(context.Background(), root)

	// Assert
	if err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}
	evicted := names(result.Evicted)
	if len(evicted) != 2 {
		t.Fatalf("expected exactly 2 evictions, got %d (%v)", len(evicted), evicted)
	}
	// aged-00 is the newest of the aged trio and lands on position 10.
	for _, name := range []string{"aged-01", "aged-02"} {
		if !evicted[name] {
			t.Errorf("expected %s to be evicted", name)
		}
		if _, err := os.Stat(filepath.Join(root, name)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed from disk", name)
		}
	}
	if evicted["aged-00"] {
		t.Error("aged-00 sits inside the recency floor and must survive")
	}
	if _, err := os.Stat(filepath.Join(root, "aged-00")); err != nil {
		t.Errorf("expected aged-00 to remain on disk: %v", err)
	}
}

func TestRotateKeepsYoungSnapshotsBeyondFloor(t *testing.T) {
	// Arrange: 12 snapshots, all 5 days old. Positions 11 and 12 are
	// outside the floor but inside the window.
	root := t.TempDir()
	r, now := newTestRotator(Policy{MinKeep: 10, Window: 14 * 24 * time.Hour, Workers: 2})
	for i := 0; i < 12; i++ {
		createSnapshot(t, root, fmt.Sprintf("snap-%02d", i), now.Add(-5*24*time.Hour-time.Duration(i)*time.Minute))
	}

	// Act
	result, err := r.Rotate(context.Background(), root)

	// Assert
	if err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}
	if len(result.Evicted) != 0 {
		t.Errorf("expected no evictions inside the window, got %d", len(result.Evicted))
	}
	if len(result.Kept) != 12 {
		t.Errorf("expected 12 kept snapshots, got %d", len(result.Kept))
	}
}

func TestRotateIsIdempotent(t *testing.T) {
	// Arrange
	root := t.TempDir()
	r, now := newTestRotator(Policy{MinKeep: 2, Window: 14 * 24 * time.Hour, Workers: 2})
	for i := 0; i < 5; i++ {
		createSnapshot(t, root, fmt.Sprintf("snap-%02d", i), now.Add(-time.Duration(10+10*i)*24*time.Hour))
	}

	// Act: rotate twice with no new snapshots in between.
	first, err := r.Rotate(context.Background(), root)
	if err != nil {
		t.Fatalf("first Rotate returned error: %v", err)
	}
	second, err := r.Rotate(context.Background(), root)
	if err != nil {
		t.Fatalf("second Rotate returned error: %v", err)
	}

	// Assert: the second pass finds nothing more to do.
	if len(first.Evicted) == 0 {
		t.Fatal("expected the first pass to evict something")
	}
	if len(second.Evicted) != 0 {
		t.Errorf("expected second pass to evict nothing, got %d", len(second.Evicted))
	}
	if len(second.Kept) != len(first.Kept) {
		t.Errorf("kept set changed between passes: %d vs %d", len(first.Kept), len(second.Kept))
	}
}

func TestRotateDryRunLeavesDiskUntouched(t *testing.T) {
	// Arrange
	root := t.TempDir()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r := NewRotator(Policy{MinKeep: 1, Window: 24 * time.Hour, Workers: 1}, true, metrics.New(false))
	r.now = func() time.Time { return now }
	createSnapshot(t, root, "snap-new", now.Add(-1*time.Hour))
	createSnapshot(t, root, "snap-old", now.Add(-40*24*time.Hour))

	// Act
	result, err := r.Rotate(context.Background(), root)

	// Assert: reported as evicted, still present on disk.
	if err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}
	if len(result.Evicted) != 1 {
		t.Fatalf("expected 1 planned eviction, got %d", len(result.Evicted))
	}
	if _, err := os.Stat(filepath.Join(root, "snap-old")); err != nil {
		t.Errorf("dry run must not delete snapshots: %v", err)
	}
}

func TestRotateMissingRootIsNotAnError(t *testing.T) {
	r, _ := newTestRotator(Policy{MinKeep: 10, Window: 14 * 24 * time.Hour, Workers: 1})

	result, err := r.Rotate(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))

	if err != nil {
		t.Fatalf("Rotate on a missing root must not fail: %v", err)
	}
	if len(result.Kept) != 0 || len(result.Evicted) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestRotateArchivesBeforeEviction(t *testing.T) {
	// Arrange
	root := t.TempDir()
	archiveDir := filepath.Join(t.TempDir(), "archived")
	r, now := newTestRotator(Policy{
		MinKeep:    1,
		Window:     24 * time.Hour,
		Workers:    1,
		ArchiveDir: archiveDir,
	})
	createSnapshot(t, root, "snap-new", now.Add(-1*time.Hour))
	createSnapshot(t, root, "snap-old", now.Add(-40*24*time.Hour))

	// Act
	result, err := r.Rotate(context.Background(), root)

	// Assert: evicted from the rotating root, preserved as an archive.
	if err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}
	if len(result.Evicted) != 1 || result.Evicted[0].Name != "snap-old" {
		t.Fatalf("expected snap-old to be evicted, got %+v", result.Evicted)
	}
	archivePath := filepath.Join(archiveDir, "snap-old.tar.zst")
	if _, err := os.Stat(archivePath); err != nil {
		t.Errorf("expected archive %s to exist: %v", archivePath, err)
	}
	if _, err := os.Stat(filepath.Join(root, "snap-old")); !os.IsNotExist(err) {
		t.Error("expected snap-old to be removed after archiving")
	}
}
