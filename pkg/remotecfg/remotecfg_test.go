package remotecfg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/paulschiretz/pgl-hostbackup/pkg/config"
	"github.com/paulschiretz/pgl-hostbackup/pkg/remotefile"
)

// fakeCopier serves remote files from an in-memory map. A missing
// remote path fails the Fetch without writing the destination, like a
// real copy primitive would.
type fakeCopier struct {
	files   map[string]string
	fetches []string
}

var _ remotefile.Copier = (*fakeCopier)(nil)

func (f *fakeCopier) Fetch(ctx context.Context, target config.Target, remotePath, localPath string) error {
	f.fetches = append(f.fetches, remotePath)
	content, found := f.files[remotePath]
	if !found {
		return errors.New("no such file or directory")
	}
	return os.WriteFile(localPath, []byte(content), 0644)
}

func (f *fakeCopier) Push(ctx context.Context, target config.Target, localPath, remotePath string) error {
	return errors.New("push not supported in this fake")
}

func writeCommonList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exclude.common")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write common list: %v", err)
	}
	return path
}

func testRemote() config.RemoteConfig {
	return config.RemoteConfig{
		Root:            "/",
		ExcludePath:     "/etc/pgl-hostbackup/exclude.list",
		IncrementalPath: "/etc/pgl-hostbackup/incremental.list",
		ReportPath:      "/var/log/pgl-hostbackup.report",
	}
}

func TestFetchMergesCommonAndRemoteExcludes(t *testing.T) {
	// Arrange
	common := writeCommonList(t, "proc/\n# comment\n\nsys/\n")
	copier := &fakeCopier{files: map[string]string{
		"/etc/pgl-hostbackup/exclude.list":     "sys/\n*.tmp\n",
		"/etc/pgl-hostbackup/incremental.list": "var/mail\n",
	}}
	fetcher := NewFetcher(copier, testRemote(), common)

	// Act
	lists, err := fetcher.Fetch(context.Background(), config.Target{Host: "web01"}, t.TempDir())

	// Assert: union is deduplicated and order-preserving.
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	wantExcludes := []string{"proc/", "sys/", "*.tmp"}
	if !reflect.DeepEqual(lists.Excludes, wantExcludes) {
		t.Errorf("expected excludes %v, got %v", wantExcludes, lists.Excludes)
	}
	if !lists.IncrementalMode() {
		t.Fatal("expected incremental mode")
	}
	if !reflect.DeepEqual(lists.Incremental, []string{"var/mail"}) {
		t.Errorf("unexpected incremental list: %v", lists.Incremental)
	}
}

func TestFetchMissingExcludeListTerminatesRun(t *testing.T) {
	// Arrange: the remote host has no exclude list.
	common := writeCommonList(t, "proc/\n")
	copier := &fakeCopier{files: map[string]string{}}
	fetcher := NewFetcher(copier, testRemote(), common)

	// Act
	_, err := fetcher.Fetch(context.Background(), config.Target{Host: "web01"}, t.TempDir())

	// Assert
	if !errors.Is(err, ErrMissingRemoteExcludeList) {
		t.Fatalf("expected ErrMissingRemoteExcludeList, got %v", err)
	}
}

func TestFetchMissingIncrementalListMeansSimpleMode(t *testing.T) {
	// Arrange
	common := writeCommonList(t, "proc/\n")
	copier := &fakeCopier{files: map[string]string{
		"/etc/pgl-hostbackup/exclude.list": "*.tmp\n",
	}}
	fetcher := NewFetcher(copier, testRemote(), common)

	// Act
	lists, err := fetcher.Fetch(context.Background(), config.Target{Host: "web01"}, t.TempDir())

	// Assert
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if lists.IncrementalMode() {
		t.Error("expected simple mode when the incremental list is absent")
	}
}

func TestFetchEmptyIncrementalListStillEnablesIncrementalMode(t *testing.T) {
	// Arrange: the file exists but holds only comments.
	common := writeCommonList(t, "")
	copier := &fakeCopier{files: map[string]string{
		"/etc/pgl-hostbackup/exclude.list":     "*.tmp\n",
		"/etc/pgl-hostbackup/incremental.list": "# nothing opted in yet\n",
	}}
	fetcher := NewFetcher(copier, testRemote(), common)

	// Act
	lists, err := fetcher.Fetch(context.Background(), config.Target{Host: "web01"}, t.TempDir())

	// Assert: presence toggles the mode, not content.
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !lists.IncrementalMode() {
		t.Fatal("expected incremental mode for an empty but present list")
	}
	if len(lists.Incremental) != 0 {
		t.Errorf("expected no incremental patterns, got %v", lists.Incremental)
	}
}

func TestFetchRemovesStaleScratchCopies(t *testing.T) {
	// Arrange: a leftover exclude list from a previous run sits in
	// scratch, and the remote fetch now fails.
	common := writeCommonList(t, "proc/\n")
	scratchDir := t.TempDir()
	stalePath := filepath.Join(scratchDir, "exclude.remote")
	if err := os.WriteFile(stalePath, []byte("stale-pattern\n"), 0644); err != nil {
		t.Fatalf("failed to plant stale file: %v", err)
	}
	copier := &fakeCopier{files: map[string]string{}}
	fetcher := NewFetcher(copier, testRemote(), common)

	// Act
	_, err := fetcher.Fetch(context.Background(), config.Target{Host: "web01"}, scratchDir)

	// Assert: the stale copy must not masquerade as a fresh fetch.
	if !errors.Is(err, ErrMissingRemoteExcludeList) {
		t.Fatalf("expected ErrMissingRemoteExcludeList, got %v", err)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Error("expected the stale scratch copy to be removed")
	}
}

func TestFetchUnreadableCommonListIsFatal(t *testing.T) {
	copier := &fakeCopier{files: map[string]string{
		"/etc/pgl-hostbackup/exclude.list": "*.tmp\n",
	}}
	fetcher := NewFetcher(copier, testRemote(), filepath.Join(t.TempDir(), "missing.common"))

	_, err := fetcher.Fetch(context.Background(), config.Target{Host: "web01"}, t.TempDir())

	if err == nil {
		t.Fatal("expected an error for an unreadable common list")
	}
	if errors.Is(err, ErrMissingRemoteExcludeList) {
		t.Error("a local config problem must not be reported as a host opt-out")
	}
}

func TestFetchSkipsIncrementalWhenPathUnconfigured(t *testing.T) {
	// Arrange
	common := writeCommonList(t, "proc/\n")
	remote := testRemote()
	remote.IncrementalPath = ""
	copier := &fakeCopier{files: map[string]string{
		"/etc/pgl-hostbackup/exclude.list":     "*.tmp\n",
		"/etc/pgl-hostbackup/incremental.list": "var/mail\n",
	}}
	fetcher := NewFetcher(copier, remote, common)

	// Act
	lists, err := fetcher.Fetch(context.Background(), config.Target{Host: "web01"}, t.TempDir())

	// Assert: no second fetch is even attempted.
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if lists.IncrementalMode() {
		t.Error("expected simple mode when incremental_path is unset")
	}
	if len(copier.fetches) != 1 {
		t.Errorf("expected a single fetch, got %v", copier.fetches)
	}
}
