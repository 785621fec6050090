// Package remotecfg fetches the per-host exclude and incremental lists
// from the remote host at the start of a run.
package remotecfg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-hostbackup/pkg/config"
	"github.com/paulschiretz/pgl-hostbackup/pkg/plog"
	"github.com/paulschiretz/pgl-hostbackup/pkg/remotefile"
	"github.com/paulschiretz/pgl-hostbackup/pkg/util"
)

// ErrMissingRemoteExcludeList means the remote exclude list could not
// be fetched. The file doubles as the host's opt-in switch, so this
// terminates the run.
var ErrMissingRemoteExcludeList = errors.New("remote exclude list is missing; host has opted out of backups")

// Names of the scratch copies of the fetched lists.
const (
	excludeScratchName     = "exclude.remote"
	incrementalScratchName = "incremental.remote"
)

// Lists is the result of one fetch: the effective exclude patterns and
// the optional incremental patterns.
type Lists struct {
	// Excludes is the union of the local common list and the remote
	// per-host list, order-preserving and deduplicated.
	Excludes []string
	// Incremental is nil when the host has no incremental list. An
	// empty (non-nil) slice still enables incremental mode: the mode is
	// toggled by the file's presence, not its contents.
	Incremental []string
}

// IncrementalMode reports whether the host opted into unlimited
// retention for a subset of paths.
func (l Lists) IncrementalMode() bool {
	return l.Incremental != nil
}

// Fetcher retrieves the per-host lists via the copy primitive.
type Fetcher struct {
	copier            remotefile.Copier
	remote            config.RemoteConfig
	commonExcludeFile string
}

// NewFetcher creates a Fetcher for the given copy primitive and remote layout.
func NewFetcher(copier remotefile.Copier, remote config.RemoteConfig, commonExcludeFile string) *Fetcher {
	return &Fetcher{
		copier:            copier,
		remote:            remote,
		commonExcludeFile: commonExcludeFile,
	}
}

// Fetch populates the run's lists. The scratch copies stay on disk for
// the run's lifetime; the engine removes the scratch dir on exit.
func (f *Fetcher) Fetch(ctx context.Context, target config.Target, scratchDir string) (Lists, error) {
	common, err := readPatternFile(f.commonExcludeFile)
	if err != nil {
		return Lists{}, fmt.Errorf("common exclude list unreadable: %w", err)
	}

	remoteExcludes, ok, err := f.fetchList(ctx, target, f.remote.ExcludePath, filepath.Join(scratchDir, excludeScratchName))
	if err != nil {
		return Lists{}, err
	}
	if !ok {
		return Lists{}, fmt.Errorf("%w (host %s, remote path %s)", ErrMissingRemoteExcludeList, target.Host, f.remote.ExcludePath)
	}

	lists := Lists{Excludes: util.MergeAndDeduplicate(common, remoteExcludes)}

	if f.remote.IncrementalPath == "" {
		return lists, nil
	}
	incremental, ok, err := f.fetchList(ctx, target, f.remote.IncrementalPath, filepath.Join(scratchDir, incrementalScratchName))
	if err != nil {
		return Lists{}, err
	}
	if !ok {
		plog.Info("No incremental list on remote host, running in simple mode", "host", target.Host)
		return lists, nil
	}
	// Non-nil even when the file is empty: presence toggles the mode.
	if incremental == nil {
		incremental = []string{}
	}
	lists.Incremental = incremental
	return lists, nil
}

// fetchList performs the delete-then-copy sequence for one list file.
// The local copy is deleted first so a leftover file from a previous
// run can never masquerade as a fresh fetch. A failed copy is reported
// via ok=false; only local filesystem trouble is an error.
func (f *Fetcher) fetchList(ctx context.Context, target config.Target, remotePath, localPath string) (patterns []string, ok bool, err error) {
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to remove stale list file %s: %w", localPath, err)
	}

	if err := f.copier.Fetch(ctx, target, remotePath, localPath); err != nil {
		plog.Debug("List fetch failed", "host", target.Host, "remote_path", remotePath, "error", err)
	}

	// The copy primitive's exit status is unreliable across
	// implementations; the destination file is the source of truth.
	if _, err := os.Stat(localPath); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to stat fetched list %s: %w", localPath, err)
	}

	patterns, err = readPatternFile(localPath)
	if err != nil {
		return nil, false, err
	}
	return patterns, true, nil
}

// readPatternFile reads a newline-delimited pattern list. Blank lines
// and '#' comments are skipped.
func readPatternFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pattern file %s: %w", path, err)
	}
	return patterns, nil
}
