// Package lockfile provides per-host run coordination through a marker
// file in the host's backup directory.
//
// The lock is a plain existence marker: whoever creates the file first
// owns the run, and a second invocation for the same host backs off.
// There is deliberately no liveness check and no heartbeat. A crashed
// run leaves its lock behind and blocks further runs for that host
// until an operator removes the file; this keeps the coordination
// protocol trivially auditable on disk. The Locker interface exists so
// a liveness-aware implementation can be swapped in without touching
// callers.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-hostbackup/pkg/plog"
	"github.com/paulschiretz/pgl-hostbackup/pkg/util"
)

// LockFileName is the name of the lock file created in the host directory.
// The '~' prefix marks it as temporary.
const LockFileName = ".~pgl-hostbackup.lock"

// LockContent is the forensic payload written into the lock file. It is
// never used to decide ownership, only to tell an operator who held a
// leftover lock.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// ErrLockActive is a structured error returned when a lock is already
// held by another run.
type ErrLockActive struct {
	Path    string
	Content LockContent
}

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	if e.Content.PID == 0 {
		return fmt.Sprintf("lock %s is active", e.Path)
	}
	return fmt.Sprintf("lock %s is active, held by PID %d on host '%s' since %s",
		e.Path, e.Content.PID, e.Content.Hostname, e.Content.AcquiredAt.Format(time.RFC3339))
}

// Lock is a held lock that must be released at the end of the run.
type Lock interface {
	// Release deletes the lock unconditionally. Safe to call twice.
	Release()
}

// Locker acquires a lock for one host directory.
type Locker interface {
	// Acquire returns (nil, *ErrLockActive) if another run holds the
	// lock, and (nil, error) for any other failure.
	Acquire(dirPath string) (Lock, error)
}

// Marker is the existence-marker Locker.
type Marker struct{}

// Statically assert that Marker implements the Locker interface.
var _ Locker = Marker{}

// Acquire attempts atomic creation using O_EXCL to guarantee "I created
// this file first". There is no retry: a lost race means another run is
// active.
func (Marker) Acquire(dirPath string) (Lock, error) {
	absLockFilePath := filepath.Join(dirPath, LockFileName)

	f, err := os.OpenFile(absLockFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		if os.IsExist(err) {
			return nil, &ErrLockActive{Path: absLockFilePath, Content: readLockContent(absLockFilePath)}
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	content := LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
	}

	// The content is informational only; a write failure does not
	// invalidate the lock we just created.
	if data, err := json.MarshalIndent(content, "", "  "); err == nil {
		if _, err := f.Write(data); err != nil {
			plog.Warn("Failed to write lock file content", "path", absLockFilePath, "error", err)
		}
	}

	plog.Debug("Lock acquired", "path", absLockFilePath)
	return &markerLock{path: absLockFilePath}, nil
}

type markerLock struct {
	path     string
	released bool
}

// Release removes the lock file. A missing file is fine; it means a
// previous Release already ran.
func (l *markerLock) Release() {
	if l.released {
		return
	}
	l.released = true
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

// readLockContent best-effort parses an existing lock file for the
// ErrLockActive message. A corrupt or empty file yields a zero value.
func readLockContent(absLockFilePath string) LockContent {
	var content LockContent
	data, err := os.ReadFile(absLockFilePath)
	if err != nil {
		return content
	}
	if err := json.Unmarshal(data, &content); err != nil {
		return LockContent{}
	}
	return content
}
