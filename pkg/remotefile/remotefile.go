// Package remotefile wraps the external single-file copy primitive
// used to move small control files (exclude lists, run reports)
// between the backup server and the remote host.
package remotefile

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/paulschiretz/pgl-hostbackup/pkg/config"
	"github.com/paulschiretz/pgl-hostbackup/pkg/plog"
)

// Copier copies single files to and from a remote host.
type Copier interface {
	// Fetch copies target:remotePath to localPath. A failed fetch is
	// only reliably observable as "destination file absent"; callers
	// must stat localPath rather than trust a nil error alone.
	Fetch(ctx context.Context, target config.Target, remotePath, localPath string) error
	// Push copies localPath to target:remotePath.
	Push(ctx context.Context, target config.Target, localPath, remotePath string) error
}

// ScpCopier shells out to scp. BatchMode keeps a broken SSH setup from
// hanging the run on a password prompt.
type ScpCopier struct {
	Binary string
}

// Statically assert that *ScpCopier implements the Copier interface.
var _ Copier = (*ScpCopier)(nil)

// NewScpCopier creates an ScpCopier for the configured scp binary.
func NewScpCopier(binary string) *ScpCopier {
	return &ScpCopier{Binary: binary}
}

func (c *ScpCopier) run(ctx context.Context, target config.Target, src, dst string) error {
	args := []string{
		"-q",
		"-o", "BatchMode=yes",
		"-P", strconv.Itoa(target.Port),
		src,
		dst,
	}
	plog.Debug("Running copy primitive", "binary", c.Binary, "src", src, "dst", dst)

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s -> %s failed: %w (%s)", c.Binary, src, dst, err, string(out))
	}
	return nil
}

// Fetch copies a remote file to the local filesystem.
func (c *ScpCopier) Fetch(ctx context.Context, target config.Target, remotePath, localPath string) error {
	return c.run(ctx, target, target.Addr(remotePath), localPath)
}

// Push copies a local file to the remote host.
func (c *ScpCopier) Push(ctx context.Context, target config.Target, localPath, remotePath string) error {
	return c.run(ctx, target, localPath, target.Addr(remotePath))
}
