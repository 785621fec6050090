// Package archive compresses a snapshot directory into a single
// tar.zst or tar.gz file before the rotation policy removes it.
package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-hostbackup/pkg/util"
)

// Format selects the compression container.
type Format int

const (
	TarZst Format = iota
	TarGz
)

// Ext returns the file extension for the format, including the "tar".
func (f Format) Ext() string {
	if f == TarGz {
		return ".tar.gz"
	}
	return ".tar.zst"
}

// ParseFormat maps a config value to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "tar.zst":
		return TarZst, nil
	case "tar.gz":
		return TarGz, nil
	default:
		return 0, fmt.Errorf("unknown archive format %q", s)
	}
}

// Compress writes srcDir into absArchiveFilePath. The archive is
// written to a temp file in the destination directory first and moved
// into place with an atomic rename, so a crash never leaves a partial
// archive under the final name.
func Compress(ctx context.Context, srcDir, absArchiveFilePath string, format Format) (retErr error) {
	if err := os.MkdirAll(filepath.Dir(absArchiveFilePath), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	trgF, err := os.CreateTemp(filepath.Dir(absArchiveFilePath), "pgl-hostbackup-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempTrgPath := trgF.Name()

	// Ensure cleanup on error
	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempTrgPath)
		}
	}()

	if err := writeArchive(ctx, srcDir, trgF, format); err != nil {
		return err
	}

	if err := trgF.Close(); err != nil {
		return fmt.Errorf("failed to close temp archive: %w", err)
	}

	if err := os.Rename(tempTrgPath, absArchiveFilePath); err != nil {
		return fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	return nil
}

func writeArchive(ctx context.Context, srcDir string, w io.Writer, format Format) (retErr error) {
	bufWriter := bufio.NewWriterSize(w, 256*1024)

	var compressedWriter io.WriteCloser
	if format == TarZst {
		zstdWriter, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zstdWriter
	} else {
		pgzipWriter, err := pgzip.NewWriterLevel(bufWriter, pgzip.DefaultCompression)
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		compressedWriter = pgzipWriter
	}

	tw := tar.NewWriter(compressedWriter)

	// Close order matters: tar, then the compressor, then the buffer.
	defer func() {
		if err := tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	return filepath.WalkDir(srcDir, func(absSrcPath string, d os.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info for %s: %w", absSrcPath, err)
		}

		relPathKey, err := filepath.Rel(srcDir, absSrcPath)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", absSrcPath, err)
		}
		relPathKey = util.NormalizePath(relPathKey)

		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(absSrcPath)
			if err != nil {
				return fmt.Errorf("failed to read link %s: %w", absSrcPath, err)
			}
			header, err := tar.FileInfoHeader(info, linkTarget)
			if err != nil {
				return fmt.Errorf("failed to create tar header for %s: %w", relPathKey, err)
			}
			header.Name = relPathKey
			return tw.WriteHeader(header)
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header for %s: %w", relPathKey, err)
		}
		header.Name = relPathKey
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", relPathKey, err)
		}

		f, err := os.Open(absSrcPath)
		if err != nil {
			return fmt.Errorf("failed to open file %s: %w", absSrcPath, err)
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("failed to archive file %s: %w", relPathKey, err)
		}
		return nil
	})
}
