package pipeline

import (
	"path"
	"strings"

	"github.com/paulschiretz/pgl-hostbackup/pkg/util"
)

// MatchesAny reports whether relPath (slash-separated, relative to the
// mirrored root) is covered by any of the patterns. The rules mirror
// how patterns are written in host exclude lists:
//
//   - a pattern containing a slash is anchored at the root: it must
//     glob the full relative path or name one of its parent
//     directories ("var/cache" covers "var/cache/apt/archives.bin");
//   - a pattern without a slash applies to any single path component
//     ("*.iso" covers "srv/images/disk.iso", "tmp" covers everything
//     under any directory called tmp).
func MatchesAny(patterns []string, relPath string) bool {
	relPath = strings.Trim(util.NormalizePath(relPath), "/")
	if relPath == "" {
		return false
	}
	segments := strings.Split(relPath, "/")

	for _, pattern := range patterns {
		pattern = strings.Trim(util.NormalizePath(pattern), "/")
		if pattern == "" {
			continue
		}

		if strings.Contains(pattern, "/") {
			if matchAnchored(pattern, relPath) {
				return true
			}
			continue
		}

		for _, segment := range segments {
			// A malformed glob never matches; path.Match only errors on
			// bad patterns, which validation upstream tolerates.
			if ok, _ := path.Match(pattern, segment); ok {
				return true
			}
		}
	}
	return false
}

// matchAnchored checks a root-anchored pattern against the full
// relative path and each of its parent prefixes.
func matchAnchored(pattern, relPath string) bool {
	if ok, _ := path.Match(pattern, relPath); ok {
		return true
	}
	prefix := relPath
	for {
		idx := strings.LastIndex(prefix, "/")
		if idx < 0 {
			return false
		}
		prefix = prefix[:idx]
		if ok, _ := path.Match(pattern, prefix); ok {
			return true
		}
	}
}
