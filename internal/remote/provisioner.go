package remote

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
)

// Segments splits an absolute remote path into its root-to-leaf prefixes.
// "/a/b/c" yields ["/a", "/a/b", "/a/b/c"].
func Segments(p string) []string {
	var prefixes []string
	current := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		current = current + "/" + part
		prefixes = append(prefixes, current)
	}
	return prefixes
}

// Clean normalizes a remote path to an absolute slash path without a trailing slash.
func Clean(p string) string {
	cleaned := path.Clean("/" + strings.TrimSpace(p))
	if cleaned == "." {
		return "/"
	}
	return cleaned
}

// EnsurePath makes sure every folder along p exists, creating missing segments.
// A lookup failure other than "not found" aborts without creating anything further.
func EnsurePath(ctx context.Context, b Backend, p string, debug bool) (bool, error) {
	for _, prefix := range Segments(Clean(p)) {
		meta, found, err := b.Stat(ctx, prefix)
		if err != nil {
			return false, fmt.Errorf("lookup %s: %w", prefix, err)
		}
		if found {
			if !meta.IsFolder() {
				return false, fmt.Errorf("lookup %s: path exists and is not a folder", prefix)
			}
			if debug {
				log.Info().Str("path", prefix).Msg("remote folder exists")
			}
			continue
		}
		if err := b.CreateFolder(ctx, prefix); err != nil {
			return false, fmt.Errorf("create folder %s: %w", prefix, err)
		}
		log.Info().Str("path", prefix).Msg("created remote folder")
	}
	return true, nil
}
