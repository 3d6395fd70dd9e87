package workflow

import (
	"path"
	"path/filepath"
	"strings"
)

// MatchPath reports whether a slash-separated repository path matches a
// filter pattern. `**` matches any number of path segments (including none);
// `*`, `?` and character classes match within a single segment.
func MatchPath(pattern, name string) bool {
	pattern = strings.Trim(filepath.ToSlash(strings.TrimSpace(pattern)), "/")
	name = strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
	if pattern == "" || name == "" {
		return false
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, segments []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(segments); i++ {
				if matchSegments(rest, segments[i:]) {
					return true
				}
			}
			return false
		}
		if len(segments) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], segments[0])
		if err != nil || !ok {
			return false
		}
		pattern, segments = pattern[1:], segments[1:]
	}
	return len(segments) == 0
}

// MatchAny reports whether name matches at least one pattern.
func MatchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if MatchPath(pattern, name) {
			return true
		}
	}
	return false
}
