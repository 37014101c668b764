package rules

import (
	"path"
	"strings"
)

// MatchPattern matches a repository path against a mapping pattern.
// Supports ** for directory depth and * within a single segment. Paths
// are relative to the repository root with forward slashes.
func MatchPattern(pattern, relPath string) bool {
	relPath = strings.Trim(relPath, "/")

	// **/rest matches rest at the root or at any directory depth.
	if strings.HasPrefix(pattern, "**/") {
		rest := pattern[3:]
		if matchSegments(rest, relPath) {
			return true
		}
		parts := strings.Split(relPath, "/")
		for i := 1; i < len(parts); i++ {
			if matchSegments(rest, strings.Join(parts[i:], "/")) {
				return true
			}
		}
		return false
	}

	// dir/** matches everything under dir.
	if strings.HasSuffix(pattern, "/**") {
		dir := pattern[:len(pattern)-3]
		return relPath == dir || strings.HasPrefix(relPath, dir+"/")
	}

	return matchSegments(pattern, relPath)
}

// matchSegments matches a **-free pattern segment-by-segment.
func matchSegments(pattern, relPath string) bool {
	matched, err := path.Match(pattern, relPath)
	return err == nil && matched
}
