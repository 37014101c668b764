package registry

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidRepoURL indicates the clone URL could not be parsed
var ErrInvalidRepoURL = errors.New("invalid repository URL")

var (
	// Matches: git@github.com:org/repo.git or git@host:group/sub/repo.git
	sshScpPattern = regexp.MustCompile(`^git@([^:]+):(.+?)(?:\.git)?$`)

	// Matches: ssh://git@github.com/org/repo.git
	sshURLPattern = regexp.MustCompile(`^ssh://git@([^/]+)/(.+?)(?:\.git)?$`)

	// Matches: https://github.com/org/repo.git or http://host/path/repo
	httpURLPattern = regexp.MustCompile(`^https?://([^/]+)/(.+?)(?:\.git)?/?$`)
)

// ParseRepoURL parses a clone URL and returns its host, path and
// repository name. SCP-style SSH, ssh:// and http(s):// URLs are accepted.
func ParseRepoURL(url string) (host, path, name string, err error) {
	url = strings.TrimSpace(url)

	for _, pattern := range []*regexp.Regexp{sshScpPattern, sshURLPattern, httpURLPattern} {
		if matches := pattern.FindStringSubmatch(url); matches != nil {
			host = matches[1]
			path = matches[2]
			return host, path, lastSegment(path), nil
		}
	}

	return "", "", "", ErrInvalidRepoURL
}

// RepoNameFromURL returns the short repository name used for lookup,
// e.g. "demo" for git@example.com:org/demo.git. Falls back to a
// sanitized form of the whole URL when parsing fails.
func RepoNameFromURL(url string) string {
	_, _, name, err := ParseRepoURL(url)
	if err != nil {
		// Local filesystem paths clone too; use the base name.
		return sanitizeName(lastSegment(strings.TrimSuffix(strings.TrimSpace(url), ".git")))
	}
	return name
}

// DirNameFor returns the filesystem directory name for a repository.
func DirNameFor(name string) string {
	return sanitizeName(name) + ".git"
}

func lastSegment(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	return parts[len(parts)-1]
}

// sanitizeName converts a string to a filesystem-safe name.
func sanitizeName(s string) string {
	s = strings.TrimPrefix(s, "ssh://")
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "git@")
	s = strings.TrimSuffix(s, ".git")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, "@", "_")
	return s
}
