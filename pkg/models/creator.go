package models

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Source identifies where a template creator publishes from.
type Source string

const (
	SourceNPM    Source = "npm"
	SourceGitHub Source = "github"
	SourceGit    Source = "git"
	SourceLocal  Source = "local"
)

// Sources lists every supported source in display order.
var Sources = []Source{SourceNPM, SourceGitHub, SourceGit, SourceLocal}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceNPM, SourceGitHub, SourceGit, SourceLocal:
		return true
	}
	return false
}

// Creator is the closed set of template creator identities. Only the types in
// this package implement it.
type Creator interface {
	Source() Source
	// Identifier is the normalized source-specific name (package name,
	// owner/repo, repository URL or local path marker).
	Identifier() string
	// ID is the unique key "source:identifier".
	ID() string
	isCreator()
}

// NPMCreator is an npm package, optionally scoped.
type NPMCreator struct {
	Scope   string // without the leading "@"
	Package string
}

func (c NPMCreator) Source() Source { return SourceNPM }
func (c NPMCreator) Identifier() string {
	if c.Scope != "" {
		return "@" + c.Scope + "/" + c.Package
	}
	return c.Package
}
func (c NPMCreator) ID() string { return creatorID(c) }
func (NPMCreator) isCreator()   {}

// GitHubCreator is a GitHub repository.
type GitHubCreator struct {
	Owner string
	Repo  string
}

func (c GitHubCreator) Source() Source     { return SourceGitHub }
func (c GitHubCreator) Identifier() string { return c.Owner + "/" + c.Repo }
func (c GitHubCreator) ID() string         { return creatorID(c) }
func (GitHubCreator) isCreator()           {}

// GitCreator is any other git remote, keyed by its normalized URL.
type GitCreator struct {
	URL string
}

func (c GitCreator) Source() Source     { return SourceGit }
func (c GitCreator) Identifier() string { return c.URL }
func (c GitCreator) ID() string         { return creatorID(c) }
func (GitCreator) isCreator()           {}

// LocalCreator is a template on the local filesystem.
type LocalCreator struct {
	Path string
}

func (c LocalCreator) Source() Source     { return SourceLocal }
func (c LocalCreator) Identifier() string { return c.Path }
func (c LocalCreator) ID() string         { return creatorID(c) }
func (LocalCreator) isCreator()           {}

func creatorID(c Creator) string {
	return string(c.Source()) + ":" + c.Identifier()
}

var (
	npmNameRe    = regexp.MustCompile(`^[a-z0-9~-][a-z0-9._~-]*$`)
	ghOwnerRe    = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,38})$`)
	ghRepoRe     = regexp.MustCompile(`^[a-z0-9._-]{1,100}$`)
	scpLikeGitRe = regexp.MustCompile(`^([a-z0-9_.-]+@)?([a-z0-9.-]+):([^/].*)$`)
	gitHostRe    = regexp.MustCompile(`^[a-z0-9-]+(\.[a-z0-9-]+)+$`)
)

const maxNPMNameLen = 214

// NewCreator builds a Creator from an explicit source and identifier.
func NewCreator(source Source, identifier string) (Creator, error) {
	if !source.Valid() {
		return nil, invalidCreator(string(source)+":"+identifier, "unknown source %q", source)
	}
	return ParseCreatorID(string(source) + ":" + identifier)
}

// ParseCreatorID strictly parses a "source:identifier" key. Identifiers are
// case-folded; the result's ID() is the canonical key.
func ParseCreatorID(id string) (Creator, error) {
	raw := strings.TrimSpace(id)
	src, ident, ok := strings.Cut(raw, ":")
	if !ok || ident == "" {
		return nil, invalidCreator(id, "expected source:identifier")
	}
	switch Source(strings.ToLower(src)) {
	case SourceNPM:
		return parseNPM(id, ident)
	case SourceGitHub:
		return parseGitHubPath(id, ident)
	case SourceGit:
		return parseGitURL(id, ident)
	case SourceLocal:
		return parseLocal(id, ident)
	default:
		return nil, invalidCreator(id, "unknown source %q", src)
	}
}

// ParseCreator detects the creator type from the loosely formatted strings
// discovery layers hand us: "npm:pkg", "@scope/pkg", "owner/repo",
// GitHub URLs, scp-style git remotes, "./relative" and "/absolute" paths.
func ParseCreator(raw string) (Creator, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, invalidCreator(raw, "empty creator")
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "git://") {
		for _, src := range Sources {
			if strings.HasPrefix(lower, string(src)+":") {
				return ParseCreatorID(s)
			}
		}
	}

	switch {
	case strings.HasPrefix(s, "./"), strings.HasPrefix(s, "../"), strings.HasPrefix(s, "/"), strings.HasPrefix(s, "~"), filepath.IsAbs(s):
		return parseLocal(raw, s)
	case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "http://"),
		strings.HasPrefix(lower, "ssh://"), strings.HasPrefix(lower, "git://"), strings.HasPrefix(lower, "git+"):
		return parseGitURL(raw, s)
	case strings.HasPrefix(s, "@"):
		return parseNPM(raw, s)
	case scpLikeGitRe.MatchString(lower) && strings.Contains(lower, "@"):
		return parseGitURL(raw, s)
	case strings.Count(s, "/") == 1:
		return parseGitHubPath(raw, s)
	default:
		return parseNPM(raw, s)
	}
}

func parseNPM(raw, ident string) (Creator, error) {
	name := strings.ToLower(strings.TrimSpace(ident))
	if len(name) > maxNPMNameLen {
		return nil, invalidCreator(raw, "npm name longer than %d characters", maxNPMNameLen)
	}
	if strings.HasPrefix(name, "@") {
		scope, pkg, ok := strings.Cut(name[1:], "/")
		if !ok || !npmNameRe.MatchString(scope) || !npmNameRe.MatchString(pkg) {
			return nil, invalidCreator(raw, "malformed scoped npm package")
		}
		return NPMCreator{Scope: scope, Package: pkg}, nil
	}
	if !npmNameRe.MatchString(name) || strings.HasPrefix(name, ".") {
		return nil, invalidCreator(raw, "malformed npm package name")
	}
	return NPMCreator{Package: name}, nil
}

func parseGitHubPath(raw, ident string) (Creator, error) {
	p := strings.ToLower(strings.Trim(strings.TrimSpace(ident), "/"))
	p = strings.TrimSuffix(p, ".git")
	owner, repo, ok := strings.Cut(p, "/")
	if !ok || strings.Contains(repo, "/") {
		return nil, invalidCreator(raw, "expected owner/repo")
	}
	if !ghOwnerRe.MatchString(owner) || strings.HasSuffix(owner, "-") {
		return nil, invalidCreator(raw, "malformed GitHub owner %q", owner)
	}
	if !ghRepoRe.MatchString(repo) || repo == "." || repo == ".." {
		return nil, invalidCreator(raw, "malformed GitHub repository %q", repo)
	}
	return GitHubCreator{Owner: owner, Repo: repo}, nil
}

func parseGitURL(raw, ident string) (Creator, error) {
	s := strings.ToLower(strings.TrimSpace(ident))
	s = strings.TrimPrefix(s, "git+")

	var host, repoPath string
	if m := scpLikeGitRe.FindStringSubmatch(s); m != nil && !strings.Contains(s, "://") {
		host, repoPath = m[2], m[3]
	} else if !strings.Contains(s, "://") {
		// canonical "host/path" form produced by Identifier()
		host, repoPath, _ = strings.Cut(s, "/")
		if !gitHostRe.MatchString(host) {
			return nil, invalidCreator(raw, "malformed git host %q", host)
		}
	} else {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return nil, invalidCreator(raw, "malformed git URL")
		}
		switch u.Scheme {
		case "https", "http", "ssh", "git":
		default:
			return nil, invalidCreator(raw, "unsupported git URL scheme %q", u.Scheme)
		}
		host, repoPath = u.Hostname(), u.Path
	}
	repoPath = strings.TrimSuffix(strings.Trim(path.Clean("/"+repoPath), "/"), ".git")
	if host == "" || repoPath == "" || repoPath == "." {
		return nil, invalidCreator(raw, "git URL has no repository path")
	}
	if host == "github.com" && strings.Count(repoPath, "/") == 1 {
		return parseGitHubPath(raw, repoPath)
	}
	return GitCreator{URL: host + "/" + repoPath}, nil
}

func parseLocal(raw, ident string) (Creator, error) {
	p := strings.TrimSpace(ident)
	if p == "" {
		return nil, invalidCreator(raw, "empty local path")
	}
	if strings.ContainsRune(p, 0) {
		return nil, invalidCreator(raw, "local path contains NUL")
	}
	return LocalCreator{Path: strings.ToLower(filepath.ToSlash(filepath.Clean(p)))}, nil
}

// NormalizeCreatorID parses a creator id and returns its canonical form.
func NormalizeCreatorID(id string) (string, error) {
	c, err := ParseCreatorID(id)
	if err != nil {
		return "", err
	}
	return c.ID(), nil
}

func invalidCreator(raw, format string, args ...any) error {
	return fmt.Errorf("%w: %q: %s", ErrInvalidCreatorID, raw, fmt.Sprintf(format, args...))
}
