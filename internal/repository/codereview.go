package repository

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/islserver/server/internal/subproc"
)

// CodeReviewSystem is the discriminant of CodeReviewInfo, classifying a
// repo's `paths.default` remote per §4.C.1's "GitHub/Phabricator/
// none/unknown" rule.
type CodeReviewSystem string

const (
	CodeReviewGitHub       CodeReviewSystem = "github"
	CodeReviewGHEnterprise CodeReviewSystem = "githubEnterprise"
	CodeReviewPhabricator  CodeReviewSystem = "phabricator"
	CodeReviewNone         CodeReviewSystem = "none"
	CodeReviewUnknown      CodeReviewSystem = "unknown"
)

// CodeReviewInfo is the discriminated union spec.md §3 names:
// `github{owner,repo,hostname} | phabricator{repo} | none |
// unknown{path}`. Go has no tagged unions, so this flattens every
// variant's payload onto one JSON-friendly struct keyed by Kind; a
// field outside the active variant is always left zero rather than
// populated and ignored.
type CodeReviewInfo struct {
	Kind     CodeReviewSystem `json:"kind"`
	Owner    string           `json:"owner,omitempty"`
	Repo     string           `json:"repo,omitempty"`
	Hostname string           `json:"hostname,omitempty"`
	Path     string           `json:"path,omitempty"`
}

// remoteURLPattern accepts every variant listed in spec.md §6:
// https://host/owner/repo(.git)?, host/owner/repo.git,
// git@host:owner/repo.git, ssh://git@host/owner/repo.git, and
// git+ssh://git@host:owner/repo.git. Repo names may contain dots.
var remoteURLPattern = regexp.MustCompile(
	`^(?:(?:https?|ssh|git\+ssh)://)?(?:[\w.-]+@)?([a-zA-Z0-9.-]+)[:/]([\w.-]+)/([\w.-]+?)(?:\.git)?/?$`,
)

func parseRemoteURL(raw string) (host, owner, repo string, ok bool) {
	m := remoteURLPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

// ghHostCache memoizes the GitHub CLI auth probe per hostname, since
// §4.C.1 requires GHE classification not repeat the probe on every
// discovery call.
var ghHostCache = struct {
	mu sync.Mutex
	m  map[string]bool
}{m: make(map[string]bool)}

type ghAuthProber func(ctx context.Context, host string) (bool, error)

func classifyCodeReviewSystem(ctx context.Context, remoteURL string, probe ghAuthProber) CodeReviewInfo {
	if remoteURL == "" {
		return CodeReviewInfo{Kind: CodeReviewNone}
	}
	host, owner, repo, ok := parseRemoteURL(remoteURL)
	if !ok {
		return CodeReviewInfo{Kind: CodeReviewUnknown, Path: remoteURL}
	}
	host = strings.ToLower(host)

	if host == "github.com" {
		return CodeReviewInfo{Kind: CodeReviewGitHub, Owner: owner, Repo: repo, Hostname: host}
	}
	if strings.Contains(host, "phabricator") {
		return CodeReviewInfo{Kind: CodeReviewPhabricator, Repo: repo}
	}

	ghHostCache.mu.Lock()
	authed, cached := ghHostCache.m[host]
	ghHostCache.mu.Unlock()
	if !cached {
		var err error
		authed, err = probe(ctx, host)
		if err != nil {
			return CodeReviewInfo{Kind: CodeReviewUnknown, Path: remoteURL}
		}
		ghHostCache.mu.Lock()
		ghHostCache.m[host] = authed
		ghHostCache.mu.Unlock()
	}
	if authed {
		return CodeReviewInfo{Kind: CodeReviewGHEnterprise, Owner: owner, Repo: repo, Hostname: host}
	}
	return CodeReviewInfo{Kind: CodeReviewUnknown, Path: remoteURL}
}

// probeGitHubCLIAuth shells out to `gh auth status` for host, the same
// probe §4.C.1 describes for distinguishing GHE from an arbitrary
// unknown git host.
func probeGitHubCLIAuth(ctx context.Context, host string) (bool, error) {
	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  "gh",
		Args: []string{"auth", "status", "--hostname", host},
	})
	if err != nil {
		if result == nil {
			return false, nil // gh not installed: treat as unauthenticated, not a hard error
		}
		return false, nil
	}
	return result.ExitCode == 0, nil
}
