// Package repository wraps a single source-control working copy: it
// discovers repo metadata, serves the read-side fetches the poller and
// router need (§4.C), and tracks the merge-conflict state machine
// (§4.C.4). One Repository exists per reference-counted cache entry in
// internal/reposcache.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/islserver/server/internal/subproc"
)

// Discovery errors, surfaced to the router as repoInfo{error} per §7.
var (
	ErrInvalidCommand    = errors.New("repository: source-control command not found or not executable")
	ErrCwdDoesNotExist   = errors.New("repository: working directory does not exist")
	ErrCwdNotARepository = errors.New("repository: not inside a repository")
	ErrNoCommitsFetched  = errors.New("repository: smartlog fetch returned no commits")
)

// Emitter delivers the begin/change events §4.C.3 describes for every
// fetch kind. A nil Emitter is valid — events are simply dropped, which
// is convenient for discovery-only callers and tests.
type Emitter interface {
	EmitBegin(kind string)
	EmitChange(kind string, value interface{}, err error)
}

// RepoInfo is the result of Repository.GetRepoInfo (§4.C.1).
type RepoInfo struct {
	Root                   string
	Dotdir                 string
	CodeReviewSystem       CodeReviewInfo
	PullRequestDomain      string
	PreferredSubmitCommand string
	HoldOffRefresh         time.Duration
}

// Repository is safe for concurrent use; every fetch kind is serialized
// against itself via its own mutex (§4.C.3), independent of the others.
type Repository struct {
	Command string // source-control binary, e.g. "sl"
	Dir     string // cwd the command is invoked from

	mu         sync.Mutex
	info       *RepoInfo
	opRunning  bool
	opStarted  time.Time
	holdOff    time.Duration

	conflictMu sync.Mutex
	conflict   MergeConflicts

	fetchLocks struct {
		uncommitted sync.Mutex
		smartlog    sync.Mutex
		conflicts   sync.Mutex
		shelved     sync.Mutex
		commitCloud sync.Mutex
		comparison  sync.Mutex
	}

	emit        Emitter
	readLimiter chan struct{}
}

// New returns a Repository for dir, invoking command (default "sl") for
// every subprocess call. concurrency bounds the shared rate limiter
// §4.C.5 requires for cat/blame/diff fan-out.
func New(command, dir string, concurrency int) *Repository {
	if command == "" {
		command = "sl"
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Repository{
		Command:     command,
		Dir:         dir,
		holdOff:     10 * time.Second,
		readLimiter: make(chan struct{}, concurrency),
	}
}

// SetEmitter wires an event sink; pass nil to silence events.
func (r *Repository) SetEmitter(e Emitter) { r.emit = e }

func (r *Repository) emitBegin(kind string) {
	if r.emit != nil {
		r.emit.EmitBegin(kind)
	}
}

func (r *Repository) emitChange(kind string, value interface{}, err error) {
	if r.emit != nil {
		r.emit.EmitChange(kind, value, err)
	}
}

// GetRepoInfo resolves repo root, dotdir, and the code-review
// classification described in §4.C.1.
func (r *Repository) GetRepoInfo(ctx context.Context) (*RepoInfo, error) {
	root, err := r.resolveRoot(ctx)
	if err != nil {
		return nil, err
	}

	dotdir, err := r.runTrimmed(ctx, "root", "--dotdir")
	if err != nil || dotdir == "" {
		dotdir = filepath.Join(root, ".sl")
	}

	defaultPath, _ := r.configValue(ctx, "paths.default")
	submitCmd, _ := r.configValue(ctx, "github.pr_submit_command")
	prDomain, _ := r.configValue(ctx, "github.pull_request_domain")
	holdOffMS, _ := r.configValue(ctx, "isl.hold-off-refresh-ms")

	holdOff := 10 * time.Second
	if holdOffMS != "" {
		if ms, err := strconv.Atoi(holdOffMS); err == nil && ms >= 0 {
			holdOff = time.Duration(ms) * time.Millisecond
		}
	}

	info := &RepoInfo{
		Root:                   root,
		Dotdir:                 dotdir,
		CodeReviewSystem:       classifyCodeReviewSystem(ctx, defaultPath, probeGitHubCLIAuth),
		PullRequestDomain:      prDomain,
		PreferredSubmitCommand: submitCmd,
		HoldOffRefresh:         holdOff,
	}

	r.mu.Lock()
	r.info = info
	r.holdOff = holdOff
	r.mu.Unlock()
	return info, nil
}

func (r *Repository) resolveRoot(ctx context.Context) (string, error) {
	if _, err := os.Stat(r.Dir); err != nil {
		if os.IsNotExist(err) {
			return "", ErrCwdDoesNotExist
		}
	}

	result, err := subproc.Run(ctx, subproc.Spec{Exe: r.Command, Args: []string{"root"}, Dir: r.Dir})
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "", ErrInvalidCommand
		}
		if result == nil {
			return "", fmt.Errorf("repository: resolving root: %w", err)
		}
	}
	if result == nil || result.ExitCode != 0 {
		return "", ErrCwdNotARepository
	}
	return strings.TrimSpace(string(result.Stdout)), nil
}

func (r *Repository) runTrimmed(ctx context.Context, args ...string) (string, error) {
	result, err := subproc.Run(ctx, subproc.Spec{Exe: r.Command, Dir: r.Dir, Args: args})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(result.Stdout)), nil
}

// configValue reads a single config key, returning "" for both an
// unset key and a transport error — discovery treats every optional
// config as best-effort.
func (r *Repository) configValue(ctx context.Context, key string) (string, error) {
	result, err := subproc.Run(ctx, subproc.Spec{Exe: r.Command, Dir: r.Dir, Args: []string{"config", key}})
	if err != nil || result == nil || result.ExitCode != 0 {
		return "", err
	}
	return strings.TrimSpace(string(result.Stdout)), nil
}

// MarkOperationRunning/MarkOperationFinished bracket an operation queue
// dispatch so InHoldOff can apply §4.C.2's window.
func (r *Repository) MarkOperationRunning() {
	r.mu.Lock()
	r.opRunning = true
	r.opStarted = time.Now()
	r.mu.Unlock()
}

func (r *Repository) MarkOperationFinished() {
	r.mu.Lock()
	r.opRunning = false
	r.mu.Unlock()
}

// InHoldOff reports whether a poll of the given kind should be skipped
// because a mutating operation is still inside its hold-off window.
// "force" always bypasses it.
func (r *Repository) InHoldOff(kind string) bool {
	if kind == "force" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.opRunning {
		return false
	}
	return time.Since(r.opStarted) < r.holdOff
}

func (r *Repository) acquireReadSlot(ctx context.Context) error {
	select {
	case r.readLimiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Repository) releaseReadSlot() {
	<-r.readLimiter
}

var transientStatusPatterns = []string{
	"checkout in progress",
	"working directory is locked",
	"repository is locked",
}

func isTransientStatusError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, p := range transientStatusPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// UncommittedChange is one row of `sl status`, repo-relative.
type UncommittedChange struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// FetchUncommittedChanges runs the status fetch described in §4.C.3. A
// transient "checkout in progress" failure is swallowed: the result is
// neither emitted nor stored, and the next poll retries.
func (r *Repository) FetchUncommittedChanges(ctx context.Context) ([]UncommittedChange, error) {
	r.fetchLocks.uncommitted.Lock()
	defer r.fetchLocks.uncommitted.Unlock()

	r.emitBegin("uncommittedChanges")

	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"status", "--template", "json"},
	})
	// subproc.Run reports a non-zero exit through result.ExitCode with a
	// nil error, so the transient check cannot sit inside the err branch.
	if result != nil && result.ExitCode != 0 && isTransientStatusError(string(result.Stderr)) {
		return nil, nil
	}
	if err != nil {
		r.emitChange("uncommittedChanges", nil, err)
		return nil, err
	}

	var raw []UncommittedChange
	if err := json.Unmarshal(result.Stdout, &raw); err != nil {
		r.emitChange("uncommittedChanges", nil, err)
		return nil, err
	}

	changes := make([]UncommittedChange, len(raw))
	for i, c := range raw {
		changes[i] = UncommittedChange{Path: filepath.ToSlash(c.Path), Status: c.Status}
	}
	r.emitChange("uncommittedChanges", changes, nil)
	return changes, nil
}

// CommitRange selects how far back a smartlog fetch looks, per §4.C.3's
// visibleCommitRanges cursor.
type CommitRange int

const (
	RangeDefault CommitRange = iota
	RangeWider
	RangeUnlimited
)

func revsetForRange(cr CommitRange) string {
	switch cr {
	case RangeWider:
		return "smartlog(recentdays=14)"
	case RangeUnlimited:
		return "smartlog(recentdays=100000)"
	default:
		return "smartlog()"
	}
}

const (
	recordSep = "\x1e" // ASCII record separator
	fieldSep  = "\x1f" // ASCII unit separator
)

// smartlogTemplate renders one record per commit; description is last
// and is the only field allowed to contain newlines.
var smartlogTemplate = strings.Join([]string{
	"{node}", "{desc|firstline}", "{author}", "{date|isodate}",
	"{bookmarks % '{bookmark} '}", "{phase}", "{desc}",
}, fieldSep) + recordSep

// SmartlogCommit is one row of the rendered smartlog template.
type SmartlogCommit struct {
	Hash        string   `json:"hash"`
	Title       string   `json:"title"`
	Author      string   `json:"author"`
	Date        string   `json:"date"`
	Bookmarks   []string `json:"bookmarks"`
	Phase       string   `json:"phase"`
	Description string   `json:"description"`
}

// FetchSmartlogCommits runs the templated log fetch described in
// §4.C.3. An empty result is ErrNoCommitsFetched.
func (r *Repository) FetchSmartlogCommits(ctx context.Context, cr CommitRange) ([]SmartlogCommit, error) {
	r.fetchLocks.smartlog.Lock()
	defer r.fetchLocks.smartlog.Unlock()

	r.emitBegin("smartlogCommits")

	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"log", "--template", smartlogTemplate, "-r", revsetForRange(cr)},
	})
	if err != nil {
		r.emitChange("smartlogCommits", nil, err)
		return nil, err
	}

	commits, err := parseSmartlogOutput(string(result.Stdout))
	if err != nil {
		r.emitChange("smartlogCommits", nil, err)
		return nil, err
	}
	if len(commits) == 0 {
		r.emitChange("smartlogCommits", nil, ErrNoCommitsFetched)
		return nil, ErrNoCommitsFetched
	}
	r.emitChange("smartlogCommits", commits, nil)
	return commits, nil
}

func parseSmartlogOutput(raw string) ([]SmartlogCommit, error) {
	raw = strings.TrimSuffix(raw, recordSep)
	if raw == "" {
		return nil, nil
	}

	records := strings.Split(raw, recordSep)
	commits := make([]SmartlogCommit, 0, len(records))
	for _, rec := range records {
		if rec == "" {
			continue
		}
		fields := strings.SplitN(rec, fieldSep, 7)
		if len(fields) < 7 {
			return nil, fmt.Errorf("repository: malformed smartlog record: %q", rec)
		}
		var bookmarks []string
		if trimmed := strings.TrimSpace(fields[4]); trimmed != "" {
			bookmarks = strings.Fields(trimmed)
		}
		commits = append(commits, SmartlogCommit{
			Hash:        fields[0],
			Title:       fields[1],
			Author:      fields[2],
			Date:        fields[3],
			Bookmarks:   bookmarks,
			Phase:       fields[5],
			Description: fields[6],
		})
	}
	return commits, nil
}
