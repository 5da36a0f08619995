// Package poller implements the adaptive-cadence watch-for-changes
// loop described in spec.md §4.F: a base interval that shortens when a
// page is focused or visible, an external-watcher fast path that
// resets the base timer on every reported change, focus-gained
// debouncing, and a force path that bypasses both cadence and the
// repository's hold-off window.
package poller

import (
	"context"
	"sync"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/islserver/server/internal/config"
	"github.com/islserver/server/internal/repository"
)

// FocusState is one page's visibility, as reported by the client.
type FocusState int

const (
	FocusHidden FocusState = iota
	FocusVisible
	FocusFocused
)

// PollKind distinguishes why a poll happened, passed through to
// OnChange so callers can tell a watcher-driven refresh from a forced
// one.
type PollKind string

const (
	PollRegular PollKind = "regular"
	PollForce   PollKind = "force"
	PollWatcher PollKind = "watcher"
)

// FetchKind names what a poll should refresh.
type FetchKind string

const (
	FetchUncommitted FetchKind = "uncommittedChanges"
	FetchCommits     FetchKind = "commits"
	FetchConflicts   FetchKind = "mergeConflicts"
	FetchEverything  FetchKind = "everything"
)

// OnChange is invoked once per poll decision; kind is what to refresh,
// pollKind is why.
type OnChange func(kind FetchKind, pollKind PollKind)

type pollRequest struct {
	kind          FetchKind
	pollKind      PollKind
	bypassHoldOff bool
}

// Poller drives one repository's refresh cadence. Safe for concurrent
// use: SetFocus and NotifyWatcherChange may be called from any
// goroutine while Run is in progress.
type Poller struct {
	cfg  config.PollerConfig
	repo *repository.Repository
	onChange OnChange

	ignorePatterns *ignore.GitIgnore

	mu             sync.Mutex
	pages          map[string]FocusState
	lastFocusPoll  time.Time
	watcherHealthy bool

	requestCh chan pollRequest
}

// New returns a Poller for repo. cfg.IgnorePatternFile, if set, is
// compiled once; a missing or invalid file just disables filtering
// rather than failing construction — the poller is not the place to
// surface an ignore-file typo.
func New(cfg config.PollerConfig, repo *repository.Repository, onChange OnChange) *Poller {
	p := &Poller{
		cfg:       cfg,
		repo:      repo,
		onChange:  onChange,
		pages:     make(map[string]FocusState),
		requestCh: make(chan pollRequest, 8),
	}
	if cfg.IgnorePatternFile != "" {
		if gi, err := ignore.CompileIgnoreFile(cfg.IgnorePatternFile); err == nil {
			p.ignorePatterns = gi
		}
	}
	return p
}

// Run drives the poll loop until ctx is cancelled. The first event is
// always an "everything" poll, per §4.F's subscription contract.
func (p *Poller) Run(ctx context.Context) {
	p.emit(FetchEverything, PollRegular)

	ticker := time.NewTicker(p.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.requestCh:
			if !req.bypassHoldOff && p.repo.InHoldOff(string(req.pollKind)) {
				continue
			}
			p.emit(req.kind, req.pollKind)
			ticker.Reset(p.currentInterval())
		case <-ticker.C:
			if p.repo.InHoldOff(string(PollRegular)) {
				continue
			}
			p.emit(FetchEverything, PollRegular)
			ticker.Reset(p.currentInterval())
		}
	}
}

// Force triggers an immediate poll that ignores both cadence and the
// hold-off window ("force" is always exempt, per §4.C.2).
func (p *Poller) Force() {
	p.requestPoll(FetchEverything, PollForce, true)
}

// SetFocus records pageID's visibility. A transition into focused
// triggers an immediate poll, throttled to at most once per
// FocusSpamWindow so rapid focus churn doesn't double-poll.
func (p *Poller) SetFocus(pageID string, state FocusState) {
	p.mu.Lock()
	prev, existed := p.pages[pageID]
	p.pages[pageID] = state
	gained := state == FocusFocused && (!existed || prev != FocusFocused)

	var shouldPoll bool
	if gained {
		now := time.Now()
		if now.Sub(p.lastFocusPoll) >= p.cfg.FocusSpamWindow.Duration() {
			shouldPoll = true
			p.lastFocusPoll = now
		}
	}
	p.mu.Unlock()

	if shouldPoll {
		p.requestPoll(FetchEverything, PollRegular, false)
	}
}

// DropFocus removes pageID from tracking, e.g. when its connection
// closes.
func (p *Poller) DropFocus(pageID string) {
	p.mu.Lock()
	delete(p.pages, pageID)
	p.mu.Unlock()
}

// NotifyWatcherChange reports an external-watcher change event for
// kind, affecting the given paths. A batch where every path matches
// the ignore patterns is dropped entirely; otherwise the watcher is
// marked healthy (extending the base interval) and a poll is
// requested.
func (p *Poller) NotifyWatcherChange(kind FetchKind, paths []string) {
	if p.allPathsIgnored(paths) {
		return
	}
	p.mu.Lock()
	p.watcherHealthy = true
	p.mu.Unlock()
	p.requestPoll(kind, PollWatcher, false)
}

func (p *Poller) requestPoll(kind FetchKind, pollKind PollKind, bypassHoldOff bool) {
	select {
	case p.requestCh <- pollRequest{kind: kind, pollKind: pollKind, bypassHoldOff: bypassHoldOff}:
	default:
		// a refresh is already queued; polling is idempotent so
		// dropping this redundant request is safe
	}
}

func (p *Poller) emit(kind FetchKind, pollKind PollKind) {
	if p.onChange != nil {
		p.onChange(kind, pollKind)
	}
}

func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	anyFocused, anyVisible := false, false
	for _, s := range p.pages {
		switch s {
		case FocusFocused:
			anyFocused = true
		case FocusVisible:
			anyVisible = true
		}
	}

	switch {
	case anyFocused:
		return p.cfg.FocusedInterval.Duration()
	case anyVisible:
		return p.cfg.VisibleInterval.Duration()
	case p.watcherHealthy:
		return p.cfg.HiddenInterval.Duration() * 3 // externally-driven: base interval extended
	default:
		return p.cfg.HiddenInterval.Duration()
	}
}

// allPathsIgnored reports whether every path in paths matches the
// compiled ignore patterns — mirrors the teacher's
// filesMatchIgnorePatterns: an empty batch or a nil matcher never
// counts as fully ignored.
func (p *Poller) allPathsIgnored(paths []string) bool {
	if p.ignorePatterns == nil || len(paths) == 0 {
		return false
	}
	for _, path := range paths {
		if !p.ignorePatterns.MatchesPath(path) {
			return false
		}
	}
	return true
}
