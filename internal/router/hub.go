package router

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/islserver/server/internal/config"
	"github.com/islserver/server/internal/poller"
	"github.com/islserver/server/internal/repository"
)

// fetchEvent is one begin/change notification forwarded from a
// Repository's Emitter callbacks.
type fetchEvent struct {
	kind  string
	begin bool
	value interface{}
	err   error
}

// repoHub fans one Repository's fetch events out to every subscribed
// Connection. Grounded on the SSEHub pattern (an id-keyed client map
// guarded by one mutex, broadcast via a non-blocking send that drops
// and evicts a slow consumer rather than blocking the repository's
// single emitting goroutine): §5 requires cross-repo independence but
// says nothing about a slow WebSocket write stalling a fetch, so the
// hub must never let a listener's backpressure propagate upstream.
type repoHub struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]chan fetchEvent
	last      map[string]fetchEvent

	poller *poller.Poller
	cancel context.CancelFunc
}

func newRepoHub() *repoHub {
	return &repoHub{listeners: make(map[int]chan fetchEvent), last: make(map[string]fetchEvent)}
}

// EmitBegin and EmitChange satisfy repository.Emitter.
func (h *repoHub) EmitBegin(kind string) {
	h.broadcast(fetchEvent{kind: kind, begin: true})
}

func (h *repoHub) EmitChange(kind string, value interface{}, err error) {
	ev := fetchEvent{kind: kind, value: value, err: err}
	h.mu.Lock()
	h.last[kind] = ev
	h.mu.Unlock()
	h.broadcast(ev)
}

func (h *repoHub) broadcast(ev fetchEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.listeners {
		select {
		case ch <- ev:
		default:
			delete(h.listeners, id)
			close(ch)
		}
	}
}

func (h *repoHub) addListener() (int, <-chan fetchEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan fetchEvent, 32)
	h.listeners[id] = ch
	return id, ch
}

func (h *repoHub) removeListener(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(ch)
	}
}

func (h *repoHub) lastValue(kind string) (fetchEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev, ok := h.last[kind]
	return ev, ok
}

func (h *repoHub) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// hubRegistry keeps exactly one repoHub per live *repository.Repository
// so every Connection bound to the same repo root shares one
// subscription fan-out instead of fighting over repo.SetEmitter.
var hubRegistry = struct {
	mu     sync.Mutex
	byRepo map[*repository.Repository]*repoHub
}{byRepo: make(map[*repository.Repository]*repoHub)}

// hubFor returns repo's hub, creating it (and its poller, per §4.F —
// Repository "owns" one poller for its whole lifetime, shared the same
// way the hub is) on first use. pollerCfg comes from whichever
// Connection resolves the repo first; later connections to the same
// root reuse it.
func hubFor(repo *repository.Repository, pollerCfg config.PollerConfig) *repoHub {
	hubRegistry.mu.Lock()
	defer hubRegistry.mu.Unlock()
	if h, ok := hubRegistry.byRepo[repo]; ok {
		return h
	}
	h := newRepoHub()
	repo.SetEmitter(h)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.poller = poller.New(pollerCfg, repo, pollFetchKind(ctx, repo))
	go h.poller.Run(ctx)

	hubRegistry.byRepo[repo] = h
	return h
}

// pollFetchKind adapts a poller.OnChange callback onto the same
// one-shot Fetch* calls triggerFetch uses: the poller never touches
// results directly, it just decides when to ask for fresh ones, and
// the Repository's Emitter (this hub) carries the answer back out.
// FetchEverything runs its three fetches concurrently — each holds only
// its own per-kind fetch lock (none of them takes a read slot), so
// running them together leaves each kind's serialization intact.
func pollFetchKind(ctx context.Context, repo *repository.Repository) poller.OnChange {
	return func(kind poller.FetchKind, _ poller.PollKind) {
		switch kind {
		case poller.FetchUncommitted:
			_, _ = repo.FetchUncommittedChanges(ctx)
		case poller.FetchCommits:
			_, _ = repo.FetchSmartlogCommits(ctx, repository.RangeDefault)
		case poller.FetchConflicts:
			repo.CheckMergeConflicts(ctx)
		case poller.FetchEverything:
			// A plain errgroup.Group, not WithContext: one fetch failing
			// shouldn't cancel its siblings, it's just three independent
			// reads that happen to run together.
			var g errgroup.Group
			g.Go(func() error {
				_, err := repo.FetchUncommittedChanges(ctx)
				return err
			})
			g.Go(func() error {
				_, err := repo.FetchSmartlogCommits(ctx, repository.RangeDefault)
				return err
			})
			g.Go(func() error {
				repo.CheckMergeConflicts(ctx)
				return nil
			})
			_ = g.Wait()
		}
	}
}

// releaseHubIfIdle drops repo's hub from the registry once its last
// listener has gone, stopping its poller, so a disposed Repository
// isn't kept reachable (or kept being polled) by the hub map alone.
func releaseHubIfIdle(repo *repository.Repository, h *repoHub) {
	if h.listenerCount() > 0 {
		return
	}
	hubRegistry.mu.Lock()
	defer hubRegistry.mu.Unlock()
	if hubRegistry.byRepo[repo] == h {
		delete(hubRegistry.byRepo, repo)
		if h.cancel != nil {
			h.cancel()
		}
	}
}
