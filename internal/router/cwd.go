package router

import (
	"encoding/json"

	"github.com/islserver/server/internal/opqueue"
	"github.com/islserver/server/internal/reposcache"
)

// handleChangeCwd implements §4.I's changeCwd transition: tear down
// whatever the connection was bound to, enter loading, and kick off
// discovery in the background.
func (c *Connection) handleChangeCwd(raw []byte) {
	var m changeCwdMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		c.log.WithError(err).Warn("router: protocol error: malformed changeCwd")
		return
	}
	c.beginResolve(m.Cwd)
}

func (c *Connection) beginResolve(cwd string) {
	c.mu.Lock()
	c.unbindLocked()
	c.state = stateLoading
	c.cwd = cwd
	c.resolveGen++
	gen := c.resolveGen
	c.mu.Unlock()

	ref := c.cache.GetOrCreate(c.ctx, cwd, c.command, c.concurrency)

	c.mu.Lock()
	c.ref = ref
	c.mu.Unlock()

	go c.resolve(ref, gen)
}

// unbindLocked tears down the previous repo binding. Caller holds mu.
func (c *Connection) unbindLocked() {
	for id := range c.subs {
		delete(c.subs, id)
	}
	if c.hub != nil {
		pages := make([]string, 0, len(c.focusPages))
		for id := range c.focusPages {
			pages = append(pages, id)
		}
		c.focusPages = make(map[string]bool)
		dropFocusPages(c.hub, pages)
		c.hub.removeListener(c.hubID)
		releaseHubIfIdle(c.repo, c.hub)
	}
	if c.ref != nil {
		c.ref.Unref()
	}
	c.ref = nil
	c.repo = nil
	c.queue = nil
	c.hub = nil
	c.hubCh = nil
	c.repoInfo = nil
	c.repoErr = nil
}

// resolve waits for ref to settle, then publishes the result unless a
// newer changeCwd has superseded gen in the meantime.
func (c *Connection) resolve(ref *reposcache.Reference, gen int) {
	repo, err := ref.Wait(c.ctx)

	c.mu.Lock()
	if c.resolveGen != gen {
		// Superseded by a later changeCwd; this ref was already Unref'd
		// (or will be) by unbindLocked, nothing more to publish.
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.state = stateError
		c.repoErr = err
		c.mu.Unlock()
		c.sendRepoInfo()
		c.replayPending()
		return
	}

	c.repo = repo
	c.queue = opqueue.New(repo, c.cfg)
	c.hub = hubFor(repo, c.cfg.Poller)
	c.hubID, c.hubCh = c.hub.addListener()
	c.state = stateRepo
	hubCh := c.hubCh
	c.mu.Unlock()

	go c.pumpHub(hubCh, gen)

	info, infoErr := repo.GetRepoInfo(c.ctx)
	c.mu.Lock()
	if c.resolveGen != gen {
		c.mu.Unlock()
		return
	}
	if infoErr != nil {
		c.state = stateError
		c.repoErr = infoErr
	} else {
		c.repoInfo = info
	}
	c.mu.Unlock()

	c.sendRepoInfo()
	c.replayPending()
}

// sendRepoInfo emits the current repo/error state as §4.I's
// repoInfo{...} message.
func (c *Connection) sendRepoInfo() {
	c.mu.Lock()
	state, info, repoErr := c.state, c.repoInfo, c.repoErr
	c.mu.Unlock()

	switch state {
	case stateLoading:
		c.send(outMessage{Type: outRepoInfo, Kind: "loading"})
	case stateError:
		msg := "unknown error"
		if repoErr != nil {
			msg = repoErr.Error()
		}
		c.send(outMessage{Type: outRepoInfo, Kind: "error", Error: msg})
	case stateRepo:
		c.send(outMessage{Type: outRepoInfo, Kind: "repo", Data: info})
	}
}

// replayPending dispatches every message queued while the connection
// was loading, in the order it arrived (§4.I).
func (c *Connection) replayPending() {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, m := range queued {
		var env envelope
		if err := json.Unmarshal(m.raw, &env); err != nil {
			continue
		}
		c.dispatch(env.Type, m.raw, m.binary)
	}
}
