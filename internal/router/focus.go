package router

import (
	"encoding/json"

	"github.com/islserver/server/internal/poller"
)

var focusStateByWire = map[string]poller.FocusState{
	"focused": poller.FocusFocused,
	"visible": poller.FocusVisible,
	"hidden":  poller.FocusHidden,
}

var watcherKindByWire = map[string]poller.FetchKind{
	"uncommittedChanges": poller.FetchUncommitted,
	"smartlogCommits":    poller.FetchCommits,
	"mergeConflicts":     poller.FetchConflicts,
	"everything":         poller.FetchEverything,
}

// handleNotifyFocusChanged forwards a page's visibility to the bound
// repo's poller, remembering pageID so Close can drop it.
func (c *Connection) handleNotifyFocusChanged(raw []byte) {
	var m notifyFocusChangedMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.PageID == "" {
		return
	}
	state, ok := focusStateByWire[m.State]
	if !ok {
		return
	}

	c.mu.Lock()
	hub := c.hub
	c.focusPages[m.PageID] = true
	c.mu.Unlock()

	if hub != nil && hub.poller != nil {
		hub.poller.SetFocus(m.PageID, state)
	}
}

func (c *Connection) handleNotifyWatcherChange(raw []byte) {
	var m notifyWatcherChangeMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	kind, ok := watcherKindByWire[m.Kind]
	if !ok {
		return
	}

	c.mu.Lock()
	hub := c.hub
	c.mu.Unlock()
	if hub != nil && hub.poller != nil {
		hub.poller.NotifyWatcherChange(kind, m.Paths)
	}
}

// dropFocusPages releases pageIDs from hub's poller. Callers snapshot
// c.focusPages under mu before releasing it, so this never touches
// Connection state directly.
func dropFocusPages(hub *repoHub, pageIDs []string) {
	if hub == nil || hub.poller == nil {
		return
	}
	for _, pageID := range pageIDs {
		hub.poller.DropFocus(pageID)
	}
}
