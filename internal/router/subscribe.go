package router

import (
	"encoding/json"

	"github.com/islserver/server/internal/repository"
)

var subscribableKinds = map[string]bool{
	"uncommittedChanges": true,
	"smartlogCommits":    true,
	"mergeConflicts":     true,
}

// handleSubscribe implements §4.I's subscribe{subscriptionID, kind}:
// push the current value if known, record the subscription, and kick
// a fresh fetch so the client isn't stuck with a stale snapshot.
func (c *Connection) handleSubscribe(raw []byte) {
	var m subscribeMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.SubscriptionID == "" {
		c.log.Warn("router: protocol error: malformed subscribe")
		return
	}
	if !subscribableKinds[m.Kind] {
		c.log.WithField("kind", m.Kind).Warn("router: protocol error: unknown subscription kind")
		return
	}

	c.mu.Lock()
	repo, hub := c.repo, c.hub
	c.subs[m.SubscriptionID] = m.Kind // at most one active subscription per ID (§4.I)
	c.mu.Unlock()

	if hub != nil {
		if ev, ok := hub.lastValue(m.Kind); ok {
			c.sendSubscriptionResult(m.SubscriptionID, ev)
		}
	}
	if repo != nil {
		go c.triggerFetch(repo, m.Kind)
	}
}

// handleUnsubscribe disposes subscriptionID; repeated calls are a
// no-op (§4.I's idempotent-dispose invariant).
func (c *Connection) handleUnsubscribe(raw []byte) {
	var m unsubscribeMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.mu.Lock()
	delete(c.subs, m.SubscriptionID)
	c.mu.Unlock()
}

// triggerFetch runs the subprocess fetch for kind; the result reaches
// subscribers through the repo's Emitter → repoHub, not this
// goroutine's return value.
func (c *Connection) triggerFetch(repo *repository.Repository, kind string) {
	ctx := c.ctx
	switch kind {
	case "uncommittedChanges":
		_, _ = repo.FetchUncommittedChanges(ctx)
	case "smartlogCommits":
		_, _ = repo.FetchSmartlogCommits(ctx, repository.RangeDefault)
	case "mergeConflicts":
		repo.CheckMergeConflicts(ctx)
	}
}

// pumpHub forwards repoHub events to every subscription whose kind
// matches, until the hub closes this listener's channel (on Close or
// on being superseded by a later changeCwd).
func (c *Connection) pumpHub(ch <-chan fetchEvent, gen int) {
	for ev := range ch {
		c.mu.Lock()
		if c.resolveGen != gen {
			c.mu.Unlock()
			return
		}
		var ids []string
		for id, kind := range c.subs {
			if kind == ev.kind {
				ids = append(ids, id)
			}
		}
		c.mu.Unlock()

		for _, id := range ids {
			c.sendSubscriptionResult(id, ev)
		}
	}
}

func (c *Connection) sendSubscriptionResult(subscriptionID string, ev fetchEvent) {
	msg := outMessage{
		Type:           outSubscriptionResult,
		SubscriptionID: subscriptionID,
		Kind:           ev.kind,
		Data:           ev.value,
	}
	if ev.err != nil {
		msg.Error = ev.err.Error()
	}
	c.send(msg)
}
