package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/islserver/server/internal/repository"
	"github.com/islserver/server/internal/subproc"
)

// withRepo runs fn in its own goroutine if a repo is bound, otherwise
// replies immediately with a "no repository bound" error correlated to
// id. Every one-shot command in §4.I funnels through this.
func (c *Connection) withRepo(id string, fn func(repo *repository.Repository)) {
	c.mu.Lock()
	repo := c.repo
	c.mu.Unlock()
	if repo == nil {
		c.send(outMessage{Type: outResult, ID: id, Error: "no repository bound"})
		return
	}
	go fn(repo)
}

func (c *Connection) reply(id string, data interface{}, err error) {
	msg := outMessage{Type: outResult, ID: id, Data: data}
	if err != nil {
		msg.Error = err.Error()
	}
	c.send(msg)
}

func (c *Connection) handleGetConfig(raw []byte) {
	var m getConfigMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.withRepo(m.ID, func(repo *repository.Repository) {
		val, err := repo.GetConfig(c.ctx, m.Key)
		c.reply(m.ID, val, err)
	})
}

func (c *Connection) handleSetConfig(raw []byte) {
	var m setConfigMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.mu.Lock()
	repo := c.repo
	c.mu.Unlock()
	if repo == nil {
		return
	}
	go func() {
		if err := repo.SetConfig(c.ctx, m.Key, m.Value); err != nil {
			c.log.WithError(err).Warn("router: setConfig failed")
		}
	}()
}

func (c *Connection) handleRequestComparison(raw []byte) {
	var m requestComparisonMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.withRepo(m.ID, func(repo *repository.Repository) {
		cmp, err := repo.RequestComparison(c.ctx, m.A, m.B)
		c.reply(m.ID, cmp, err)
	})
}

func (c *Connection) handleRequestComparisonContextLines(raw []byte) {
	var m requestComparisonContextLinesMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.withRepo(m.ID, func(repo *repository.Repository) {
		diff, err := repo.RequestComparisonContextLines(c.ctx, m.A, m.B, m.Path, m.Context)
		c.reply(m.ID, diff, err)
	})
}

// handleRefresh re-triggers a fetch for every kind the connection is
// currently subscribed to — the manual "refresh" affordance alongside
// the poller's own cadence. force=true instead bypasses the poller's
// cadence and hold-off entirely (§4.F's poll('force')), deferring to
// the repo's shared poller rather than this connection's own fetches.
func (c *Connection) handleRefresh(raw []byte) {
	var m refreshMsg
	_ = json.Unmarshal(raw, &m)

	c.mu.Lock()
	repo, hub := c.repo, c.hub
	kinds := make(map[string]bool, len(c.subs))
	for _, k := range c.subs {
		kinds[k] = true
	}
	c.mu.Unlock()

	if m.Force {
		if hub != nil && hub.poller != nil {
			hub.poller.Force()
		}
		return
	}
	if repo == nil {
		return
	}
	for k := range kinds {
		go c.triggerFetch(repo, k)
	}
}

func (c *Connection) handleFetchShelvedChanges(raw []byte) {
	var m simpleIDMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.withRepo(m.ID, func(repo *repository.Repository) {
		v, err := repo.FetchShelvedChanges(c.ctx)
		c.reply(m.ID, v, err)
	})
}

func (c *Connection) handleFetchLatestCommit(raw []byte) {
	var m simpleIDMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.withRepo(m.ID, func(repo *repository.Repository) {
		v, err := repo.FetchLatestCommit(c.ctx)
		c.reply(m.ID, v, err)
	})
}

func (c *Connection) handleFetchAllCommitChangedFiles(raw []byte) {
	var m fetchAllCommitChangedFilesMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.withRepo(m.ID, func(repo *repository.Repository) {
		v, err := repo.FetchAllCommitChangedFiles(c.ctx, m.Hashes)
		c.reply(m.ID, v, err)
	})
}

func (c *Connection) handleFetchCommitCloudState(raw []byte) {
	var m fetchCommitCloudStateMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.withRepo(m.ID, func(repo *repository.Repository) {
		v, err := repo.FetchCommitCloudState(c.ctx)
		c.reply(m.ID, v, err)
	})
}

func (c *Connection) handleFetchGeneratedStatuses(raw []byte) {
	var m fetchGeneratedStatusesMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.withRepo(m.ID, func(repo *repository.Repository) {
		v, err := repo.FetchGeneratedStatuses(c.ctx, m.Paths)
		c.reply(m.ID, v, err)
	})
}

func (c *Connection) handleFetchDiffSummaries(raw []byte) {
	var m fetchDiffSummariesMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.withRepo(m.ID, func(repo *repository.Repository) {
		v, err := repo.FetchDiffSummaries(c.ctx, m.Hashes)
		c.reply(m.ID, v, err)
	})
}

func (c *Connection) handleExportStack(raw []byte) {
	var m exportStackMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.withRepo(m.ID, func(repo *repository.Repository) {
		v, err := repo.ExportStack(c.ctx, m.Revset)
		c.reply(m.ID, v, err)
	})
}

// handleImportStack implements §4.I's importStack: PlanStackImport
// turns the stack into an ordered sequence of `import` invocations,
// each run under the same hold-off bracket a queued operation would
// use (it shares the working copy with the operation queue, just not
// its arg-normalization, since a patch's stdin has no wire equivalent
// in opqueue.Arg). When the message arrived with a binary followup,
// that frame's bytes replace the lone commit's diff — the
// binary-continuation mechanism's one concrete use in this protocol,
// sparing the client from JSON-escaping a potentially large patch.
func (c *Connection) handleImportStack(raw []byte, binary []byte) {
	var m importStackMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	if binary != nil && len(m.Stack.Commits) == 1 && m.Stack.Commits[0].Diff == "" {
		m.Stack.Commits[0].Diff = string(binary)
	}

	stack := &repository.ExportedStack{Commits: make([]repository.ExportedCommit, len(m.Stack.Commits))}
	for i, c2 := range m.Stack.Commits {
		stack.Commits[i] = repository.ExportedCommit{Hash: c2.Hash, Description: c2.Description, Diff: c2.Diff}
	}
	ops := repository.PlanStackImport(stack)

	c.mu.Lock()
	repo := c.repo
	c.mu.Unlock()
	if repo == nil {
		c.send(outMessage{Type: outResult, ID: m.ID, Error: "no repository bound"})
		return
	}

	go func() {
		for _, op := range ops {
			if err := runImportOperation(c.ctx, repo, op); err != nil {
				c.send(outMessage{Type: outResult, ID: m.ID, Error: err.Error()})
				return
			}
		}
		c.send(outMessage{Type: outResult, ID: m.ID, Data: "applied"})
	}()
}

func runImportOperation(ctx context.Context, repo *repository.Repository, op repository.ImportOperation) error {
	repo.MarkOperationRunning()
	defer repo.MarkOperationFinished()

	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:   repo.Command,
		Dir:   repo.Dir,
		Args:  op.Args,
		Stdin: op.Stdin,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("router: import exited with code %d: %s", result.ExitCode, string(result.Stderr))
	}
	return nil
}
