package router

import (
	"encoding/json"

	"github.com/islserver/server/internal/opqueue"
)

// handleRunOperation implements §4.I's runOperation: delegate to the
// operation queue and stream every Progress event back as
// operationProgress, keyed by the operation's own id.
func (c *Connection) handleRunOperation(raw []byte) {
	var m runOperationMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		c.log.WithError(err).Warn("router: protocol error: malformed runOperation")
		return
	}

	c.mu.Lock()
	queue := c.queue
	c.mu.Unlock()
	if queue == nil {
		c.send(outMessage{Type: outOperationProgress, ID: m.Operation.ID, Kind: "error", Error: "no repository bound"})
		return
	}

	op := opqueue.Operation{ID: m.Operation.ID, Command: m.Operation.Command, Args: toOpqueueArgs(m.Operation.Args)}

	go func() {
		outcome, err := queue.RunOrQueue(c.ctx, op, func(p opqueue.Progress) {
			msg := outMessage{Type: outOperationProgress, ID: m.Operation.ID, Kind: p.Kind}
			if p.Err != nil {
				msg.Error = p.Err.Error()
			}
			switch p.Kind {
			case "queue":
				msg.Data = p.Queue
			case "stdout", "stderr":
				msg.Data = string(p.Chunk)
			case "exit":
				msg.Data = p.Code
			}
			c.send(msg)
		})
		if err != nil && outcome == "ran" {
			// Already reported via the "error" progress event; nothing
			// further to send.
			return
		}
	}()
}

func toOpqueueArgs(args []argPayload) []opqueue.Arg {
	out := make([]opqueue.Arg, 0, len(args))
	for _, a := range args {
		switch a.Kind {
		case argKindRepoRelativeFile:
			out = append(out, opqueue.RepoRelativeFile(a.Str))
		case argKindSucceedableRevset:
			out = append(out, opqueue.SucceedableRevset(a.Str))
		case argKindExactRevset:
			out = append(out, opqueue.ExactRevset(a.Str))
		case argKindConfig:
			out = append(out, opqueue.ConfigOverride(a.Key, a.Val))
		default:
			out = append(out, opqueue.Literal(a.Str))
		}
	}
	return out
}

// handleAbortRunningOperation implements §4.I's abortRunningOperation:
// a no-op unless id names the operation currently executing.
func (c *Connection) handleAbortRunningOperation(raw []byte) {
	var m abortRunningOperationMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	c.mu.Lock()
	queue := c.queue
	c.mu.Unlock()
	if queue != nil {
		queue.AbortRunningOperation(m.ID)
	}
}
