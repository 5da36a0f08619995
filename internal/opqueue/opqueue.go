// Package opqueue implements the serialized mutating-operation queue
// described in spec.md §4.E: at most one operation runs at a time,
// later callers queue FIFO, a failed operation drops the rest of the
// pending queue, and every arg is normalized (and validated) before
// the subprocess is ever spawned.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/islserver/server/internal/config"
	"github.com/islserver/server/internal/repository"
	"github.com/islserver/server/internal/subproc"
)

// ArgKind selects how an Arg is normalized into a command-line token
// before the subprocess runs (§4.E's "Arg normalization").
type ArgKind int

const (
	ArgLiteral ArgKind = iota
	ArgRepoRelativeFile
	ArgSucceedableRevset
	ArgExactRevset
	ArgConfig
)

// Arg is one not-yet-normalized operation argument.
type Arg struct {
	Kind ArgKind
	Str  string // literal value / repo-relative path / revset, depending on Kind
	Key  string // config key, ArgConfig only
	Val  string // config value, ArgConfig only
}

func Literal(s string) Arg                 { return Arg{Kind: ArgLiteral, Str: s} }
func RepoRelativeFile(path string) Arg     { return Arg{Kind: ArgRepoRelativeFile, Str: path} }
func SucceedableRevset(rev string) Arg     { return Arg{Kind: ArgSucceedableRevset, Str: rev} }
func ExactRevset(rev string) Arg           { return Arg{Kind: ArgExactRevset, Str: rev} }
func ConfigOverride(key, val string) Arg   { return Arg{Kind: ArgConfig, Key: key, Val: val} }

// Operation is one queued mutating command.
type Operation struct {
	ID      string
	Command string
	Args    []Arg
}

// Progress is one event of an operation's sequence: exactly one
// "queue" event on submission, then "spawn", then "stdout" chunks
// (subproc.RunStreaming delivers the child's stderr through the same
// pty, so "stderr" events do not occur for streamed runs), then "exit"
// once the child ends, followed by "error" when the run failed
// (non-zero exit, timeout, kill or spawn failure).
type Progress struct {
	Kind  string
	Queue []string
	Chunk []byte
	Code  int
	Err   error
}

// OnProgress receives the events for one submitted Operation.
type OnProgress func(Progress)

var (
	ErrCommandRejected    = errors.New("opqueue: command is rejected")
	ErrConfigKeyRejected  = errors.New("opqueue: config key is not on the allowlist")
	ErrRawConfigFlag      = errors.New("opqueue: raw --config flag is not allowed in literal args")
	ErrQueueFailurePropagated = errors.New("opqueue: dropped because an earlier operation in the queue failed")
)

type queuedOp struct {
	ctx        context.Context
	op         Operation
	args       []string
	onProgress OnProgress
	done       chan struct{}
	outcome    string
	err        error
	failed     bool
}

type runningOp struct {
	id     string
	cancel context.CancelFunc
}

// Queue serializes mutating operations against a single Repository.
type Queue struct {
	repo *repository.Repository
	cfg  *config.Config
	cwd  string

	mu      sync.Mutex
	pending []*queuedOp
	running *runningOp
	pumping bool
}

// New returns a Queue executing against repo, using cfg's config-key
// allowlist and rejected-command list for arg normalization.
func New(repo *repository.Repository, cfg *config.Config) *Queue {
	return &Queue{repo: repo, cfg: cfg, cwd: repo.Dir}
}

// RunOrQueue implements runOrQueueOperation: it normalizes and
// validates op's args, enqueues it, and blocks until it has either run
// or been dropped by an earlier failure, returning "ran" or "skipped".
func (q *Queue) RunOrQueue(ctx context.Context, op Operation, onProgress OnProgress) (string, error) {
	if q.cfg.RejectsCommand(op.Command) {
		return "skipped", fmt.Errorf("%w: %q", ErrCommandRejected, op.Command)
	}
	args, err := q.normalizeArgs(op)
	if err != nil {
		return "skipped", err
	}

	qo := &queuedOp{ctx: ctx, op: op, args: args, onProgress: onProgress, done: make(chan struct{})}

	q.mu.Lock()
	q.pending = append(q.pending, qo)
	ids := make([]string, len(q.pending))
	for i, p := range q.pending {
		ids[i] = p.op.ID
	}
	needsPump := !q.pumping
	if needsPump {
		q.pumping = true
	}
	q.mu.Unlock()

	if onProgress != nil {
		onProgress(Progress{Kind: "queue", Queue: ids})
	}

	if needsPump {
		go q.pump()
	}

	<-qo.done
	return qo.outcome, qo.err
}

// AbortRunningOperation cancels the operation with id if — and only
// if — it's the one currently executing; otherwise it's a no-op, per
// §4.E.
func (q *Queue) AbortRunningOperation(id string) {
	q.mu.Lock()
	running := q.running
	q.mu.Unlock()
	if running == nil || running.id != id || running.cancel == nil {
		return
	}
	running.cancel()
}

func (q *Queue) pump() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.pumping = false
			q.mu.Unlock()
			return
		}
		qo := q.pending[0]
		q.pending = q.pending[1:]
		q.running = &runningOp{id: qo.op.ID}
		q.mu.Unlock()

		q.runOne(qo)

		q.mu.Lock()
		q.running = nil
		failed := qo.failed
		q.mu.Unlock()

		if failed {
			q.dropPending()
		}
	}
}

// runOne executes qo's command. "ran" covers both success and failure
// — a failed op still ran, it's only the ops behind it in the queue
// that resolve "skipped". Both a transport error (timeout/kill/IO) and
// a plain non-zero exit count as failed for queue-dropping purposes.
func (q *Queue) runOne(qo *queuedOp) {
	runCtx, cancel := context.WithCancel(qo.ctx)
	q.mu.Lock()
	if q.running != nil {
		q.running.cancel = cancel
	}
	q.mu.Unlock()
	defer cancel()

	q.repo.MarkOperationRunning()
	defer q.repo.MarkOperationFinished()

	var exitCode int
	var exitSeen bool

	transportErr := subproc.RunStreaming(runCtx, subproc.Spec{
		Exe:  q.repo.Command,
		Dir:  q.repo.Dir,
		Args: append([]string{qo.op.Command}, qo.args...),
	}, subproc.StreamCallbacks{
		Spawn: func() {
			if qo.onProgress != nil {
				qo.onProgress(Progress{Kind: "spawn"})
			}
		},
		Stdout: func(chunk []byte) {
			if qo.onProgress != nil {
				qo.onProgress(Progress{Kind: "stdout", Chunk: chunk})
			}
		},
		Stderr: func(chunk []byte) {
			if qo.onProgress != nil {
				qo.onProgress(Progress{Kind: "stderr", Chunk: chunk})
			}
		},
		Exit: func(code int, _ subproc.ExitKind) {
			exitCode = code
			exitSeen = true
			if qo.onProgress != nil {
				qo.onProgress(Progress{Kind: "exit", Code: code})
			}
		},
	})

	qo.outcome = "ran"
	switch {
	case transportErr != nil:
		qo.err = transportErr
		qo.failed = true
	case exitSeen && exitCode != 0:
		qo.err = fmt.Errorf("opqueue: %s exited with code %d", qo.op.Command, exitCode)
		qo.failed = true
	}
	if qo.failed && qo.onProgress != nil {
		qo.onProgress(Progress{Kind: "error", Err: qo.err})
	}
	close(qo.done)
}

// dropPending resolves every still-queued operation as "skipped" after
// a running operation fails — the entire pending queue is dropped in
// one shot, per §4.E's error policy. A later RunOrQueue call starts a
// fresh pump and is unaffected.
func (q *Queue) dropPending() {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, qo := range dropped {
		qo.outcome = "skipped"
		qo.err = ErrQueueFailurePropagated
		if qo.onProgress != nil {
			qo.onProgress(Progress{Kind: "error", Err: qo.err})
		}
		close(qo.done)
	}
}

func (q *Queue) normalizeArgs(op Operation) ([]string, error) {
	out := make([]string, 0, len(op.Args)*2)
	for _, a := range op.Args {
		switch a.Kind {
		case ArgLiteral:
			if a.Str == "--config" {
				return nil, ErrRawConfigFlag
			}
			out = append(out, a.Str)
		case ArgRepoRelativeFile:
			out = append(out, q.repoRelativePath(a.Str))
		case ArgSucceedableRevset:
			out = append(out, fmt.Sprintf("max(successors(%s))", a.Str))
		case ArgExactRevset:
			out = append(out, a.Str)
		case ArgConfig:
			if !q.cfg.AllowsConfigKey(a.Key) {
				return nil, fmt.Errorf("%w: %q", ErrConfigKeyRejected, a.Key)
			}
			out = append(out, "--config", a.Key+"="+a.Val)
		default:
			return nil, fmt.Errorf("opqueue: unknown arg kind %d", a.Kind)
		}
	}
	return out, nil
}

// repoRelativePath joins path onto the repo root, then re-expresses it
// relative to the directory the command actually executes from
// (ordinarily the same directory, so this is a no-op in the common
// case; it only diverges when the queue's cwd differs from repo root).
func (q *Queue) repoRelativePath(path string) string {
	abs := filepath.Join(q.repo.Dir, path)
	rel, err := filepath.Rel(q.cwd, abs)
	if err != nil {
		return abs
	}
	return rel
}
