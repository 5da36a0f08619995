package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/islserver/server/internal/config"
	"github.com/islserver/server/internal/opqueue"
	"github.com/islserver/server/internal/reposcache"
	"github.com/islserver/server/internal/repository"
	"github.com/islserver/server/internal/wsserver"
)

type connState int

const (
	stateLoading connState = iota
	stateRepo
	stateError
)

// pendingMessage is one text (plus optional trailing binary) frame
// queued while the connection is between changeCwd and repo
// resolution, replayed in arrival order once resolution lands.
type pendingMessage struct {
	raw    []byte
	binary []byte
}

// Connection is the per-WebSocket-connection router state machine
// described in spec.md §4.I. It implements wsserver.MessageHandler;
// wsserver drives it from its read pump and writes back through the
// wsserver.Sender it was constructed with.
type Connection struct {
	sender      wsserver.Sender
	cache       *reposcache.Cache
	cfg         *config.Config
	command     string
	concurrency int
	platform    string
	log         *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    connState
	cwd      string
	ref      *reposcache.Reference
	repo     *repository.Repository
	queue    *opqueue.Queue
	hub      *repoHub
	hubID    int
	hubCh    <-chan fetchEvent
	repoInfo *repository.RepoInfo
	repoErr  error
	resolveGen int // invalidates a stale changeCwd resolution goroutine

	pending []pendingMessage

	subs map[string]string // subscriptionID -> fetch kind

	focusPages map[string]bool // pageIDs registered with the repo's poller

	pendingJSON json.RawMessage
	pendingType string

	closed bool
}

// NewConnection matches wsserver.Config.NewConnection's signature; bind
// this via a closure that carries cache/cfg/command/concurrency/logger
// so wsserver itself never has to know about the router package.
func NewConnection(cache *reposcache.Cache, cfg *config.Config, command string, concurrency int, log *logrus.Logger) func(sender wsserver.Sender, cwd, platform string) wsserver.MessageHandler {
	return func(sender wsserver.Sender, cwd, platform string) wsserver.MessageHandler {
		ctx, cancel := context.WithCancel(context.Background())
		c := &Connection{
			sender:      sender,
			cache:       cache,
			cfg:         cfg,
			command:     command,
			concurrency: concurrency,
			platform:    platform,
			log:         log,
			ctx:         ctx,
			cancel:      cancel,
			state:       stateLoading,
			subs:        make(map[string]string),
			focusPages:  make(map[string]bool),
		}
		if cwd != "" {
			c.beginResolve(cwd)
		}
		return c
	}
}

// HandleText implements wsserver.MessageHandler.
func (c *Connection) HandleText(raw []byte) {
	c.mu.Lock()
	if c.pendingJSON != nil {
		c.log.Warn("router: protocol error: new message arrived before the promised binary followup; discarding pending marker")
		c.pendingJSON = nil
		c.pendingType = ""
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.mu.Unlock()
		c.log.WithError(err).Warn("router: protocol error: malformed JSON message")
		return
	}

	if env.HasBinaryPayload {
		c.pendingJSON = append(json.RawMessage(nil), raw...)
		c.pendingType = env.Type
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.dispatch(env.Type, raw, nil)
}

// HandleBinary implements wsserver.MessageHandler.
func (c *Connection) HandleBinary(raw []byte) {
	c.mu.Lock()
	if c.pendingJSON == nil {
		c.mu.Unlock()
		c.log.Warn("router: protocol error: binary frame with no preceding continuation marker")
		return
	}
	jsonRaw := c.pendingJSON
	t := c.pendingType
	c.pendingJSON = nil
	c.pendingType = ""
	c.mu.Unlock()

	c.dispatch(t, jsonRaw, raw)
}

// Close implements wsserver.MessageHandler: dispose every subscription,
// unref the repo handle, and cancel any in-flight work.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hub, hubID, repo, ref := c.hub, c.hubID, c.repo, c.ref
	c.subs = make(map[string]string)
	pages := make([]string, 0, len(c.focusPages))
	for id := range c.focusPages {
		pages = append(pages, id)
	}
	c.focusPages = make(map[string]bool)
	c.mu.Unlock()

	c.cancel()
	dropFocusPages(hub, pages)
	if hub != nil {
		hub.removeListener(hubID)
		releaseHubIfIdle(repo, hub)
	}
	if ref != nil {
		ref.Unref()
	}
}

func (c *Connection) send(msg outMessage) {
	if err := c.sender.SendJSON(msg); err != nil {
		c.log.WithError(err).Debug("router: send failed, connection likely closing")
	}
}

// dispatch routes one (possibly binary-augmented) message. While the
// connection is still loading a just-requested repo, every message
// other than changeCwd queues for replay (§4.I: "queued messages
// replay in arrival order").
func (c *Connection) dispatch(msgType string, raw []byte, binary []byte) {
	if msgType != "changeCwd" {
		c.mu.Lock()
		if c.state == stateLoading {
			c.pending = append(c.pending, pendingMessage{raw: raw, binary: binary})
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}

	switch msgType {
	case "heartbeat":
		c.handleHeartbeat(raw)
	case "changeCwd":
		c.handleChangeCwd(raw)
	case "requestRepoInfo":
		c.sendRepoInfo()
	case "requestApplicationInfo":
		c.handleRequestApplicationInfo()
	case "subscribe":
		c.handleSubscribe(raw)
	case "unsubscribe":
		c.handleUnsubscribe(raw)
	case "runOperation":
		c.handleRunOperation(raw)
	case "abortRunningOperation":
		c.handleAbortRunningOperation(raw)
	case "getConfig":
		c.handleGetConfig(raw)
	case "setConfig":
		c.handleSetConfig(raw)
	case "requestComparison":
		c.handleRequestComparison(raw)
	case "requestComparisonContextLines":
		c.handleRequestComparisonContextLines(raw)
	case "refresh":
		c.handleRefresh(raw)
	case "notifyFocusChanged":
		c.handleNotifyFocusChanged(raw)
	case "notifyWatcherChange":
		c.handleNotifyWatcherChange(raw)
	case "fetchShelvedChanges":
		c.handleFetchShelvedChanges(raw)
	case "fetchLatestCommit":
		c.handleFetchLatestCommit(raw)
	case "fetchAllCommitChangedFiles":
		c.handleFetchAllCommitChangedFiles(raw)
	case "fetchCommitCloudState":
		c.handleFetchCommitCloudState(raw)
	case "fetchGeneratedStatuses":
		c.handleFetchGeneratedStatuses(raw)
	case "fetchDiffSummaries":
		c.handleFetchDiffSummaries(raw)
	case "exportStack":
		c.handleExportStack(raw)
	case "importStack":
		c.handleImportStack(raw, binary)
	default:
		c.log.WithField("type", msgType).Warn("router: protocol error: unrecognized message type")
	}
}

func (c *Connection) handleHeartbeat(raw []byte) {
	var m heartbeatMsg
	_ = json.Unmarshal(raw, &m)
	c.send(outMessage{Type: outHeartbeat, ID: m.ID})
}

func (c *Connection) handleRequestApplicationInfo() {
	c.send(outMessage{Type: outApplicationInfo, Data: map[string]string{
		"platform": c.platform,
		"command":  c.command,
	}})
}
