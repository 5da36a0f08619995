// Package wsserver implements the HTTP+WebSocket listener described
// in spec.md §4.H: static asset serving, the authenticity challenge
// endpoint, token-gated WebSocket upgrade, and the self-shutdown timer
// that lets a detached server reclaim itself once every tab has
// closed.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	ErrAddrInUse              = errors.New("wsserver: address already in use")
	ErrNeedsElevatedPrivileges = errors.New("wsserver: needs elevated privileges")
)

// MapListenError classifies a net.Listen failure per §4.H's listen
// error mapping.
func MapListenError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return ErrAddrInUse
	}
	if errors.Is(err, syscall.EACCES) {
		return ErrNeedsElevatedPrivileges
	}
	return fmt.Errorf("wsserver: listen: %w", err)
}

// Sender is how a MessageHandler writes back to its client; wsserver
// implements it over a *websocket.Conn guarded by a write mutex
// (gorilla/websocket forbids concurrent writers).
type Sender interface {
	SendJSON(v interface{}) error
	SendBinary(b []byte) error
	Close(code int, reason string) error
}

// MessageHandler is the per-connection state machine (§4.I's Router).
// wsserver only needs this much of its shape to drive the read pump.
type MessageHandler interface {
	HandleText(raw []byte)
	HandleBinary(raw []byte)
	Close()
}

// selfShutdownDelay is the §4.H "60 s timer" constant, a var so tests
// can shrink it instead of waiting out a real minute.
var selfShutdownDelay = 60 * time.Second

// selfShutdownDelayForTest overrides selfShutdownDelay and returns a
// func restoring the original value.
func selfShutdownDelayForTest(d time.Duration) func() {
	orig := selfShutdownDelay
	selfShutdownDelay = d
	return func() { selfShutdownDelay = orig }
}

// Config wires wsserver to the rest of the server.
type Config struct {
	Port           int
	SensitiveToken string
	ChallengeToken string
	Foreground     bool
	Assets         *AssetManifest // nil disables static asset serving

	// ActiveRepoCount reports how many repositories are currently
	// referenced; used by the self-shutdown timer.
	ActiveRepoCount func() int
	// OnShutdown is invoked when the self-shutdown condition fires.
	// Production wires os.Exit(0); tests substitute something else.
	OnShutdown func()

	// NewConnection builds a MessageHandler for a newly-authenticated
	// WS connection; cwd and platform come from the query string.
	NewConnection func(sender Sender, cwd, platform string) MessageHandler

	Logger *logrus.Logger
}

// Server is one bound HTTP+WS listener.
type Server struct {
	cfg Config

	mu            sync.Mutex
	shutdownTimer *time.Timer
	listener      net.Listener
	httpServer    *http.Server
}

// New returns a Server for cfg. Call ListenAndServe to bind and run.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Server{cfg: cfg}
}

// ListenAndServe binds cfg.Port and serves until ctx is cancelled. A
// bind failure is returned already classified via MapListenError.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return MapListenError(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/challenge_authenticity", s.handleChallenge)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleStatic)

	httpServer := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the bound address; only meaningful after ListenAndServe
// has started (tests use it to discover the ephemeral port when
// cfg.Port is 0).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// onWSClose implements §4.H's self-shutdown: a 60s timer (re)starts on
// every WS close; if it fires with zero active repos, the process (or
// OnShutdown's stand-in) exits.
func (s *Server) onWSClose() {
	if s.cfg.Foreground || s.cfg.OnShutdown == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdownTimer != nil {
		s.shutdownTimer.Stop()
	}
	s.shutdownTimer = time.AfterFunc(selfShutdownDelay, func() {
		count := 0
		if s.cfg.ActiveRepoCount != nil {
			count = s.cfg.ActiveRepoCount()
		}
		if count == 0 {
			s.cfg.OnShutdown()
		}
	})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	handleChallenge(w, r, s.cfg.SensitiveToken, s.cfg.ChallengeToken)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // local-only server; the token is the real gate
}
