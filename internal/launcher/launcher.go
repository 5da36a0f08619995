// Package launcher implements run-proxy's spawn/reuse/kill/force
// decision tree (spec.md §4.G): generate a fresh token pair, try to
// bind the requested port, and if it's already taken, challenge the
// occupant to decide whether to reuse it, kill it, or give up.
package launcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/islserver/server/internal/statestore"
)

var (
	ErrUnknownPlatform       = errors.New("launcher: unknown platform")
	ErrIllegalURL            = errors.New("launcher: constructed URL contains illegal characters")
	ErrPortInUseUnknownOwner = errors.New("launcher: port is in use by a process with no discoverable server record")
	ErrPortInUseNotOurServer = errors.New("launcher: port is in use by a server that failed the authenticity challenge")
)

// Platform is the closed enum named in spec.md §6's --platform flag.
// The spec gives only one example (androidStudio); the remaining
// members are this implementation's own choice, recorded as a design
// decision rather than drawn from the spec.
type Platform string

const (
	PlatformWeb           Platform = ""
	PlatformAndroidStudio Platform = "androidStudio"
	PlatformVSCode        Platform = "vscode"
	PlatformStandalone    Platform = "standalone"
)

func (p Platform) urlPath() (string, error) {
	switch p {
	case PlatformWeb:
		return "/", nil
	case PlatformAndroidStudio, PlatformVSCode, PlatformStandalone:
		return "/" + string(p) + "/", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
	}
}

// Args is run-proxy's parsed command line (spec.md §6).
type Args struct {
	Help       bool
	Foreground bool
	NoOpen     bool
	Port       int
	JSON       bool
	Stdout     bool
	Dev        bool
	Kill       bool
	Force      bool
	Command    string
	SLVersion  string
	Platform   Platform
	Cwd        string
}

// Result is the JSON shape printed on --json (spec.md §6), also used
// internally to report a successful launch in human mode.
type Result struct {
	Port            int    `json:"port"`
	URL             string `json:"url"`
	Token           string `json:"token"`
	PID             int    `json:"pid"`
	WasServerReused bool   `json:"wasServerReused"`
	LogFileLocation string `json:"logFileLocation"`
	Cwd             string `json:"cwd"`
	Command         string `json:"command"`
}

// StartServerArgs is handed to a ServerStarter; in detached mode it
// crosses the parent/child boundary via ISL_SERVER_ARGS (§4.G's IPC).
type StartServerArgs struct {
	Port            int    `json:"port"`
	Command         string `json:"command"`
	ToolVersion     string `json:"toolVersion"`
	SensitiveToken  string `json:"sensitiveToken"`
	ChallengeToken  string `json:"challengeToken"`
	LogFileLocation string `json:"logFileLocation"`
	Cwd             string `json:"cwd"`
}

// ChildResult is the detached child's single {"type":"result"} IPC
// message (§4.G).
type ChildResult struct {
	PID  int    `json:"pid,omitempty"`
	Port int    `json:"port,omitempty"`
	Err  string `json:"err,omitempty"`
}

// ServerStarter is the seam between the launcher's decision tree and
// the actual HTTP+WS server: tests substitute a fake, production code
// wires in wsserver and the detached-process spawn.
type ServerStarter interface {
	// StartInProcess runs the server on the calling goroutine until ctx
	// is cancelled (foreground mode). It never returns a reused PID —
	// the current process's own PID is implied.
	StartInProcess(ctx context.Context, args StartServerArgs) error
	// StartDetached spawns a child carrying args and blocks only long
	// enough to learn whether the child's listen succeeded.
	StartDetached(args StartServerArgs) (*ChildResult, error)
}

// Launcher runs the §4.G algorithm against one Store and ServerStarter.
type Launcher struct {
	Store      *statestore.Store
	Starter    ServerStarter
	HTTPClient *http.Client
	Out        io.Writer
	OpenURL    func(string) error // nil disables browser launch entirely
}

// New returns a Launcher with a 500ms-timeout HTTP client, per §4.G's
// challenge protocol.
func New(store *statestore.Store, starter ServerStarter, out io.Writer) *Launcher {
	return &Launcher{
		Store:      store,
		Starter:    starter,
		HTTPClient: &http.Client{Timeout: 500 * time.Millisecond},
		Out:        out,
	}
}

// generateToken returns a hex-encoded random token with at least
// 128 bits of entropy, per §4.G.
func generateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("launcher: generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Run executes the full algorithm and returns the outcome, or an error
// for any case that should exit non-zero. Callers needing --kill's
// exit-0-even-with-no-server-found semantics should special-case that
// flag before calling Run, or accept that Run treats "nothing to kill"
// as success (it does).
func (l *Launcher) Run(ctx context.Context, args Args) (*Result, error) {
	if args.Kill {
		_, err := l.killServerIfExists(ctx, args.Port)
		return nil, err
	}

	if args.Force {
		_, _ = l.killServerIfExists(ctx, args.Port) // best-effort; failure is not fatal to --force
	}

	return l.startOrReuse(ctx, args)
}

func (l *Launcher) startOrReuse(ctx context.Context, args Args) (*Result, error) {
	sensitiveToken, err := generateToken()
	if err != nil {
		return nil, err
	}
	challengeToken, err := generateToken()
	if err != nil {
		return nil, err
	}

	logFileLocation := "stdout"
	if !args.Stdout {
		dir, err := os.MkdirTemp("", "isl-server-log-")
		if err != nil {
			return nil, fmt.Errorf("launcher: creating log dir: %w", err)
		}
		logFileLocation = dir + string(os.PathSeparator) + "isl-server.log"
	}

	startArgs := StartServerArgs{
		Port:            args.Port,
		Command:         args.Command,
		ToolVersion:     args.SLVersion,
		SensitiveToken:  sensitiveToken,
		ChallengeToken:  challengeToken,
		LogFileLocation: logFileLocation,
		Cwd:             args.Cwd,
	}

	var pid int
	var reused bool

	if args.Foreground {
		if err := l.Starter.StartInProcess(ctx, startArgs); err != nil {
			if addrErr := (addrInUseError{}); errors.As(err, &addrErr) {
				return l.handleAddrInUse(ctx, args, startArgs)
			}
			return nil, err
		}
		pid = os.Getpid()
	} else {
		child, err := l.Starter.StartDetached(startArgs)
		if err != nil {
			if addrErr := (addrInUseError{}); errors.As(err, &addrErr) {
				return l.handleAddrInUse(ctx, args, startArgs)
			}
			return nil, err
		}
		if child.Err != "" {
			return nil, fmt.Errorf("launcher: server failed to start: %s", child.Err)
		}
		pid = child.PID
	}

	if err := l.Store.Write(args.Port, &statestore.Record{
		SensitiveToken:  sensitiveToken,
		ChallengeToken:  challengeToken,
		LogFileLocation: logFileLocation,
		Command:         args.Command,
		ToolVersion:     args.SLVersion,
	}); err != nil {
		return nil, fmt.Errorf("launcher: writing server record: %w", err)
	}

	return l.buildResult(args, sensitiveToken, pid, logFileLocation, reused)
}

// handleAddrInUse implements §4.G's addressInUse branch: read the
// existing record, challenge the occupant, and either reuse it,
// restart it (version/command mismatch), or fail.
func (l *Launcher) handleAddrInUse(ctx context.Context, args Args, startArgs StartServerArgs) (*Result, error) {
	if args.Force {
		// --force already tried to kill before we got here; a second
		// addressInUse means killing didn't free the port.
		return nil, fmt.Errorf("%w: port %d still bound after --force kill", ErrPortInUseUnknownOwner, args.Port)
	}

	record, err := l.Store.ReadWithRetries(args.Port, 5, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPortInUseUnknownOwner, err)
	}

	pid, ok := l.challenge(ctx, args.Port, record)
	if !ok {
		return nil, ErrPortInUseNotOurServer
	}

	if record.Command != args.Command || !VersionsMatch(record.ToolVersion, args.SLVersion) {
		if _, err := l.killServerAtPID(ctx, args.Port, pid); err != nil {
			return nil, fmt.Errorf("launcher: killing stale server before respawn: %w", err)
		}
		return l.startOrReuse(ctx, args)
	}

	return l.buildResult(args, record.SensitiveToken, pid, record.LogFileLocation, true)
}

func (l *Launcher) buildResult(args Args, sensitiveToken string, pid int, logFileLocation string, reused bool) (*Result, error) {
	u, err := l.buildURL(args, sensitiveToken)
	if err != nil {
		return nil, err
	}
	result := &Result{
		Port:            args.Port,
		URL:             u,
		Token:           sensitiveToken,
		PID:             pid,
		WasServerReused: reused,
		LogFileLocation: logFileLocation,
		Cwd:             args.Cwd,
		Command:         args.Command,
	}

	if !reused && !args.NoOpen && l.OpenURL != nil {
		_ = l.OpenURL(result.URL) // opening the browser is best-effort
	}

	if l.Out != nil {
		if args.JSON {
			_ = json.NewEncoder(l.Out).Encode(result)
		} else {
			fmt.Fprintf(l.Out, "%s\n", result.URL)
		}
	}

	return result, nil
}

// buildURL implements §4.G's URL construction: servingPort only
// diverges from the bind port in --dev mode, where the URL always
// names port 3000 whatever port the server binds.
func (l *Launcher) buildURL(args Args, token string) (string, error) {
	path, err := args.Platform.urlPath()
	if err != nil {
		return "", err
	}

	servingPort := args.Port
	if args.Dev {
		servingPort = 3000
	}

	q := url.Values{}
	q.Set("token", token)
	q.Set("cwd", args.Cwd)

	raw := fmt.Sprintf("http://localhost:%d%s?%s", servingPort, path, q.Encode())
	if containsSpace(raw) {
		return "", ErrIllegalURL
	}
	return raw, nil
}

func containsSpace(s string) bool {
	for _, r := range s {
		if r == ' ' {
			return true
		}
	}
	return false
}

// VersionsMatch reports whether two reported tool versions are the
// same release: semver-aware when both strings parse as semver (so
// "0.1.0" and "v0.1.0" agree), exact string equality otherwise. Used
// by handleAddrInUse to decide whether an occupant server is stale.
func VersionsMatch(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return va.Equal(vb)
}
