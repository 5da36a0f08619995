package launcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// ChildModeFlag is the hidden flag cmd/run-proxy passes to itself when
// re-invoking as a detached server child, mirroring the teacher's
// `self run --path ...` re-invocation in trigger.go.
const ChildModeFlag = "--isl-server-child"

// ServerArgsEnvVar carries the child's StartServerArgs, JSON-encoded.
// Per §4.G, a process environment variable is not readable by other
// users, which is why the tokens travel this way instead of on argv
// (visible to anyone who can list processes).
const ServerArgsEnvVar = "ISL_SERVER_ARGS"

type childMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	ChildResult
}

// EmitChildMessage writes a structured {"type":"message",...} IPC line
// the child uses to narrate progress to the parent before the final
// result (§4.G).
func EmitChildMessage(w io.Writer, text string) {
	_ = json.NewEncoder(w).Encode(childMessage{Type: "message", Text: text})
}

// EmitChildResult writes the single {"type":"result",...} IPC line the
// parent waits for. The parent stops reading immediately afterward, so
// this must be the child's last write before it either keeps serving
// (detached, success) or exits (failure).
func EmitChildResult(w io.Writer, result ChildResult) {
	_ = json.NewEncoder(w).Encode(childMessage{Type: "result", ChildResult: result})
}

// ChildArgsFromEnv decodes StartServerArgs for a process invoked with
// ChildModeFlag. ok is false if the environment variable is absent,
// meaning this is not a child invocation.
func ChildArgsFromEnv() (args StartServerArgs, ok bool, err error) {
	raw := os.Getenv(ServerArgsEnvVar)
	if raw == "" {
		return StartServerArgs{}, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return StartServerArgs{}, true, fmt.Errorf("launcher: decoding %s: %w", ServerArgsEnvVar, err)
	}
	return args, true, nil
}

// ProcessStarter is the production ServerStarter: StartInProcess
// delegates to Serve (wired to the cli package's serve function by
// run-proxy's root command);
// StartDetached re-execs the current binary with ChildModeFlag and
// reads its structured IPC messages off a stdout pipe until the result
// line arrives, then detaches.
type ProcessStarter struct {
	Serve func(ctx context.Context, args StartServerArgs) error
}

// readChildResult scans newline-delimited JSON messages from r,
// skipping "message" lines, and returns the first "result" line.
func readChildResult(r io.Reader) (*ChildResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		var msg childMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue // a non-JSON stray line from the child; keep reading
		}
		switch msg.Type {
		case "result":
			result := msg.ChildResult
			if result.Err != "" {
				return &result, fmt.Errorf("launcher: child reported: %s", result.Err)
			}
			return &result, nil
		case "message":
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("launcher: reading child IPC stream: %w", err)
	}
	return nil, fmt.Errorf("launcher: child exited without reporting a result")
}

// StartDetached implements ServerStarter.
func (p *ProcessStarter) StartDetached(args StartServerArgs) (*ChildResult, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("launcher: resolving self: %w", err)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("launcher: encoding child args: %w", err)
	}

	cmd := exec.Command(self, ChildModeFlag)
	cmd.Dir = args.Cwd
	cmd.Env = append(os.Environ(), ServerArgsEnvVar+"="+string(payload))
	cmd.Stdin = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launcher: creating child stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launcher: spawning server: %w", err)
	}

	result, resultErr := readChildResult(stdout)
	// Release regardless of outcome: on success the child keeps serving
	// detached from this process; on failure it has already exited and
	// Release just stops us from reaping a zombie we don't care about.
	_ = cmd.Process.Release()

	if resultErr != nil {
		// The child's bind failure crosses the IPC stream as text; turn it
		// back into AddrInUseError so Launcher.Run can take the reuse path.
		if result != nil && result.Err == (AddrInUseError{Port: args.Port}).Error() {
			return nil, AddrInUseError{Port: args.Port}
		}
		return nil, resultErr
	}
	return result, nil
}

// StartInProcess implements ServerStarter for foreground mode.
func (p *ProcessStarter) StartInProcess(ctx context.Context, args StartServerArgs) error {
	if p.Serve == nil {
		return fmt.Errorf("launcher: ProcessStarter.Serve is not configured")
	}
	return p.Serve(ctx, args)
}
