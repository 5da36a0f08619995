package subproc

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}
	result, err := Run(context.Background(), Spec{
		Exe:  "/bin/sh",
		Args: []string{"-c", "echo hello"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(string(result.Stdout)); got != "hello" {
		t.Errorf("Stdout = %q, want %q", got, "hello")
	}
	if result.Kind != ExitNormal {
		t.Errorf("Kind = %v, want ExitNormal", result.Kind)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}
	result, err := Run(context.Background(), Spec{
		Exe:  "/bin/sh",
		Args: []string{"-c", "exit 7"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", result.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}
	result, err := Run(context.Background(), Spec{
		Exe:     "/bin/sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if result.Kind != ExitTimedOut {
		t.Errorf("Kind = %v, want ExitTimedOut", result.Kind)
	}
}

func TestRunContextCancellation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := Run(ctx, Spec{
		Exe:  "/bin/sh",
		Args: []string{"-c", "sleep 5"},
	})
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if result.Kind != ExitKilled {
		t.Errorf("Kind = %v, want ExitKilled", result.Kind)
	}
}

func TestRunBufferTruncation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}
	result, err := Run(context.Background(), Spec{
		Exe:  "/bin/sh",
		Args: []string{"-c", "yes | head -c 11000000"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Stdout) > maxBufferedBytes+len("...[truncated]")+1 {
		t.Errorf("Stdout len = %d, want <= cap plus marker", len(result.Stdout))
	}
	if !strings.HasSuffix(string(result.Stdout), "...[truncated]") {
		t.Errorf("expected a truncation marker")
	}
}

func TestEnvOverlayStripsEditorVars(t *testing.T) {
	t.Setenv("EDITOR", "vim")
	t.Setenv("HGUSER", "someone")

	env := EnvOverlay(nil)
	for _, kv := range env {
		if strings.HasPrefix(kv, "EDITOR=") || strings.HasPrefix(kv, "HGUSER=") {
			t.Errorf("expected EDITOR/HGUSER to be stripped, found %q", kv)
		}
	}
	found := map[string]bool{}
	for _, kv := range env {
		if kv == "HGPLAIN=1" || kv == "ISL_AUTOMATION=1" {
			found[kv] = true
		}
	}
	if !found["HGPLAIN=1"] || !found["ISL_AUTOMATION=1"] {
		t.Errorf("expected fixed automation env vars, got %v", env)
	}
}

func TestRunStreamingDeliversChunksAndExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a pty")
	}
	var spawned bool
	var out strings.Builder
	var exitCode int
	var exitKind ExitKind

	err := RunStreaming(context.Background(), Spec{
		Exe:  "/bin/sh",
		Args: []string{"-c", "echo streamed"},
	}, StreamCallbacks{
		Spawn:  func() { spawned = true },
		Stdout: func(chunk []byte) { out.Write(chunk) },
		Exit: func(code int, kind ExitKind) {
			exitCode = code
			exitKind = kind
		},
	})
	if err != nil {
		t.Fatalf("RunStreaming: %v", err)
	}
	if !spawned {
		t.Error("expected Spawn callback to fire")
	}
	if !strings.Contains(out.String(), "streamed") {
		t.Errorf("Stdout callback got %q, want it to contain %q", out.String(), "streamed")
	}
	if exitCode != 0 {
		t.Errorf("Exit code = %d, want 0", exitCode)
	}
	if exitKind != ExitNormal {
		t.Errorf("Exit kind = %v, want ExitNormal", exitKind)
	}
}

func TestRunStreamingTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a pty")
	}
	err := RunStreaming(context.Background(), Spec{
		Exe:     "/bin/sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	}, StreamCallbacks{})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
