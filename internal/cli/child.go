package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/islserver/server/internal/launcher"
)

// IsChild reports whether this process was re-exec'd as a detached
// server child (launcher.ProcessStarter.StartDetached passes
// ChildModeFlag on argv and StartServerArgs via an env var — see
// launcher.ChildArgsFromEnv).
func IsChild() bool {
	for _, a := range os.Args[1:] {
		if a == launcher.ChildModeFlag {
			return true
		}
	}
	return false
}

// RunChild implements the re-exec'd child side of §4.G's parent↔child
// IPC: decode StartServerArgs from the environment, bind the server,
// report exactly one {"type":"result"} line on stdout, then keep
// serving until a terminate signal arrives (the kill protocol's
// SIGTERM, or the server's own self-shutdown timer calling os.Exit
// directly). Returns the process exit code; it never returns at all
// on the success path short of a signal, since os.Exit from
// self-shutdown bypasses it.
func RunChild() int {
	args, ok, err := launcher.ChildArgsFromEnv()
	if err != nil || !ok {
		launcher.EmitChildResult(os.Stdout, launcher.ChildResult{Err: childErrText(err, ok)})
		return 1
	}

	srv, closeOut, err := buildServer(args, false)
	if err != nil {
		launcher.EmitChildResult(os.Stdout, launcher.ChildResult{Err: err.Error()})
		return 1
	}
	defer closeOut()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	port, err := waitForListen(srv, errCh, 5*time.Second)
	if err != nil {
		mapped := mapListenErr(err, args.Port)
		launcher.EmitChildResult(os.Stdout, launcher.ChildResult{Err: mapped.Error()})
		return 1
	}

	launcher.EmitChildResult(os.Stdout, launcher.ChildResult{PID: os.Getpid(), Port: port})

	select {
	case <-ctx.Done():
		return 0
	case err := <-errCh:
		if err != nil {
			return 1
		}
		return 0
	}
}

func childErrText(err error, ok bool) string {
	if !ok {
		return "launcher: not invoked as a server child"
	}
	return err.Error()
}
