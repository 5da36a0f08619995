package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/islserver/server/internal/config"
	"github.com/islserver/server/internal/launcher"
	"github.com/islserver/server/internal/logging"
	"github.com/islserver/server/internal/reposcache"
	"github.com/islserver/server/internal/router"
	"github.com/islserver/server/internal/wsserver"
)

// buildServer wires one wsserver.Server from StartServerArgs: its own
// logger, repo cache, and a router.NewConnection closure bound to
// them. foreground disables §4.H's self-shutdown timer, since that
// only applies to a detached server nobody is watching directly.
func buildServer(args launcher.StartServerArgs, foreground bool) (*wsserver.Server, func() error, error) {
	out, closeOut, err := logging.OpenLogFile(args.LogFileLocation)
	if err != nil {
		return nil, nil, fmt.Errorf("cli: opening log destination: %w", err)
	}

	log := logging.New(out, "info")
	cfg, err := config.Load(os.Getenv("ISL_SERVER_CONFIG"))
	if err != nil {
		return nil, nil, fmt.Errorf("cli: loading config: %w", err)
	}
	cache := reposcache.New()

	srv := wsserver.New(wsserver.Config{
		Port:            args.Port,
		SensitiveToken:  args.SensitiveToken,
		ChallengeToken:  args.ChallengeToken,
		Foreground:      foreground,
		ActiveRepoCount: cache.Len,
		OnShutdown:      func() { os.Exit(0) },
		NewConnection:   router.NewConnection(cache, cfg, args.Command, cfg.Concurrency, log),
		Logger:          log,
	})
	return srv, closeOut, nil
}

// serve matches launcher.ProcessStarter.Serve's signature, used for
// --foreground: build the server and block on ListenAndServe, which
// itself blocks until ctx is cancelled (Ctrl+C) or the bind fails.
func serve(ctx context.Context, args launcher.StartServerArgs) error {
	srv, closeOut, err := buildServer(args, true)
	if err != nil {
		return err
	}
	defer closeOut()
	return mapListenErr(srv.ListenAndServe(ctx), args.Port)
}

// mapListenErr turns wsserver's own address-in-use sentinel into the
// typed error Launcher.Run's errors.As switch expects; every other
// error (including nil) passes through unchanged.
func mapListenErr(err error, port int) error {
	if errors.Is(err, wsserver.ErrAddrInUse) {
		return launcher.AddrInUseError{Port: port}
	}
	return err
}

// waitForListen polls srv.Addr() until the listener is bound (success
// returns its port), the server reports a bind error, or timeout
// elapses — mirrors wsserver's own tests, which poll Addr() the same
// way to learn an ephemeral port.
func waitForListen(srv *wsserver.Server, errCh <-chan error, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			return 0, err
		default:
		}
		if addr := srv.Addr(); addr != nil {
			tcp, ok := addr.(*net.TCPAddr)
			if !ok {
				return 0, fmt.Errorf("cli: unexpected listener address type %T", addr)
			}
			return tcp.Port, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return 0, fmt.Errorf("cli: server did not start listening within %s", timeout)
}
