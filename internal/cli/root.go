// Package cli implements run-proxy's command line: flag parsing into
// launcher.Args, human/--json result printing, and the detached-child
// re-exec branch spawned by launcher.ProcessStarter (spec.md §6, §4.G).
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/islserver/server/internal/launcher"
	"github.com/islserver/server/internal/statestore"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	flagForeground bool
	flagNoOpen     bool
	flagPort       int
	flagJSON       bool
	flagStdout     bool
	flagDev        bool
	flagKill       bool
	flagForce      bool
	flagCommand    string
	flagSLVersion  string
	flagPlatform   string
)

var rootCmd = &cobra.Command{
	Use:           "run-proxy",
	Short:         "Launch or reuse the Interactive Smartlog server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runLauncher,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVarP(&flagForeground, "foreground", "f", false, "Run the server in this process instead of detaching")
	flags.BoolVar(&flagNoOpen, "no-open", false, "Do not launch the default browser")
	flags.IntVarP(&flagPort, "port", "p", defaultPort(), "Port to bind")
	flags.BoolVar(&flagJSON, "json", false, "Emit one JSON object on stdout; suppress human prose")
	flags.BoolVar(&flagStdout, "stdout", false, "Log to stdout; implies --foreground")
	flags.BoolVar(&flagDev, "dev", false, "Build the URL as if served on port 3000")
	flags.BoolVar(&flagKill, "kill", false, "Kill any reusable server on the port, then exit")
	flags.BoolVar(&flagForce, "force", false, "Kill any reusable server on the port, then spawn fresh")
	flags.StringVar(&flagCommand, "command", "sl", "Source-control command")
	flags.StringVar(&flagSLVersion, "sl-version", "", "Reported tool version; a mismatch forces a fresh server")
	flags.StringVar(&flagPlatform, "platform", "", "One of a closed set of embedding platforms (e.g. androidStudio)")
}

// defaultPort implements §6's "default 3011; env PORT as legacy
// override" — used only to seed the flag's default so an explicit
// -p/--port still wins over PORT.
func defaultPort() int {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 3011
}

// Execute runs the root command. A child re-exec never reaches this
// path; see RunChild.
func Execute() error {
	return rootCmd.Execute()
}

func runLauncher(cmd *cobra.Command, _ []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("cli: resolving cwd: %w", err)
	}

	args := launcher.Args{
		Foreground: flagForeground || flagStdout,
		NoOpen:     flagNoOpen,
		Port:       flagPort,
		JSON:       flagJSON,
		Stdout:     flagStdout,
		Dev:        flagDev,
		Kill:       flagKill,
		Force:      flagForce,
		Command:    flagCommand,
		SLVersion:  flagSLVersion,
		Platform:   launcher.Platform(flagPlatform),
		Cwd:        cwd,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := newLauncher(args)
	if err != nil {
		return reportFailure(args, err)
	}

	if _, err := l.Run(ctx, args); err != nil {
		return reportFailure(args, err)
	}
	return nil
}

func newLauncher(args launcher.Args) (*launcher.Launcher, error) {
	dir, err := statestore.CacheDir()
	if err != nil {
		return nil, fmt.Errorf("cli: resolving state dir: %w", err)
	}
	store := statestore.New(dir)
	starter := &launcher.ProcessStarter{Serve: serve}

	l := launcher.New(store, starter, os.Stdout)
	if !args.NoOpen {
		l.OpenURL = openBrowser
	}
	return l, nil
}

// reportFailure prints a launch failure in whichever shape --json
// asked for and returns the error so Execute's caller exits non-zero.
func reportFailure(args launcher.Args, err error) error {
	if args.JSON {
		_ = json.NewEncoder(os.Stdout).Encode(struct {
			Error string `json:"error"`
		}{Error: err.Error()})
	} else {
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", ansiRed, err, ansiReset)
	}
	return err
}
