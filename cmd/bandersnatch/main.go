// Command bandersnatch mirrors a PyPI-compatible simple index to local
// storage. It replaces the teacher's single-mode content-cache server with
// a multi-command CLI, since the mirror's command surface (mirror, verify,
// sync, delete) doesn't fit a single no-subcommand binary the way a proxy
// server does.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/pypa/bandersnatch-go/backend"
	"github.com/pypa/bandersnatch-go/telemetry"
)

// Exit codes, per spec.md §6's command surface table.
const (
	exitSuccess  = 0
	exitFailure  = 1
	exitUsage    = 2
	exitLockHeld = 3
)

// Globals holds the flags every subcommand accepts.
type Globals struct {
	Config      string `short:"c" required:"" help:"Path to the mirror's INI configuration file." type:"path"`
	Debug       bool   `help:"Enable debug logging."`
	MetricsAddr string `name:"metrics-addr" help:"Optional address to serve Prometheus metrics on for the duration of the command (e.g. :9090)."`
}

// CLI is bandersnatch's full command surface.
type CLI struct {
	Globals

	Mirror MirrorCmd `cmd:"" help:"Run a full replication pass against upstream."`
	Verify VerifyCmd `cmd:"" help:"Reconcile local state against upstream, repairing drift."`
	Sync   SyncCmd   `cmd:"" help:"Process a single named project."`
	Delete DeleteCmd `cmd:"" help:"Remove named project(s) and their files."`
}

func main() {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("bandersnatch"),
		kong.Description("A PyPI simple-index mirror."),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	// The mirror lock and the root context both propagate cancellation
	// (spec.md §5): an interrupt stops queued work from starting, lets
	// in-flight downloads close at their next suspension point, and leaves
	// todo for the next run to resume from.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "bandersnatch: received %s, shutting down\n", sig)
		cancel()
	}()

	app, err := newApp(ctx, cli.Globals)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bandersnatch:", err)
		os.Exit(exitUsage)
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			fmt.Fprintln(os.Stderr, "bandersnatch: error during shutdown:", cerr)
		}
	}()

	metricsSrv := startMetricsServer(cli.MetricsAddr, app)
	defer stopMetricsServer(metricsSrv, app)

	if err := kctx.Run(app); err != nil {
		app.Logger.Error("command failed", "error", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if errors.Is(err, backend.ErrLockHeld) {
		return exitLockHeld
	}
	return exitFailure
}

// startMetricsServer optionally exposes Prometheus's pull endpoint for the
// duration of the command, mirroring the teacher's http.Server-plus-
// graceful-shutdown idiom but scoped to one batch command instead of a
// long-lived proxy.
func startMetricsServer(addr string, app *App) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Warn("metrics server error", "error", err)
		}
	}()
	app.Logger.Info("serving metrics", "address", addr)
	return srv
}

func stopMetricsServer(srv *http.Server, app *App) {
	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("metrics server shutdown error", "error", err)
	}
}
