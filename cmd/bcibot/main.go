package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/bcibot/internal/api"
	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/config"
	"github.com/mattjoyce/bcibot/internal/dispatch"
	"github.com/mattjoyce/bcibot/internal/events"
	"github.com/mattjoyce/bcibot/internal/journal"
	"github.com/mattjoyce/bcibot/internal/lock"
	"github.com/mattjoyce/bcibot/internal/log"
	"github.com/mattjoyce/bcibot/internal/lookup"
	"github.com/mattjoyce/bcibot/internal/sink"
	"github.com/mattjoyce/bcibot/internal/storage"
	"github.com/mattjoyce/bcibot/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	shutdownTimeout = 30 * time.Second
	pruneInterval   = time.Hour
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "send":
		return runSend(args)
	case "status":
		return runStatus(args)
	case "wait":
		return runWait(args)
	case "watch":
		return runWatch(args)
	case "sim":
		return runSim(args)
	case "lookup":
		return runLookup(args)
	case "config":
		return runConfigNoun(args)
	case "journal":
		return runJournalNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `bcibot - command dispatcher for a networked mobile robot

Usage:
  bcibot <command> [flags]

Daemon:
  start             Connect to the robot and serve the HTTP API in the foreground
  sim               Run a simulated robot controller (and address registry)

Client (talks to a running daemon):
  send <command>    Queue a raw command line, e.g. "ER1 move forward"
  status            Show per-channel completion and counters
  wait <target>     Block until a channel ("move", "GRP") or "all" is done
  watch             Real-time monitoring TUI

Tools:
  lookup <name>     Resolve a robot address from the registry
  config check      Validate syntax and integrity
  config lock       Record the config's BLAKE3 checksum
  journal list      List finished commands from the journal
  journal show <id> Timeline of one command and its neighbours

General:
  version           Show version information
  help              Show this help message

Use 'bcibot <command> --help' for command flags.
`)
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

// parseFlags returns -1 to continue, otherwise the exit code.
func parseFlags(fs *pflag.FlagSet, args []string) int {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	return -1
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := newFlagSet("version")
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("bcibot %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func setupLogging(cfg *config.Config, levelOverride string) {
	level := cfg.Service.LogLevel
	if levelOverride != "" {
		level = levelOverride
	}
	log.SetupWithOptions(log.Options{
		Level:  level,
		Format: cfg.Service.LogFormat,
		File:   cfg.Service.LogFile,
	})
}

// resolveRobot replaces the controller address with the one registered under name.
func resolveRobot(ctx context.Context, cfg *config.Config, name string) error {
	timeout := cfg.Lookup.Timeout
	if timeout <= 0 {
		timeout = lookup.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	addr, err := lookup.Resolve(ctx, cfg.Lookup.Addr(), name)
	if err != nil {
		return err
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	cfg.Robot.Address = addr
	return nil
}

func runStart(args []string) int {
	fs := newFlagSet("start")
	configPath := fs.StringP("config", "c", "", "Path to bcibot.yaml (or its directory)")
	robotName := fs.String("robot", "", "Resolve the controller address by name from the lookup registry")
	listen := fs.String("listen", "", "Override api.listen and enable the API")
	logLevel := fs.String("log-level", "", "Override service.log_level")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	cfg, err := config.LoadOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = *listen
	}

	setupLogging(cfg, *logLevel)
	logger := log.WithComponent("main")
	logger.Info("bcibot starting", "version", version, "config", cfg.SourcePath)

	pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *robotName != "" {
		if err := resolveRobot(ctx, cfg, *robotName); err != nil {
			logger.Error("failed to resolve robot", "name", *robotName, "error", err)
			return 1
		}
	}

	var whConfig webhook.Config
	if cfg.Webhooks.Enabled {
		if whConfig, err = webhook.FromGlobalConfig(&cfg.Webhooks); err != nil {
			logger.Error("invalid webhooks config", "error", err)
			return 1
		}
	}

	hub := events.NewHub(256)
	defer hub.Close()
	observer := events.NewObserver(hub)
	observers := []channel.Observer{observer}

	var (
		jnl      *journal.Journal
		recorder *journal.Recorder
	)
	if cfg.Journal.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer db.Close()
		jnl = journal.New(db)
		recorder = journal.NewRecorder(jnl, 0)
		observers = append(observers, recorder)
		logger.Info("journal opened", "path", cfg.Journal.Path)
	}

	recorderDone := make(chan struct{})
	if recorder != nil {
		go func() {
			defer close(recorderDone)
			_ = recorder.Run(context.WithoutCancel(ctx))
		}()
	} else {
		close(recorderDone)
	}

	opts := []dispatch.Option{
		dispatch.WithSink(sink.Tee(sink.NewLogSink(log.WithComponent("sink")), observer)),
	}
	for _, o := range observers {
		opts = append(opts, dispatch.WithObserver(o))
	}
	disp := dispatch.New(ctx, cfg, opts...)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		apiConfig := api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.Auth.APIKey}
		var jr api.JournalReader
		if jnl != nil {
			jr = jnl
		}
		srv := api.New(apiConfig, disp, jr, hub, log.WithComponent("api"))
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}
	if cfg.Webhooks.Enabled {
		wh := webhook.New(whConfig, disp, log.WithComponent("webhook"))
		g.Go(func() error {
			if err := wh.Start(gctx); err != nil {
				return fmt.Errorf("webhook: %w", err)
			}
			return nil
		})
		logger.Info("webhook server enabled", "listen", cfg.Webhooks.Listen, "endpoints", len(whConfig.Endpoints))
	}
	if jnl != nil && cfg.Journal.Retention > 0 {
		g.Go(func() error {
			pruneJournal(gctx, jnl, cfg.Journal.Retention, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("bcibot running (press Ctrl+C to stop)")
	runErr := g.Wait()
	if runErr != nil {
		logger.Error("component failed", "error", runErr)
	} else {
		logger.Info("received shutdown signal")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := disp.Close(closeCtx); err != nil {
		logger.Error("dispatcher close", "error", err)
	}
	if recorder != nil {
		recorder.Close()
	}
	<-recorderDone

	logger.Info("bcibot stopped")
	if runErr != nil {
		return 1
	}
	return 0
}

// pruneJournal trims entries older than retention now and then hourly.
func pruneJournal(ctx context.Context, j *journal.Journal, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := j.Prune(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("journal prune failed", "error", err)
		case n > 0:
			logger.Info("journal pruned", "removed", n, "retention", retention.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
