package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/bcibot/internal/config"
	"github.com/mattjoyce/bcibot/internal/doctor"
	"github.com/mattjoyce/bcibot/internal/log"
	"github.com/mattjoyce/bcibot/internal/lookup"
	"github.com/mattjoyce/bcibot/internal/protocol"
	"github.com/mattjoyce/bcibot/internal/simulator"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	case "help", "--help", "-h":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: bcibot config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

// resolveConfigPath returns path, or the discovered config file.
func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if discovered := config.Discover(); discovered != "" {
		return discovered, nil
	}
	return "", fmt.Errorf("no config file found; pass --config or set BCIBOT_CONFIG")
}

// runConfigCheck exits 0 when clean, 2 with warnings only (1 with --strict)
// and 1 on errors.
func runConfigCheck(args []string) int {
	fs := newFlagSet("check")
	configPath := fs.StringP("config", "c", "", "Path to bcibot.yaml (or its directory)")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	probe := fs.Bool("probe", false, "Also dial every controller port")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	d := doctor.New(cfg)
	result := d.Validate()
	if *probe {
		d.Probe(context.Background(), result)
	}

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	switch {
	case !result.Valid:
		return 1
	case len(result.Warnings) > 0 && *strict:
		return 1
	case len(result.Warnings) > 0:
		return 2
	default:
		return 0
	}
}

func runConfigLock(args []string) int {
	fs := newFlagSet("lock")
	configPath := fs.StringP("config", "c", "", "Path to bcibot.yaml (or its directory)")
	dryRun := fs.Bool("dry-run", false, "Compute the hash without writing the manifest")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, config.DefaultFileName)
	}

	// Parse before locking so a broken file is never authorized.
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock: %v\n", err)
		return 1
	}

	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	if !report.Written {
		fmt.Printf("Dry-run: %s blake3=%s\n", report.ConfigPath, report.Hash)
		return 0
	}
	fmt.Printf("Locked %s\n", report.ConfigPath)
	fmt.Printf("  blake3: %s\n", report.Hash)
	fmt.Printf("  manifest: %s\n", report.ChecksumPath)
	return 0
}

func runSim(args []string) int {
	fs := newFlagSet("sim")
	configPath := fs.StringP("config", "c", "", "Take host and ports from this config")
	host := fs.String("host", "", "Listen host (default robot.address)")
	ephemeral := fs.Bool("ephemeral", false, "Pick free ports instead of the configured ones")
	registry := fs.Bool("registry", false, "Also serve the address registry on lookup.address:lookup.port")
	register := fs.StringToString("register", nil, "Registry entries as name=address (implies --registry)")
	reply := fs.String("reply", "", "Answer every command with this reply instead of the default script")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	cfg, err := config.LoadOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	setupLogging(cfg, "")
	logger := log.WithComponent("main")

	listenHost := cfg.Robot.Address
	if *host != "" {
		listenHost = *host
	}
	ports := make(map[protocol.Tag]int, len(protocol.Tags))
	if !*ephemeral {
		for _, tag := range protocol.Tags {
			ports[tag] = cfg.Robot.Ports.Port(tag)
		}
	}

	var responder simulator.Responder
	if *reply != "" {
		responder = simulator.Reply(*reply)
	}
	sim := simulator.New(responder)
	if err := sim.Listen(listenHost, ports); err != nil {
		logger.Error("failed to start simulator", "error", err)
		return 1
	}
	defer sim.Close()

	if *registry || len(*register) > 0 {
		reg := simulator.NewRegistry(*register)
		if err := reg.Listen(cfg.Lookup.Addr()); err != nil {
			logger.Error("failed to start registry", "addr", cfg.Lookup.Addr(), "error", err)
			return 1
		}
		defer reg.Close()
		logger.Info("registry listening", "addr", reg.Addr(), "entries", len(*register))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("simulator running (press Ctrl+C to stop)")
	<-ctx.Done()
	logger.Info("simulator stopped")
	return 0
}

func runLookup(args []string) int {
	fs := newFlagSet("lookup")
	configPath := fs.StringP("config", "c", "", "Path to bcibot.yaml (or its directory)")
	registryAddr := fs.String("registry", "", "Registry host:port (default lookup.address:lookup.port)")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: bcibot lookup [flags] <robot-name>")
		return 1
	}

	cfg, err := config.LoadOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	setupLogging(cfg, "error")

	addr := cfg.Lookup.Addr()
	if *registryAddr != "" {
		addr = *registryAddr
	}
	timeout := cfg.Lookup.Timeout
	if timeout <= 0 {
		timeout = lookup.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resolved, err := lookup.Resolve(ctx, addr, fs.Arg(0))
	if err != nil {
		if errors.Is(err, lookup.ErrNotRegistered) {
			fmt.Fprintf(os.Stderr, "Not registered: %s\n", fs.Arg(0))
		} else {
			fmt.Fprintf(os.Stderr, "Failed to look up %s: %v\n", fs.Arg(0), err)
		}
		return 1
	}
	fmt.Println(resolved)
	return 0
}
