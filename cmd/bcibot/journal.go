package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattjoyce/bcibot/internal/config"
	"github.com/mattjoyce/bcibot/internal/inspect"
	"github.com/mattjoyce/bcibot/internal/journal"
	"github.com/mattjoyce/bcibot/internal/protocol"
	"github.com/mattjoyce/bcibot/internal/storage"
)

func runJournalNoun(args []string) int {
	if len(args) < 1 {
		printJournalNounHelp(os.Stderr)
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runJournalList(actionArgs)
	case "show":
		return runJournalShow(actionArgs)
	case "help", "--help", "-h":
		printJournalNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown journal action: %s\n", action)
		return 1
	}
}

func printJournalNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: bcibot journal <action> [flags]")
	fmt.Fprintln(w, "Actions: list, show <command-id>")
}

// openJournal opens the journal named by the config at configPath. The
// returned close func is never nil.
func openJournal(ctx context.Context, configPath string) (*journal.Journal, func(), error) {
	cfg, err := config.LoadOrDefaults(configPath)
	if err != nil {
		return nil, func() {}, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg, "error")
	if !cfg.Journal.Enabled {
		return nil, func() {}, errors.New("journal disabled in config")
	}
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		return nil, func() {}, fmt.Errorf("journal %s: %w", cfg.Journal.Path, err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
	if err != nil {
		return nil, func() {}, err
	}
	return journal.New(db), func() { _ = db.Close() }, nil
}

func runJournalList(args []string) int {
	fs := newFlagSet("list")
	configPath := fs.StringP("config", "c", "", "Path to bcibot.yaml (or its directory)")
	channelName := fs.String("channel", "", "Only this channel (move, speak, gripper, camera or a prefix)")
	statusName := fs.String("status", "", "Only this status (succeeded, failed, rejected)")
	since := fs.Duration("since", 0, "Only commands completed within this window")
	limit := fs.Int("limit", 20, "Maximum entries")
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	f := journal.Filter{Limit: *limit}
	if *channelName != "" {
		tag, err := protocol.ParseTag(*channelName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		f.Channel = &tag
	}
	switch st := journal.Status(*statusName); st {
	case "":
	case journal.StatusSucceeded, journal.StatusFailed, journal.StatusRejected:
		f.Status = st
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown status %q\n", *statusName)
		return 1
	}
	if *since > 0 {
		f.Since = time.Now().Add(-*since)
	}

	ctx := context.Background()
	j, closeDB, err := openJournal(ctx, *configPath)
	defer closeDB()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	entries, err := j.List(ctx, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list journal: %v\n", err)
		return 1
	}
	if *jsonOut {
		if entries == nil {
			entries = []journal.Entry{}
		}
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Print(inspect.BuildList(entries))
	return 0
}

func runJournalShow(args []string) int {
	fs := newFlagSet("show")
	configPath := fs.StringP("config", "c", "", "Path to bcibot.yaml (or its directory)")
	neighbors := fs.Int("neighbors", inspect.DefaultNeighbors, "Commands to show either side on the same channel")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: bcibot journal show [flags] <command-id>")
		return 1
	}

	ctx := context.Background()
	j, closeDB, err := openJournal(ctx, *configPath)
	defer closeDB()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	out, err := build(ctx, j, fs.Arg(0), *neighbors)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Not found: %s\n", fs.Arg(0))
		} else {
			fmt.Fprintf(os.Stderr, "Failed to build report: %v\n", err)
		}
		return 1
	}
	fmt.Println(out)
	return 0
}
