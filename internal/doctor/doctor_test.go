package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/bcibot/internal/config"
	"github.com/mattjoyce/bcibot/internal/protocol"
	"github.com/mattjoyce/bcibot/internal/simulator"
)

// lockedConfig writes a default config file, locks it and loads it back.
func lockedConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, config.DefaultFileName)
	body := "timing:\n  read_timeout: 5s\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Lock(path, false); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestValidate_CleanConfig(t *testing.T) {
	t.Parallel()
	r := New(lockedConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_MissingPIDFile(t *testing.T) {
	t.Parallel()
	cfg := lockedConfig(t)
	cfg.Service.PIDFile = ""
	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "service", "pid_file")
}

func TestValidate_APIWithoutKey(t *testing.T) {
	t.Parallel()
	cfg := lockedConfig(t)
	cfg.API.Enabled = true
	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "api", "401")
}

func TestValidate_APIPublicListen(t *testing.T) {
	t.Parallel()
	cfg := lockedConfig(t)
	cfg.API.Enabled = true
	cfg.API.Auth.APIKey = "k"
	cfg.API.Listen = ":8080"
	r := New(cfg).Validate()
	assertHasWarning(t, r, "api", "beyond loopback")
}

func TestValidate_APIBadListen(t *testing.T) {
	t.Parallel()
	cfg := lockedConfig(t)
	cfg.API.Enabled = true
	cfg.API.Auth.APIKey = "k"
	cfg.API.Listen = "8080"
	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "api", "invalid listen address")
}

func TestValidate_Webhooks(t *testing.T) {
	t.Parallel()
	cfg := lockedConfig(t)
	cfg.Webhooks.Enabled = true
	cfg.Webhooks.Listen = "0.0.0.0:8081"
	cfg.Webhooks.Endpoints = []config.WebhookEndpoint{{Path: "/in", Secret: "short", SignatureHeader: "X-Sig"}}
	r := New(cfg).Validate()
	assertHasWarning(t, r, "webhooks", "beyond loopback")
	assertHasWarning(t, r, "webhooks", "shorter than 16 bytes")

	cfg.API.Enabled = true
	cfg.API.Auth.APIKey = "k"
	cfg.API.Listen = "127.0.0.1:8081"
	cfg.Webhooks.Listen = "127.0.0.1:8081"
	r = New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "webhooks", "cannot share")
}

func TestValidate_BlockingReads(t *testing.T) {
	t.Parallel()
	cfg := lockedConfig(t)
	cfg.Timing.ReadTimeout = 0
	r := New(cfg).Validate()
	assertHasWarning(t, r, "timing", "silent controller")
}

func TestValidate_TimingWarnings(t *testing.T) {
	t.Parallel()
	cfg := lockedConfig(t)
	cfg.Timing.KeepAliveDelay = 0
	cfg.Timing.CloseGrace = 10 * time.Millisecond
	cfg.Timing.WaitPoll = 2 * time.Second
	r := New(cfg).Validate()
	assertHasWarning(t, r, "timing", "back to back")
	assertHasWarning(t, r, "timing", "shorter than close_poll")
	assertHasWarning(t, r, "timing", "latency")
}

func TestValidate_Journal(t *testing.T) {
	t.Parallel()
	cfg := lockedConfig(t)
	cfg.Journal.Retention = 0
	assertHasWarning(t, New(cfg).Validate(), "journal", "never pruned")

	cfg.Journal.Enabled = false
	assertHasWarning(t, New(cfg).Validate(), "journal", "404")
}

func TestValidate_Integrity(t *testing.T) {
	t.Parallel()
	r := New(config.Defaults()).Validate()
	assertHasWarning(t, r, "integrity", "defaults")

	dir := t.TempDir()
	path := filepath.Join(dir, config.DefaultFileName)
	if err := os.WriteFile(path, []byte("robot:\n  address: 127.0.0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	assertHasWarning(t, New(cfg).Validate(), "integrity", "not locked")
}

func TestValidate_MissingLogDir(t *testing.T) {
	t.Parallel()
	cfg := lockedConfig(t)
	cfg.Service.LogFile = filepath.Join(t.TempDir(), "missing", "bcibot.log")
	assertHasWarning(t, New(cfg).Validate(), "service", "does not exist")
}

func TestProbe(t *testing.T) {
	sim := simulator.New(nil)
	if err := sim.Listen("127.0.0.1", nil); err != nil {
		t.Fatal(err)
	}
	defer sim.Close()

	cfg := lockedConfig(t)
	for tag, port := range sim.Ports() {
		cfg.Robot.Ports.Set(tag, port)
	}

	d := New(cfg)
	r := d.Validate()
	d.Probe(context.Background(), r)
	if !r.Valid {
		t.Fatalf("expected all channels reachable, got: %v", r.Errors)
	}

	// A port nobody listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	cfg.Robot.Ports.Set(protocol.Camera, dead)

	r = d.Validate()
	d.Probe(context.Background(), r)
	if r.Valid {
		t.Fatal("expected camera probe to fail")
	}
	assertHasError(t, r, "reachability", "Camera channel")
	if len(r.Errors) != 1 {
		t.Fatalf("expected one reachability error, got: %v", r.Errors)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	if out := FormatHuman(&Result{Valid: true}); !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}

	out := FormatHuman(&Result{
		Valid:    false,
		Errors:   []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
		Warnings: []Issue{{Category: "timing", Message: "slow"}},
	})
	if !strings.Contains(out, "ERROR [test] x.y: broken") || !strings.Contains(out, "WARN  [timing] slow") {
		t.Fatalf("unexpected output: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
