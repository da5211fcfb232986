// Package doctor reviews a loaded bcibot configuration for settings that are
// valid but likely wrong, and optionally probes the controller's ports.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/bcibot/internal/config"
	"github.com/mattjoyce/bcibot/internal/protocol"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor inspects one loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor for cfg, which should already have passed config.Validate.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs the static checks.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validateAPI(r)
	d.warnWebhooks(r)
	d.warnTiming(r)
	d.warnJournal(r)
	d.warnIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

// Probe dials every channel concurrently and records an error for each
// controller port that does not accept a connection.
func (d *Doctor) Probe(ctx context.Context, r *Result) {
	type outcome struct {
		tag protocol.Tag
		err error
	}
	results := make([]outcome, len(protocol.Tags))

	var g errgroup.Group
	for i, tag := range protocol.Tags {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, d.cfg.Timing.DialTimeout)
			defer cancel()
			conn, err := protocol.Dial(dctx, d.cfg.Robot.Addr(tag))
			if err == nil {
				_ = conn.Close()
			}
			results[i] = outcome{tag: tag, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range results {
		if o.err != nil {
			d.addError(r, "reachability", "robot.ports."+strings.ToLower(o.tag.String()),
				fmt.Sprintf("%s channel at %s: %v", o.tag, d.cfg.Robot.Addr(o.tag), o.err))
		}
	}
	r.Valid = len(r.Errors) == 0
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	if d.cfg.Service.PIDFile == "" {
		d.addError(r, "service", "service.pid_file", "pid_file is required to start the daemon")
	}
	if f := d.cfg.Service.LogFile; f != "" {
		if _, err := os.Stat(filepath.Dir(f)); err != nil {
			d.addWarning(r, "service", "service.log_file",
				fmt.Sprintf("log directory %s does not exist yet", filepath.Dir(f)))
		}
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Auth.APIKey == "" {
		d.addWarning(r, "api", "api.auth.api_key", "API enabled but no api_key configured; every route except /healthz answers 401")
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.listen", fmt.Sprintf("API listens beyond loopback (%s); anyone with the key can drive the robot", d.cfg.API.Listen))
	}
}

// minSecretLen is the shortest webhook secret accepted without a warning.
const minSecretLen = 16

func (d *Doctor) warnWebhooks(r *Result) {
	wc := d.cfg.Webhooks
	if !wc.Enabled {
		return
	}
	if host, _, err := net.SplitHostPort(wc.Listen); err != nil {
		d.addError(r, "webhooks", "webhooks.listen", fmt.Sprintf("invalid listen address %q: %v", wc.Listen, err))
	} else if ip := net.ParseIP(host); host == "" || (ip != nil && !ip.IsLoopback()) {
		d.addWarning(r, "webhooks", "webhooks.listen", fmt.Sprintf("webhooks listen beyond loopback (%s)", wc.Listen))
	}
	if d.cfg.API.Enabled && wc.Listen == d.cfg.API.Listen {
		d.addError(r, "webhooks", "webhooks.listen", "webhooks and API cannot share "+wc.Listen)
	}
	for i, ep := range wc.Endpoints {
		if len(ep.Secret) < minSecretLen {
			d.addWarning(r, "webhooks", fmt.Sprintf("webhooks.endpoints[%d].secret", i),
				fmt.Sprintf("secret for %s is shorter than %d bytes", ep.Path, minSecretLen))
		}
	}
}

func (d *Doctor) warnTiming(r *Result) {
	t := d.cfg.Timing
	if t.ReadTimeout == 0 {
		d.addWarning(r, "timing", "timing.read_timeout", "read_timeout is 0; a silent controller stalls its channel until shutdown")
	}
	if t.KeepAliveDelay == 0 {
		d.addWarning(r, "timing", "timing.keepalive_delay", "keepalive_delay is 0; probes are sent back to back")
	}
	if t.CloseGrace < t.ClosePoll {
		d.addWarning(r, "timing", "timing.close_grace", "close_grace is shorter than close_poll")
	}
	if t.WaitPoll > time.Second {
		d.addWarning(r, "timing", "timing.wait_poll", fmt.Sprintf("wait_poll %s adds noticeable latency to every wait", t.WaitPoll))
	}
}

func (d *Doctor) warnJournal(r *Result) {
	if !d.cfg.Journal.Enabled {
		d.addWarning(r, "journal", "journal.enabled", "journal disabled; /journal routes answer 404")
		return
	}
	if d.cfg.Journal.Retention == 0 {
		d.addWarning(r, "journal", "journal.retention", "retention is 0; the journal is never pruned")
	}
}

func (d *Doctor) warnIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		d.addWarning(r, "integrity", "", "no config file found; running on built-in defaults")
		return
	}
	if !config.IsLocked(d.cfg.SourcePath) {
		d.addWarning(r, "integrity", "", fmt.Sprintf("%s is not locked; run 'bcibot config lock'", filepath.Base(d.cfg.SourcePath)))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
	} else {
		fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
