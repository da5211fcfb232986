package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/mattjoyce/bcibot/internal/api"
	"github.com/mattjoyce/bcibot/internal/config"
	"github.com/mattjoyce/bcibot/internal/dispatch"
	"github.com/mattjoyce/bcibot/internal/protocol"
	"github.com/mattjoyce/bcibot/internal/sink"
	"github.com/mattjoyce/bcibot/internal/status"
	"github.com/mattjoyce/bcibot/internal/tui/watch"
)

const (
	defaultAPIURL = "http://127.0.0.1:8080"
	apiKeyEnv     = "BCIBOT_API_KEY"
)

// apiClient talks to a running daemon.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type apiFlags struct {
	url *string
	key *string
}

func addAPIFlags(fs *pflag.FlagSet) apiFlags {
	return apiFlags{
		url: fs.String("api-url", defaultAPIURL, "Daemon API URL"),
		key: fs.String("api-key", os.Getenv(apiKeyEnv), "API bearer token (or "+apiKeyEnv+")"),
	}
}

func (f apiFlags) client() (*apiClient, error) {
	if *f.key == "" {
		return nil, fmt.Errorf("API key required. Use --api-key or %s", apiKeyEnv)
	}
	return &apiClient{
		baseURL: strings.TrimRight(*f.url, "/"),
		apiKey:  *f.key,
		http:    &http.Client{},
	}, nil
}

// do sends a request and decodes a 2xx JSON body into out. Non-2xx answers
// are returned as *apiError carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// commandLine joins CLI words into one raw command terminated by a newline.
func commandLine(words []string) string {
	raw := strings.Join(words, " ")
	if !strings.HasSuffix(raw, "\n") {
		raw += "\n"
	}
	return raw
}

func runSend(args []string) int {
	fs := newFlagSet("send")
	af := addAPIFlags(fs)
	waitTarget := fs.String("wait", "", "After queueing, wait for this target (e.g. move, all)")
	timeout := fs.Duration("timeout", 30*time.Second, "Limit for --wait")
	direct := fs.Bool("direct", false, "Connect to the robot directly instead of a running daemon")
	configPath := fs.StringP("config", "c", "", "Config for --direct")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, `Usage: bcibot send [flags] <command>   e.g. bcibot send "ER1 move forward"`)
		return 1
	}
	raw := commandLine(fs.Args())

	if *direct {
		return sendDirect(*configPath, raw, *waitTarget, *timeout)
	}

	c, err := af.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ctx := context.Background()

	var resp api.CommandResponse
	if err := c.do(ctx, http.MethodPost, "/command", api.CommandRequest{Command: raw}, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to send command: %v\n", err)
		return 1
	}
	if !resp.Routed {
		fmt.Println("not routed (unknown prefix)")
		return 0
	}
	fmt.Printf("queued %s on %s\n", resp.CommandID, resp.Channel)

	if *waitTarget == "" {
		return 0
	}
	return waitRemote(ctx, c, *waitTarget, *timeout)
}

// sendDirect runs a private dispatcher for one command and drains it.
func sendDirect(configPath, raw, waitTarget string, timeout time.Duration) int {
	cfg, err := config.LoadOrDefaults(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	setupLogging(cfg, "warn")

	var target status.Target
	if waitTarget != "" {
		if target, err = status.ParseTarget(waitTarget); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	// Reports from channels not used by this command still reach stderr.
	stderr := sink.Func(func(text string) { fmt.Fprintln(os.Stderr, text) })
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d := dispatch.New(ctx, cfg, dispatch.WithSink(stderr))
	d.SendCommand(raw)

	code := 0
	if waitTarget != "" {
		if err := d.WaitFor(ctx, target); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to wait for %s: %v\n", target, err)
			code = 1
		}
	}
	if err := d.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close: %v\n", err)
		code = 1
	}
	return code
}

func runStatus(args []string) int {
	fs := newFlagSet("status")
	af := addAPIFlags(fs)
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	c, err := af.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var st api.StatusResponse
	if err := c.do(context.Background(), http.MethodGet, "/status", nil, &st); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fetch status: %v\n", err)
		return 1
	}
	if *jsonOut {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	printStatus(os.Stdout, st)
	return 0
}

func printStatus(w io.Writer, st api.StatusResponse) {
	fmt.Fprintf(w, "all done: %t  queued: %d\n\n", st.AllDone, st.QueueDepth)
	fmt.Fprintf(w, "%-8s %-11s %-5s %6s %6s %6s %8s  %s\n", "CHANNEL", "STATE", "DONE", "QUEUED", "SENT", "FAILED", "REJECTED", "ADDRESS")
	for _, ch := range st.Channels {
		fmt.Fprintf(w, "%-8s %-11s %-5t %6d %6d %6d %8d  %s\n",
			strings.ToLower(ch.Channel.String()), ch.State, ch.Done, ch.Queued, ch.Sent, ch.Failed, ch.Rejected, ch.Address)
	}
}

func runWait(args []string) int {
	fs := newFlagSet("wait")
	af := addAPIFlags(fs)
	timeout := fs.Duration("timeout", 30*time.Second, "Give up after this long")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: bcibot wait [flags] <all|move|speak|gripper|camera>")
		return 1
	}
	c, err := af.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return waitRemote(context.Background(), c, fs.Arg(0), *timeout)
}

func waitRemote(ctx context.Context, c *apiClient, target string, timeout time.Duration) int {
	t, err := status.ParseTarget(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	name := "all"
	if !t.IsAll() {
		name = strings.ToLower(t.Tag().String())
	}

	path := "/wait/" + url.PathEscape(name) + "?timeout=" + url.QueryEscape(timeout.String())
	var resp api.WaitResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to wait for %s: %v\n", t, err)
		return 1
	}
	fmt.Printf("%s after %s\n", resp.Target, time.Duration(resp.WaitedMS)*time.Millisecond)
	return 0
}

func runWatch(args []string) int {
	fs := newFlagSet("watch")
	af := addAPIFlags(fs)
	only := fs.String("channel", "", "Only show events for this channel (move, speak, gripper, camera)")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if _, err := af.client(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	m := watch.New(*af.url, *af.key)
	if *only != "" {
		tag, err := protocol.ParseTag(*only)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		m.FilterChannel(tag)
	}
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
