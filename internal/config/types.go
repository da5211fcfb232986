package config

import (
	"net"
	"strconv"
	"time"

	"github.com/mattjoyce/bcibot/internal/protocol"
)

// Config represents the complete bcibot configuration.
type Config struct {
	Robot    RobotConfig    `yaml:"robot"`
	Timing   TimingConfig   `yaml:"timing"`
	Service  ServiceConfig  `yaml:"service"`
	Journal  JournalConfig  `yaml:"journal"`
	API      APIConfig      `yaml:"api,omitempty"`
	Webhooks WebhooksConfig `yaml:"webhooks,omitempty"`
	Lookup   LookupConfig   `yaml:"lookup"`

	// SourcePath is the file the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
}

// RobotConfig locates the controller. All channels share one host.
type RobotConfig struct {
	Address      string      `yaml:"address"`
	Ports        PortsConfig `yaml:"ports"`
	RedialOnSend bool        `yaml:"redial_on_send"`
}

// PortsConfig holds one port per channel.
type PortsConfig struct {
	Move    int `yaml:"move"`
	Speak   int `yaml:"speak"`
	Gripper int `yaml:"gripper"`
	Camera  int `yaml:"camera"`
}

// Port returns the configured port for tag.
func (p PortsConfig) Port(tag protocol.Tag) int {
	switch tag {
	case protocol.Move:
		return p.Move
	case protocol.Speak:
		return p.Speak
	case protocol.Gripper:
		return p.Gripper
	case protocol.Camera:
		return p.Camera
	default:
		return 0
	}
}

// Set overrides the port for tag.
func (p *PortsConfig) Set(tag protocol.Tag, port int) {
	switch tag {
	case protocol.Move:
		p.Move = port
	case protocol.Speak:
		p.Speak = port
	case protocol.Gripper:
		p.Gripper = port
	case protocol.Camera:
		p.Camera = port
	}
}

// Addr returns host:port for tag.
func (r RobotConfig) Addr(tag protocol.Tag) string {
	return net.JoinHostPort(r.Address, strconv.Itoa(r.Ports.Port(tag)))
}

// TimingConfig holds every protocol and shutdown delay.
type TimingConfig struct {
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	KeepAliveDelay time.Duration `yaml:"keepalive_delay"`
	ReadTimeout    time.Duration `yaml:"read_timeout"` // 0 blocks until the controller answers
	ClosePoll      time.Duration `yaml:"close_poll"`
	CloseGrace     time.Duration `yaml:"close_grace"`
	WaitPoll       time.Duration `yaml:"wait_poll"`
}

// ServiceConfig defines process-level settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file,omitempty"`
	PIDFile   string `yaml:"pid_file"`
}

// JournalConfig defines the SQLite command journal.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// WebhooksConfig defines signed command ingress for decoders that cannot
// hold an API key, such as a BCI headset bridge.
type WebhooksConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint is one signed ingress path.
type WebhookEndpoint struct {
	Path            string   `yaml:"path"`
	Secret          string   `yaml:"secret"`
	SignatureHeader string   `yaml:"signature_header"`
	MaxBodySize     string   `yaml:"max_body_size,omitempty"` // e.g. "64KB"
	Channels        []string `yaml:"channels,omitempty"`      // empty allows every channel
}

// LookupConfig locates the robot address registry.
type LookupConfig struct {
	Address string        `yaml:"address"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// Addr returns host:port of the registry.
func (l LookupConfig) Addr() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

// Defaults returns a Config matching the controller's stock setup.
func Defaults() *Config {
	return &Config{
		Robot: RobotConfig{
			Address: "127.0.0.1",
			Ports: PortsConfig{
				Move:    protocol.Move.DefaultPort(),
				Speak:   protocol.Speak.DefaultPort(),
				Gripper: protocol.Gripper.DefaultPort(),
				Camera:  protocol.Camera.DefaultPort(),
			},
		},
		Timing: TimingConfig{
			DialTimeout:    5 * time.Second,
			KeepAliveDelay: 500 * time.Millisecond,
			ClosePoll:      time.Second,
			CloseGrace:     time.Second,
			WaitPoll:       250 * time.Millisecond,
		},
		Service: ServiceConfig{
			Name:      "bcibot",
			LogLevel:  "info",
			LogFormat: "json",
			PIDFile:   "./data/bcibot.pid",
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      "./data/journal.db",
			Retention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Webhooks: WebhooksConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8081",
		},
		Lookup: LookupConfig{
			Address: "127.0.0.1",
			Port:    9050,
			Timeout: 5 * time.Second,
		},
	}
}
