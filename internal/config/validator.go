package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/bcibot/internal/protocol"
)

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
)

// Validate checks the configuration for values the runtime cannot work with.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Robot.Address) == "" {
		return fmt.Errorf("robot.address is required")
	}
	seen := make(map[int]protocol.Tag, len(protocol.Tags))
	for _, tag := range protocol.Tags {
		port := cfg.Robot.Ports.Port(tag)
		name := strings.ToLower(tag.String())
		if err := validPort(port); err != nil {
			return fmt.Errorf("robot.ports.%s: %w", name, err)
		}
		if other, dup := seen[port]; dup {
			return fmt.Errorf("robot.ports.%s: port %d already used by %s", name, port, strings.ToLower(other.String()))
		}
		seen[port] = tag
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"timing.dial_timeout", cfg.Timing.DialTimeout},
		{"timing.close_poll", cfg.Timing.ClosePoll},
		{"timing.close_grace", cfg.Timing.CloseGrace},
		{"timing.wait_poll", cfg.Timing.WaitPoll},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if cfg.Timing.KeepAliveDelay < 0 {
		return fmt.Errorf("timing.keepalive_delay must not be negative")
	}
	if cfg.Timing.ReadTimeout < 0 {
		return fmt.Errorf("timing.read_timeout must not be negative")
	}

	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if !validLogFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.Path == "" {
			return fmt.Errorf("journal.path is required when the journal is enabled")
		}
		if cfg.Journal.Retention < 0 {
			return fmt.Errorf("journal.retention must not be negative")
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
	}

	if cfg.Webhooks.Enabled {
		if err := validateWebhooks(cfg.Webhooks); err != nil {
			return err
		}
	}

	if err := validPort(cfg.Lookup.Port); err != nil {
		return fmt.Errorf("lookup.port: %w", err)
	}
	return nil
}

func validateWebhooks(wc WebhooksConfig) error {
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required when webhooks are enabled")
	}
	if len(wc.Endpoints) == 0 {
		return fmt.Errorf("webhooks.endpoints: at least one endpoint is required")
	}
	paths := make(map[string]bool, len(wc.Endpoints))
	for i, ep := range wc.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, ep.Path)
		}
		if paths[ep.Path] {
			return fmt.Errorf("%s.path %q is duplicated", field, ep.Path)
		}
		paths[ep.Path] = true
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if err := checkUnresolved(field+".secret", ep.Secret); err != nil {
			return err
		}
		if ep.SignatureHeader == "" {
			return fmt.Errorf("%s.signature_header is required", field)
		}
		for _, name := range ep.Channels {
			if _, err := protocol.ParseTag(name); err != nil {
				return fmt.Errorf("%s.channels: %w", field, err)
			}
		}
	}
	return nil
}

func validPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}

// checkUnresolved rejects values that still hold a ${VAR} placeholder.
func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
