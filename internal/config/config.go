// Package config implements posta's configuration file: a single YAML
// document describing listeners, the spool, delivery policy and the
// control socket.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/posta-mta/posta/internal/log"

	"gopkg.in/yaml.v2"
)

// Listener describes one SMTP listener.
type Listener struct {
	Addr          string `yaml:"addr"`
	Submission    bool   `yaml:"submission"`
	ImplicitTLS   bool   `yaml:"implicit_tls"`
	ProxyProtocol bool   `yaml:"proxy_protocol"`
}

// DomainPolicy holds per-destination-domain overrides for outbound
// delivery.
type DomainPolicy struct {
	MXOverride      []string `yaml:"mx_override"`
	RequireTLS      bool     `yaml:"require_tls"`
	RequireTLSMode  string   `yaml:"require_tls_mode"` // "defer" (default) or "fail"
	AcceptInvalid   bool     `yaml:"accept_invalid_certs"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
}

// Retry holds the backoff scheduler's parameters (see internal/retry).
type Retry struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Delivery holds the outbound pipeline's configuration.
type Delivery struct {
	Workers       int                     `yaml:"workers"`
	ScanInterval  time.Duration           `yaml:"scan_interval"`
	Retry         Retry                   `yaml:"retry"`
	Domains       map[string]DomainPolicy `yaml:"domains"`
	BounceDomain  string                  `yaml:"bounce_domain"`
}

// ModulePlugin describes one configured plugin module.
type ModulePlugin struct {
	Name   string   `yaml:"name"`
	Kind   string   `yaml:"kind"` // only "subprocess" is implemented
	Path   string   `yaml:"path"`
	Args   []string `yaml:"args"`
	Events []string `yaml:"events"`
}

// ControlAuth configures bearer-token authentication on the control
// socket.
type ControlAuth struct {
	Enabled     bool     `yaml:"enabled"`
	TokenHashes []string `yaml:"token_hashes"` // hex sha256, one per allowed token
}

// Config is the top-level configuration document.
type Config struct {
	Hostname string `yaml:"hostname"`

	Listeners []Listener `yaml:"listeners"`

	SpoolRoot string `yaml:"spool_root"`

	MaxDataSizeMB int `yaml:"max_data_size_mb"`

	Delivery Delivery `yaml:"delivery"`

	ControlSocket string      `yaml:"control_socket"`
	ControlAuth   ControlAuth `yaml:"control_auth"`

	MailLogPath string `yaml:"mail_log_path"`

	Modules []ModulePlugin `yaml:"modules"`
}

func defaultConfig() *Config {
	return &Config{
		MaxDataSizeMB: 50,
		Listeners: []Listener{
			{Addr: "systemd"},
		},
		SpoolRoot: "/var/lib/posta/spool",
		Delivery: Delivery{
			Workers:      0, // 0 means runtime.NumCPU()
			ScanInterval: 10 * time.Second,
			Retry: Retry{
				Base:        60 * time.Second,
				Max:         3600 * time.Second,
				Jitter:      0.5,
				MaxAttempts: 25,
			},
			Domains: map[string]DomainPolicy{},
		},
		ControlSocket: "/var/lib/posta/control.sock",
		MailLogPath:   "<syslog>",
	}
}

// Load reads and validates the configuration at path, filling in defaults
// for anything left unset.
func Load(path string) (*Config, error) {
	c := defaultConfig()

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	// Unmarshal onto the defaults, so fields the user doesn't set keep
	// their default value instead of becoming the zero value.
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}

	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if err := validate(c); err != nil {
		return nil, err
	}

	return c, nil
}

func validate(c *Config) error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}
	if c.SpoolRoot == "" {
		return fmt.Errorf("spool_root is required")
	}
	if c.Delivery.Retry.Base <= 0 || c.Delivery.Retry.Max <= 0 {
		return fmt.Errorf("delivery.retry.base and .max must be positive")
	}
	if c.Delivery.Retry.Base > c.Delivery.Retry.Max {
		return fmt.Errorf("delivery.retry.base must not exceed .max")
	}
	if c.Delivery.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.retry.max_attempts must be positive")
	}
	if c.ControlSocket == "" {
		return fmt.Errorf("control_socket is required")
	}
	for name, d := range c.Delivery.Domains {
		if d.RequireTLSMode != "" && d.RequireTLSMode != "defer" && d.RequireTLSMode != "fail" {
			return fmt.Errorf("domains[%q].require_tls_mode must be %q or %q", name, "defer", "fail")
		}
	}
	for _, m := range c.Modules {
		if m.Kind != "subprocess" {
			return fmt.Errorf("module %q: unsupported kind %q", m.Name, m.Kind)
		}
		if m.Path == "" {
			return fmt.Errorf("module %q: path is required", m.Name)
		}
	}
	return nil
}

// LogConfig logs the given configuration in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMB)
	for _, l := range c.Listeners {
		log.Infof("  Listener: %+v", l)
	}
	log.Infof("  Spool root: %q", c.SpoolRoot)
	log.Infof("  Delivery workers: %d", c.Delivery.Workers)
	log.Infof("  Retry: base=%s max=%s jitter=%.2f max_attempts=%d",
		c.Delivery.Retry.Base, c.Delivery.Retry.Max, c.Delivery.Retry.Jitter,
		c.Delivery.Retry.MaxAttempts)
	log.Infof("  Control socket: %q (auth=%v)", c.ControlSocket, c.ControlAuth.Enabled)
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  Modules: %d configured", len(c.Modules))
}
