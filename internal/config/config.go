package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/inspectctl/internal/extensions"
	"github.com/danmuck/inspectctl/internal/inspector"
	"github.com/danmuck/inspectctl/internal/protocol/rpc"
)

// EnvPrefix is prepended to every environment override key.
const EnvPrefix = "INSPECTCTL_"

var (
	ErrAdminAddrRequired = errors.New("config: admin addr required")
	ErrInvalidTimeout    = errors.New("config: timeouts must not be negative")
)

type BackoffConfig struct {
	InitialDelay time.Duration `env:"INITIAL_DELAY"`
	Multiplier   float64       `env:"MULTIPLIER"`
	MaxDelay     time.Duration `env:"MAX_DELAY"`
	Jitter       bool          `env:"JITTER"`
}

type TLSConfig struct {
	CAFile             string `env:"CA_FILE"`
	CertFile           string `env:"CERT_FILE"`
	KeyFile            string `env:"KEY_FILE"`
	ServerName         string `env:"SERVER_NAME"`
	InsecureSkipVerify bool   `env:"INSECURE_SKIP_VERIFY"`
}

// Config is the resolved inspectctl process configuration.
type Config struct {
	URL                string        `env:"URL"`
	IsolateID          string        `env:"ISOLATE_ID"`
	InspectorLibrary   string        `env:"INSPECTOR_LIBRARY"`
	ConnectTimeout     time.Duration `env:"CONNECT_TIMEOUT"`
	CallTimeout        time.Duration `env:"CALL_TIMEOUT"`
	MaxConnectAttempts int           `env:"MAX_CONNECT_ATTEMPTS"`
	// ExtensionWait bounds how long a call waits for its extension to be
	// registered by the isolate.
	ExtensionWait   time.Duration `env:"EXTENSION_WAIT"`
	DisposeTimeout  time.Duration `env:"DISPOSE_TIMEOUT"`
	TreeKind        string        `env:"TREE_KIND"`
	RootDirectories []string      `env:"ROOT_DIRECTORIES"`
	AdminAddr       string        `env:"ADMIN_ADDR"`
	CORSOrigins     []string      `env:"CORS_ORIGINS"`

	Backoff BackoffConfig `envPrefix:"BACKOFF_"`
	TLS     TLSConfig     `envPrefix:"TLS_"`
}

func DefaultConfig() Config {
	transport := rpc.DefaultConfig()
	return Config{
		URL:              transport.URL,
		InspectorLibrary: transport.InspectorLibrary,
		ConnectTimeout:   transport.ConnectTimeout,
		CallTimeout:      transport.CallTimeout,
		ExtensionWait:    extensions.DefaultWaitTimeout,
		DisposeTimeout:   5 * time.Second,
		TreeKind:         inspector.TreeWidget.String(),
		AdminAddr:        "127.0.0.1:9190",
		Backoff: BackoffConfig{
			InitialDelay: transport.Backoff.InitialDelay,
			Multiplier:   transport.Backoff.Multiplier,
			MaxDelay:     transport.Backoff.MaxDelay,
			Jitter:       transport.Backoff.Jitter,
		},
	}
}

type fileConfig struct {
	URL                string   `toml:"url"`
	IsolateID          string   `toml:"isolate_id"`
	InspectorLibrary   string   `toml:"inspector_library"`
	ConnectTimeout     string   `toml:"connect_timeout"`
	CallTimeout        string   `toml:"call_timeout"`
	MaxConnectAttempts int      `toml:"max_connect_attempts"`
	ExtensionWait      string   `toml:"extension_wait"`
	DisposeTimeout     string   `toml:"dispose_timeout"`
	TreeKind           string   `toml:"tree_kind"`
	RootDirectories    []string `toml:"root_directories"`
	AdminAddr          string   `toml:"admin_addr"`
	CORSOrigins        []string `toml:"cors_origins"`

	Backoff struct {
		InitialDelay string  `toml:"initial_delay"`
		Multiplier   float64 `toml:"multiplier"`
		MaxDelay     string  `toml:"max_delay"`
		Jitter       bool    `toml:"jitter"`
	} `toml:"backoff"`

	TLS struct {
		CAFile             string `toml:"ca_file"`
		CertFile           string `toml:"cert_file"`
		KeyFile            string `toml:"key_file"`
		ServerName         string `toml:"server_name"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`
}

// Load resolves defaults, then the TOML file at path (skipped when path is
// empty), then INSPECTCTL_* environment overrides.
func Load(path string) (Config, error) {
	return load(path, nil)
}

func load(path string, environ map[string]string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("config env overrides: %w", err)
	}
	cfg.RootDirectories = normalizeList(cfg.RootDirectories)
	cfg.CORSOrigins = normalizeList(cfg.CORSOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config unknown key (%s): %s", path, undecoded[0].String())
	}

	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("isolate_id") {
		cfg.IsolateID = strings.TrimSpace(raw.IsolateID)
	}
	if meta.IsDefined("inspector_library") {
		cfg.InspectorLibrary = strings.TrimSpace(raw.InspectorLibrary)
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("tree_kind") {
		cfg.TreeKind = strings.TrimSpace(raw.TreeKind)
	}
	if meta.IsDefined("root_directories") {
		cfg.RootDirectories = raw.RootDirectories
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"call_timeout", raw.CallTimeout, &cfg.CallTimeout},
		{"extension_wait", raw.ExtensionWait, &cfg.ExtensionWait},
		{"dispose_timeout", raw.DisposeTimeout, &cfg.DisposeTimeout},
		{"backoff.initial_delay", raw.Backoff.InitialDelay, &cfg.Backoff.InitialDelay},
		{"backoff.max_delay", raw.Backoff.MaxDelay, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}

	if meta.IsDefined("tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}
	return nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (c Config) Validate() error {
	if err := c.TransportConfig().Validate(); err != nil {
		return err
	}
	if _, err := c.Kind(); err != nil {
		return err
	}
	if strings.TrimSpace(c.AdminAddr) == "" {
		return ErrAdminAddrRequired
	}
	for _, d := range []time.Duration{c.ConnectTimeout, c.CallTimeout, c.ExtensionWait, c.DisposeTimeout} {
		if d < 0 {
			return ErrInvalidTimeout
		}
	}
	return nil
}

// Kind is the parsed default tree kind.
func (c Config) Kind() (inspector.TreeKind, error) {
	return inspector.ParseTreeKind(c.TreeKind)
}

// TransportConfig maps the connection settings onto the VM service client.
func (c Config) TransportConfig() rpc.Config {
	out := rpc.DefaultConfig()
	out.URL = c.URL
	out.IsolateID = c.IsolateID
	out.InspectorLibrary = c.InspectorLibrary
	out.ConnectTimeout = c.ConnectTimeout
	out.CallTimeout = c.CallTimeout
	out.MaxConnectAttempts = c.MaxConnectAttempts
	out.Backoff = rpc.BackoffConfig{
		InitialDelay: c.Backoff.InitialDelay,
		Multiplier:   c.Backoff.Multiplier,
		MaxDelay:     c.Backoff.MaxDelay,
		Jitter:       c.Backoff.Jitter,
	}
	out.TLS = rpc.TLSConfig{
		CAFile:             c.TLS.CAFile,
		CertFile:           c.TLS.CertFile,
		KeyFile:            c.TLS.KeyFile,
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	return out.WithDefaults()
}
