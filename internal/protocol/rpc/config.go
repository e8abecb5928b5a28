package rpc

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrURLRequired         = errors.New("rpc: url required")
	ErrInvalidScheme       = errors.New("rpc: url scheme must be ws or wss")
	ErrTLSOnPlainSocket    = errors.New("rpc: tls settings require a wss url")
	ErrTLSCertFileRequired = errors.New("rpc: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("rpc: tls key file required")
)

// DefaultInspectorLibrary is the library whose scope evaluated inspector
// calls run in.
const DefaultInspectorLibrary = "package:flutter/src/widgets/widget_inspector.dart"

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig configures wss connections. Setting CertFile and KeyFile enables
// client certificates.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

func (t TLSConfig) Mutual() bool {
	return strings.TrimSpace(t.CertFile) != "" || strings.TrimSpace(t.KeyFile) != ""
}

func (t TLSConfig) configured() bool {
	return t.Mutual() || strings.TrimSpace(t.CAFile) != "" ||
		strings.TrimSpace(t.ServerName) != "" || t.InsecureSkipVerify
}

// Config defines the VM service connection.
type Config struct {
	URL string
	// IsolateID pins the isolate to inspect; empty picks the first one and
	// follows restarts.
	IsolateID        string
	InspectorLibrary string

	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	CallTimeout        time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration
	MaxConnectAttempts int
	Backoff            BackoffConfig
	TLS                TLSConfig
}

func DefaultConfig() Config {
	return Config{
		URL:              "ws://127.0.0.1:8181/ws",
		InspectorLibrary: DefaultInspectorLibrary,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		CallTimeout:      30 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     15 * time.Second,
		PongTimeout:      45 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.URL = strings.TrimSpace(c.URL)
	if strings.TrimSpace(c.InspectorLibrary) == "" {
		c.InspectorLibrary = def.InspectorLibrary
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return ErrURLRequired
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScheme, err)
	}
	switch u.Scheme {
	case "ws":
		if c.TLS.configured() {
			return ErrTLSOnPlainSocket
		}
	case "wss":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScheme, u.Scheme)
	}
	if c.TLS.Mutual() {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func (c Config) secure() bool {
	return strings.HasPrefix(c.URL, "wss://")
}
