package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		" DEBUG ":  zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"off":      zerolog.Disabled,
		"inactive": zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) got=%v ok=%v want=%v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
	if _, ok := ParseLevel(""); ok {
		t.Fatalf("expected empty level to be rejected")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogBypass, "not-a-bool")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.WarnLevel {
		t.Fatalf("unexpected level=%v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("expected timestamp override to disable timestamps")
	}
	if !cfg.NoColor {
		t.Fatalf("expected no-color override")
	}
	if cfg.Bypass {
		t.Fatalf("invalid bool must not flip bypass")
	}
}

func TestApplyBypassWritesJSON(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, Bypass: true, Out: &buf})
	log.Info().Str("group", "selection_1").Msg("disposed")
	if !strings.Contains(buf.String(), `"group":"selection_1"`) {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
