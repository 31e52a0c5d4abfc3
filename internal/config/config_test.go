package config

import (
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/sheerbytes/shareio/internal/auth"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SHAREIO_ADDR", "SHAREIO_FOLDER", "SHAREIO_PASSWORD", "SHAREIO_LOG_LEVEL",
		"SHAREIO_HISTORY", "SHAREIO_MAX_CONNS", "SHAREIO_HOST", "SHAREIO_PEER_ID",
	} {
		t.Setenv(key, "")
	}
}

func TestParseHostConfig_Defaults(t *testing.T) {
	clearEnv(t)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseHostConfigWithFlagSet(fs, []string{})
	if err != nil {
		t.Fatalf("parseHostConfigWithFlagSet() error = %v", err)
	}

	if cfg.Addr != ":5523" {
		t.Errorf("expected Addr to be :5523, got %s", cfg.Addr)
	}
	if cfg.Transport != TransportWS {
		t.Errorf("expected Transport to be ws, got %s", cfg.Transport)
	}
	if cfg.Folder != "." {
		t.Errorf("expected Folder to be ., got %s", cfg.Folder)
	}
	if cfg.AuthTimeout != 10*time.Second {
		t.Errorf("expected AuthTimeout to be 10s, got %v", cfg.AuthTimeout)
	}
	if cfg.AuthTimeoutPolicy != auth.PolicyPermissive {
		t.Errorf("expected AuthTimeoutPolicy to be permissive, got %s", cfg.AuthTimeoutPolicy)
	}
	if cfg.Grace != time.Second {
		t.Errorf("expected Grace to be 1s, got %v", cfg.Grace)
	}
	if cfg.MaxMessageBytes != 1<<20 {
		t.Errorf("expected MaxMessageBytes to be 1048576, got %d", cfg.MaxMessageBytes)
	}
	if cfg.Name == "" {
		t.Error("expected Name to default to the hostname")
	}
	if cfg.Password != "" || cfg.HistoryPath != "" || cfg.Advertise {
		t.Errorf("expected password, history and advertise off, got %+v", cfg)
	}
}

func TestParseHostConfig_Flags(t *testing.T) {
	clearEnv(t)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseHostConfigWithFlagSet(fs, []string{
		"-addr", ":9090", "-transport", "quic", "-folder", "/srv/in",
		"-password", "pw", "-auth-timeout", "2s", "-auth-timeout-policy", "strict",
		"-grace", "250ms", "-history", "h.db", "-advertise", "-name", "desk",
		"-max-conns", "4", "-connects-per-min", "30", "-connects-burst", "0",
	})
	if err != nil {
		t.Fatalf("parseHostConfigWithFlagSet() error = %v", err)
	}

	if cfg.Addr != ":9090" || cfg.Transport != TransportQUIC || cfg.Folder != "/srv/in" {
		t.Errorf("unexpected addr/transport/folder: %+v", cfg)
	}
	if cfg.Password != "pw" || cfg.AuthTimeout != 2*time.Second || cfg.AuthTimeoutPolicy != auth.PolicyStrict {
		t.Errorf("unexpected auth settings: %+v", cfg)
	}
	if cfg.Grace != 250*time.Millisecond || cfg.HistoryPath != "h.db" || !cfg.Advertise || cfg.Name != "desk" {
		t.Errorf("unexpected grace/history/mdns: %+v", cfg)
	}
	if cfg.MaxConns != 4 || cfg.ConnectsPerMin != 30 || cfg.ConnectsBurst != 1 {
		t.Errorf("unexpected limits: %+v", cfg)
	}
}

func TestParseHostConfig_EnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHAREIO_ADDR", ":7070")
	t.Setenv("SHAREIO_FOLDER", "/tmp/in")
	t.Setenv("SHAREIO_PASSWORD", "envpw")
	t.Setenv("SHAREIO_LOG_LEVEL", "warn")
	t.Setenv("SHAREIO_HISTORY", "env.db")
	t.Setenv("SHAREIO_MAX_CONNS", "9")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseHostConfigWithFlagSet(fs, []string{})
	if err != nil {
		t.Fatalf("parseHostConfigWithFlagSet() error = %v", err)
	}

	if cfg.Addr != ":7070" {
		t.Errorf("expected Addr to be :7070, got %s", cfg.Addr)
	}
	if cfg.Folder != "/tmp/in" || cfg.Password != "envpw" || cfg.LogLevel != "warn" || cfg.HistoryPath != "env.db" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.MaxConns != 9 {
		t.Errorf("expected MaxConns to be 9, got %d", cfg.MaxConns)
	}
}

func TestParseHostConfig_FlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHAREIO_ADDR", ":7070")
	t.Setenv("SHAREIO_PASSWORD", "envpw")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseHostConfigWithFlagSet(fs, []string{"-addr", ":9090", "-password", "flagpw"})
	if err != nil {
		t.Fatalf("parseHostConfigWithFlagSet() error = %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("expected Addr to be :9090 (from flag), got %s", cfg.Addr)
	}
	if cfg.Password != "flagpw" {
		t.Errorf("expected Password to be flagpw (from flag), got %s", cfg.Password)
	}
}

func TestParseHostConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"transport", []string{"-transport", "carrier-pigeon"}},
		{"policy", []string{"-auth-timeout-policy", "lenient"}},
		{"log level", []string{"-log-level", "loud"}},
		{"auth timeout", []string{"-auth-timeout", "0s"}},
		{"grace", []string{"-grace", "-1s"}},
		{"message size", []string{"-max-message-bytes", "10"}},
		{"max conns", []string{"-max-conns", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			if _, err := parseHostConfigWithFlagSet(fs, tt.args); !errors.Is(err, ErrInvalid) {
				t.Errorf("error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestParseSendConfig_Defaults(t *testing.T) {
	clearEnv(t)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseSendConfigWithFlagSet(fs, []string{"a.txt", "b.txt"})
	if err != nil {
		t.Fatalf("parseSendConfigWithFlagSet() error = %v", err)
	}

	if cfg.HostURL != "http://127.0.0.1:5523/" {
		t.Errorf("expected HostURL to be http://127.0.0.1:5523/, got %s", cfg.HostURL)
	}
	if cfg.ChunkSize != 64*1024 {
		t.Errorf("expected ChunkSize to be 65536, got %d", cfg.ChunkSize)
	}
	if cfg.PeerID == "" || len(cfg.PeerID) != 10 {
		t.Errorf("expected PeerID to be 10 hex characters, got %s (len=%d)", cfg.PeerID, len(cfg.PeerID))
	}
	if len(cfg.Files) != 2 || cfg.Files[0] != "a.txt" || cfg.Files[1] != "b.txt" {
		t.Errorf("expected Files to be [a.txt b.txt], got %v", cfg.Files)
	}
	if cfg.DiscoverTimeout != 3*time.Second {
		t.Errorf("expected DiscoverTimeout to be 3s, got %v", cfg.DiscoverTimeout)
	}
}

func TestParseSendConfig_FlagsAndClamp(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHAREIO_HOST", "http://env.example.com:7070")
	t.Setenv("SHAREIO_PEER_ID", "envpeer123")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseSendConfigWithFlagSet(fs, []string{
		"-host", "http://flag.example.com:9090", "-transport", "quic",
		"-chunk-size", "10", "-password", "pw", "-discover", "x.bin",
	})
	if err != nil {
		t.Fatalf("parseSendConfigWithFlagSet() error = %v", err)
	}

	if cfg.HostURL != "http://flag.example.com:9090" {
		t.Errorf("expected HostURL from flag, got %s", cfg.HostURL)
	}
	if cfg.PeerID != "envpeer123" {
		t.Errorf("expected PeerID to be envpeer123, got %s", cfg.PeerID)
	}
	if cfg.ChunkSize != 1024 {
		t.Errorf("expected ChunkSize clamped to 1024, got %d", cfg.ChunkSize)
	}
	if cfg.Transport != TransportQUIC || cfg.Password != "pw" || !cfg.Discover {
		t.Errorf("unexpected flags: %+v", cfg)
	}
}

func TestParseSendConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no files", []string{}},
		{"transport", []string{"-transport", "tcp", "a"}},
		{"grace", []string{"-grace", "0s", "a"}},
		{"discover timeout", []string{"-discover", "-discover-timeout", "0s", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			if _, err := parseSendConfigWithFlagSet(fs, tt.args); !errors.Is(err, ErrInvalid) {
				t.Errorf("error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestParseHistoryConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHAREIO_HISTORY", "/tmp/h.db")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseHistoryConfigWithFlagSet(fs, []string{"-role", "receiver", "-limit", "5", "-prune-older-than", "48h"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Path != "/tmp/h.db" || cfg.Role != "receiver" || cfg.Limit != 5 || cfg.PruneOlder != 48*time.Hour {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestParseHistoryConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no path", []string{}},
		{"role", []string{"-history", "h.db", "-role", "relay"}},
		{"status", []string{"-history", "h.db", "-status", "done"}},
		{"limit", []string{"-history", "h.db", "-limit", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			if _, err := parseHistoryConfigWithFlagSet(fs, tt.args); !errors.Is(err, ErrInvalid) {
				t.Errorf("error = %v, want ErrInvalid", err)
			}
		})
	}
}
