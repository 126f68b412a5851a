package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for explicit missing file")
	}

	// No file at all falls back to defaults.
	chdir(t, t.TempDir())
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Client.Addr != "127.0.0.1:8080" || cfg.Client.Timeout != 30*time.Second {
		t.Fatalf("unexpected client defaults: %+v", cfg.Client)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:8080" || cfg.Server.DrainTimeout != 10*time.Second {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pieceflow.yaml")
	data := []byte(`
log:
  level: debug
client:
  addr: 10.0.0.5:9000
  timeout: 5s
server:
  listen_addr: 0.0.0.0:9000
  max_incoming_streams: 7
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log.level = %q", cfg.Log.Level)
	}
	if cfg.Client.Addr != "10.0.0.5:9000" || cfg.Client.Timeout != 5*time.Second {
		t.Fatalf("client not decoded: %+v", cfg.Client)
	}
	if cfg.Server.MaxIncomingStreams != 7 {
		t.Fatalf("server.max_incoming_streams = %d", cfg.Server.MaxIncomingStreams)
	}
	// Untouched keys keep defaults.
	if cfg.Server.DrainTimeout != 10*time.Second {
		t.Fatalf("server.drain_timeout = %v", cfg.Server.DrainTimeout)
	}
}

func TestEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PIECEFLOW_LOG_LEVEL", "error")
	t.Setenv("PIECEFLOW_CLIENT_ADDR", "192.168.1.2:4443")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Fatalf("env log.level not applied: %q", cfg.Log.Level)
	}
	if cfg.Client.Addr != "192.168.1.2:4443" {
		t.Fatalf("env client.addr not applied: %q", cfg.Client.Addr)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		yaml string
	}{
		{"bad level", "log:\n  level: loud\n"},
		{"empty client addr", "client:\n  addr: \"  \"\n"},
		{"cert without key", "server:\n  cert_file: /tmp/x.pem\n"},
	}
	for _, tc := range cases {
		path := filepath.Join(dir, tc.name+".yaml")
		if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
