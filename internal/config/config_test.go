package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("CLAWDECK_API_TOKEN", "tok")
	cfg, err := Load("", Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8765 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if !cfg.AuthRequired {
		t.Fatal("auth not required by default")
	}
	if cfg.TunnelMode != TunnelQuick {
		t.Fatalf("tunnel mode = %q", cfg.TunnelMode)
	}
	if cfg.MaxSessions != 5 {
		t.Fatalf("max sessions = %d", cfg.MaxSessions)
	}
	if cfg.AgentBinary != "claude" {
		t.Fatalf("agent binary = %q", cfg.AgentBinary)
	}
}

func TestMissingTokenIsFatal(t *testing.T) {
	os.Unsetenv("CLAWDECK_API_TOKEN")
	_, err := Load("", Overrides{})
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
}

func TestFileLayerOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "api_token: from-file\nport: 9000\nmodel: opus\n")
	cfg, err := Load(path, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIToken != "from-file" || cfg.Port != 9000 || cfg.Model != "opus" {
		t.Fatalf("cfg = %+v", cfg)
	}
	// Keys absent from the file keep their defaults.
	if cfg.MaxSessions != 5 {
		t.Fatalf("max sessions = %d", cfg.MaxSessions)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	path := writeConfig(t, "api_token: from-file\nport: 9000\n")
	t.Setenv("CLAWDECK_PORT", "9100")
	cfg, err := Load(path, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("port = %d, want env value", cfg.Port)
	}
	if cfg.APIToken != "from-file" {
		t.Fatalf("token = %q", cfg.APIToken)
	}
}

func TestCLIBeatsEverything(t *testing.T) {
	path := writeConfig(t, "api_token: from-file\nport: 9000\n")
	t.Setenv("CLAWDECK_PORT", "9100")
	port := 9200
	cfg, err := Load(path, Overrides{Port: &port})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9200 {
		t.Fatalf("port = %d, want CLI value", cfg.Port)
	}
}

func TestNamedTunnelNeedsHostname(t *testing.T) {
	path := writeConfig(t, "api_token: tok\ntunnel_mode: named\n")
	if _, err := Load(path, Overrides{}); err == nil {
		t.Fatal("named mode without hostname accepted")
	}

	path = writeConfig(t, "api_token: tok\ntunnel_mode: named\ntunnel_hostname: dev.example.com\n")
	if _, err := Load(path, Overrides{}); err != nil {
		t.Fatal(err)
	}
}

func TestUnknownTunnelModeRejected(t *testing.T) {
	path := writeConfig(t, "api_token: tok\ntunnel_mode: sideways\n")
	if _, err := Load(path, Overrides{}); err == nil {
		t.Fatal("unknown tunnel mode accepted")
	}
}
