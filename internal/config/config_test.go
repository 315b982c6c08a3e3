package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jcelaya/stars/internal/wire"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stars.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesTOMLAndResolvesPolicy(t *testing.T) {
	path := writeTOML(t, `
policy = "FSP"
port = 7000
heartbeat = 10
request_timeout = 20
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Policy != wire.PolicyFSP {
		t.Fatalf("expected FSP, got %v", cfg.Policy)
	}
	if cfg.Port != 7000 {
		t.Fatalf("expected port 7000, got %d", cfg.Port)
	}
	if cfg.Heartbeat.Seconds() != 10 {
		t.Fatalf("expected 10s heartbeat, got %v", cfg.Heartbeat)
	}
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	path := writeTOML(t, `policy = "BOGUS"`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown policy")
	}
}

func TestLoadAggregatesMultipleViolations(t *testing.T) {
	path := writeTOML(t, `
port = 0
mmp_beta = 2.0
aggregation_clusters = 1
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected aggregated validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"port", "mmp_beta", "aggregation_clusters"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error message to mention %q, got: %s", want, msg)
		}
	}
}

func TestEnvOverridesPort(t *testing.T) {
	path := writeTOML(t, `port = 7000`)
	t.Setenv("STARS_PORT", "8123")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8123 {
		t.Fatalf("expected env override to win, got port %d", cfg.Port)
	}
}
