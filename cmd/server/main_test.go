package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/remote-test-proxy/backend/internal/config"
)

func execute(t *testing.T, args ...string) *config.Config {
	t.Helper()
	var got *config.Config
	cmd := newRootCmd(func(cfg *config.Config) error {
		got = cfg
		return nil
	})
	// A nil slice would make cobra fall back to os.Args.
	cmd.SetArgs(append([]string{}, args...))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute(%v) error: %v", args, err)
	}
	return got
}

func TestRootCmd_Defaults(t *testing.T) {
	cfg := execute(t)

	if cfg.Server.Port != 9000 || cfg.Server.SocketPort != 9001 {
		t.Errorf("ports = %d/%d, want 9000/9001", cfg.Server.Port, cfg.Server.SocketPort)
	}
	if cfg.Assets.InstallDir == "" {
		t.Error("expected install dir to default to the executable directory")
	}
}

func TestRootCmd_FlagsOverrideFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.yaml")
	content := "server:\n  port: 7000\nassets:\n  base_dir: /from/file\n  install_dir: /opt/proxy\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("PROXY_PORT", "7100")
	t.Setenv("PROXY_JOURNAL", filepath.Join(dir, "events.db"))

	cfg := execute(t, "--config", path, "--base-dir", "/from/flag")
	if cfg.Server.Port != 7100 || cfg.Server.SocketPort != 7101 {
		t.Errorf("ports = %d/%d, want env override 7100/7101", cfg.Server.Port, cfg.Server.SocketPort)
	}
	if cfg.Assets.BaseDir != "/from/flag" {
		t.Errorf("BaseDir = %q, want flag value", cfg.Assets.BaseDir)
	}
	if cfg.Assets.InstallDir != "/opt/proxy" {
		t.Errorf("InstallDir = %q, want file value", cfg.Assets.InstallDir)
	}
	if cfg.Journal.Path != filepath.Join(dir, "events.db") {
		t.Errorf("Journal.Path = %q, want env value", cfg.Journal.Path)
	}

	cfg = execute(t, "--config", path, "-p", "8200")
	if cfg.Server.Port != 8200 || cfg.Server.SocketPort != 8201 {
		t.Errorf("ports = %d/%d, want flag override 8200/8201", cfg.Server.Port, cfg.Server.SocketPort)
	}
}

func TestRootCmd_InvalidPortEnv(t *testing.T) {
	t.Setenv("PROXY_PORT", "nope")

	cmd := newRootCmd(func(*config.Config) error { return nil })
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for invalid PROXY_PORT")
	}
}

func TestSetPort_KeepsSocketDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Server.SocketPort = 0
	setPort(cfg, 8000)
	if cfg.Server.SocketPort != 0 {
		t.Errorf("SocketPort = %d, want 0", cfg.Server.SocketPort)
	}
}
