package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("NIGHTSHIFT_PORT")
	os.Unsetenv("NIGHTSHIFT_DEFAULT_POOL_CAP")
	os.Unsetenv("NIGHTSHIFT_NET_CIDR_BASE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.DefaultPoolCap != 4 {
		t.Errorf("expected default pool cap 4, got %d", cfg.DefaultPoolCap)
	}
	if cfg.NetCIDRBase != "172.16.0.0" {
		t.Errorf("expected net cidr base 172.16.0.0, got %s", cfg.NetCIDRBase)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("NIGHTSHIFT_PORT", "9999")
	os.Setenv("NIGHTSHIFT_DEFAULT_POOL_CAP", "8")
	os.Setenv("NIGHTSHIFT_FIRECRACKER_BIN", "/opt/bin/firecracker")
	defer func() {
		os.Unsetenv("NIGHTSHIFT_PORT")
		os.Unsetenv("NIGHTSHIFT_DEFAULT_POOL_CAP")
		os.Unsetenv("NIGHTSHIFT_FIRECRACKER_BIN")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.DefaultPoolCap != 8 {
		t.Errorf("expected default pool cap 8, got %d", cfg.DefaultPoolCap)
	}
	if cfg.FirecrackerBin != "/opt/bin/firecracker" {
		t.Errorf("expected firecracker bin override, got %s", cfg.FirecrackerBin)
	}
}

func TestLoadInvalidPort(t *testing.T) {
	os.Setenv("NIGHTSHIFT_PORT", "not-a-number")
	defer os.Unsetenv("NIGHTSHIFT_PORT")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}
