package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "ubi-device.yaml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.ListenAddress != DefaultListenAddress {
		t.Errorf("ListenAddress = %q, want %q", cfg.Server.ListenAddress, DefaultListenAddress)
	}
	if _, err := uuid.Parse(cfg.Server.NodeID); err != nil {
		t.Errorf("NodeID %q is not a uuid: %v", cfg.Server.NodeID, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() on written default error = %v", err)
	}
	if again.Server.NodeID != cfg.Server.NodeID {
		t.Errorf("NodeID changed across loads: %q != %q", again.Server.NodeID, cfg.Server.NodeID)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	content := `
server:
  listen_address: "127.0.0.1:9000"
  node_id: board-7
device:
  dev_root: /tmp/dev
  mtd_names:
    bank0: 3
format:
  subpage_size: 512
mount:
  fs_type: ubifs
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen address", cfg.Server.ListenAddress, "127.0.0.1:9000"},
		{"node id", cfg.Server.NodeID, "board-7"},
		{"dev root", cfg.Device.DevRoot, "/tmp/dev"},
		{"ctrl node follows dev root", cfg.Device.CtrlNode, "/tmp/dev/ubi_ctrl"},
		{"sysfs default", cfg.Device.SysfsRoot, "/sys"},
		{"mtd override", cfg.Device.MtdNames["bank0"], 3},
		{"subpage", cfg.Format.SubpageSize, 512},
		{"ubi version default", cfg.Format.UbiVersion, 1},
		{"log level default", cfg.Log.Level, "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "empty listen address", mutate: func(c *Config) { c.Server.ListenAddress = "" }, wantErr: "listen_address"},
		{name: "negative start", mutate: func(c *Config) { c.Format.StartEraseblock = -1 }, wantErr: "start_eraseblock"},
		{name: "odd subpage", mutate: func(c *Config) { c.Format.SubpageSize = 384 }, wantErr: "subpage_size"},
		{name: "negative mtd number", mutate: func(c *Config) { c.Device.MtdNames = map[string]int{"x": -2} }, wantErr: "mtd_names"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("format:\n  subpage_size: 100\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig() accepted subpage_size 100")
	}
}
