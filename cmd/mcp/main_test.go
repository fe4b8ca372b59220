package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mark3labs/mcp-go/mcp"

	grpccomm "github.com/AnishMulay/ubidevice/internal/communication/grpc"
	"github.com/AnishMulay/ubidevice/internal/log_service"
)

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mcp.yaml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if diff := cmp.Diff(defaultConfig(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("second LoadConfig() error = %v", err)
	}
	if diff := cmp.Diff(cfg, again); diff != "" {
		t.Errorf("reloaded config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    *MCPConfig
		wantErr bool
	}{
		{
			name: "default server filled in",
			data: "servers:\n  - id: board\n    address: 10.0.0.2:12999\n",
			want: &MCPConfig{Servers: []ServerEntry{{ID: "board", Address: "10.0.0.2:12999"}}, DefaultServer: "board"},
		},
		{
			name: "explicit default",
			data: "servers:\n  - id: a\n    address: a:1\n  - id: b\n    address: b:1\ndefault_server: b\n",
			want: &MCPConfig{Servers: []ServerEntry{{ID: "a", Address: "a:1"}, {ID: "b", Address: "b:1"}}, DefaultServer: "b"},
		},
		{name: "no servers", data: "default_server: x\n", wantErr: true},
		{name: "bad yaml", data: "servers: [\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "mcp.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			got, err := LoadConfig(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegistryClient(t *testing.T) {
	comm := grpccomm.NewGRPCCommunicator("", log_service.NopLogService{})
	defer comm.Stop()
	r := NewServerRegistry(&MCPConfig{
		Servers:       []ServerEntry{{ID: "a", Address: "a:1"}, {ID: "b", Address: "b:1"}},
		DefaultServer: "a",
	}, comm)

	tests := []struct {
		name     string
		args     map[string]any
		wantAddr string
		wantErr  bool
	}{
		{name: "default", wantAddr: "a:1"},
		{name: "named", args: map[string]any{"server": "b"}, wantAddr: "b:1"},
		{name: "unknown", args: map[string]any{"server": "c"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mcp.CallToolRequest{}
			req.Params.Arguments = tt.args
			c, err := r.client(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("client() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && c.ServerAddr != tt.wantAddr {
				t.Errorf("client() addr = %s, want %s", c.ServerAddr, tt.wantAddr)
			}
		})
	}
}
