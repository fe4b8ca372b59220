package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	ubilib "github.com/AnishMulay/ubidevice/clients/library"
	grpccomm "github.com/AnishMulay/ubidevice/internal/communication/grpc"
	"github.com/AnishMulay/ubidevice/internal/log_service"
)

type ServerEntry struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type MCPConfig struct {
	Servers       []ServerEntry `yaml:"servers"`
	DefaultServer string        `yaml:"default_server"`
}

type ServerRegistry struct {
	Servers       map[string]*ubilib.UbiClient
	DefaultServer string
}

func defaultConfig() *MCPConfig {
	return &MCPConfig{
		Servers:       []ServerEntry{{ID: "local", Address: "localhost:12999"}},
		DefaultServer: "local",
	}
}

func LoadConfig(path string) (*MCPConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := MCPConfig{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("config %s lists no servers", path)
	}
	if cfg.DefaultServer == "" {
		cfg.DefaultServer = cfg.Servers[0].ID
	}
	return &cfg, nil
}

func NewServerRegistry(cfg *MCPConfig, comm *grpccomm.GRPCCommunicator) *ServerRegistry {
	r := &ServerRegistry{
		Servers:       make(map[string]*ubilib.UbiClient, len(cfg.Servers)),
		DefaultServer: cfg.DefaultServer,
	}
	for _, s := range cfg.Servers {
		c := ubilib.NewUbiClient(s.Address, comm)
		c.From = "mcp-server"
		r.Servers[s.ID] = c
	}
	return r
}

// client picks the server named in the request, or the default one.
func (r *ServerRegistry) client(request mcp.CallToolRequest) (*ubilib.UbiClient, error) {
	id := request.GetString("server", "")
	if id == "" {
		id = r.DefaultServer
	}
	c, ok := r.Servers[id]
	if !ok {
		return nil, fmt.Errorf("server %s not found", id)
	}
	return c, nil
}

func toolError(op string, err error) *mcp.CallToolResult {
	if code, ok := ubilib.ErrorCode(err); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed with code %d: %v", op, code, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

type toolFunc func(ctx context.Context, c *ubilib.UbiClient, request mcp.CallToolRequest) (string, error)

func (r *ServerRegistry) handler(op string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, err := r.client(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := fn(ctx, c, request)
		if err != nil {
			return toolError(op, err), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func serverOption() mcp.ToolOption {
	return mcp.WithString("server", mcp.Description("Server id from the config; the default server when empty"))
}

func addTools(s *server.MCPServer, registry *ServerRegistry) {
	s.AddTool(mcp.NewTool("list_servers",
		mcp.WithDescription("List all configured UBI device servers"),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := make([]string, 0, len(registry.Servers))
		for id := range registry.Servers {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		var b strings.Builder
		b.WriteString("Available servers:\n")
		for _, id := range ids {
			fmt.Fprintf(&b, "- %s: %s\n", id, registry.Servers[id].ServerAddr)
		}
		fmt.Fprintf(&b, "Default server: %s\n", registry.DefaultServer)
		return mcp.NewToolResultText(b.String()), nil
	})

	s.AddTool(mcp.NewTool("init_device",
		mcp.WithDescription("Create the server's UBI device from an MTD partition name and attach it"),
		mcp.WithString("mtd_name", mcp.Required(), mcp.Description("MTD partition name as listed in /proc/mtd")),
		mcp.WithBoolean("format", mcp.Description("Format the partition before attaching")),
		serverOption(),
	), registry.handler("init", func(ctx context.Context, c *ubilib.UbiClient, request mcp.CallToolRequest) (string, error) {
		name, err := request.RequireString("mtd_name")
		if err != nil {
			return "", err
		}
		if err := c.Init(ctx, name, request.GetBool("format", false)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Device for %s created and attached", name), nil
	}))

	s.AddTool(mcp.NewTool("device_status",
		mcp.WithDescription("Show the server's UBI device"),
		serverOption(),
	), registry.handler("status", func(ctx context.Context, c *ubilib.UbiClient, _ mcp.CallToolRequest) (string, error) {
		st, err := c.Status(ctx)
		if err != nil {
			return "", err
		}
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	}))

	lifecycle := []struct {
		name, desc string
		op         func(*ubilib.UbiClient, context.Context) error
	}{
		{"destroy_device", "Drop the server's device, detaching it", (*ubilib.UbiClient).Destroy},
		{"format_device", "Format the device's partition; it must be detached", (*ubilib.UbiClient).Format},
		{"attach_device", "Attach the device's partition to UBI", (*ubilib.UbiClient).Attach},
		{"detach_device", "Detach the device's partition from UBI", (*ubilib.UbiClient).Detach},
	}
	for _, l := range lifecycle {
		s.AddTool(mcp.NewTool(l.name, mcp.WithDescription(l.desc), serverOption()),
			registry.handler(l.name, func(ctx context.Context, c *ubilib.UbiClient, _ mcp.CallToolRequest) (string, error) {
				if err := l.op(c, ctx); err != nil {
					return "", err
				}
				return l.name + " done", nil
			}))
	}

	s.AddTool(mcp.NewTool("make_volume",
		mcp.WithDescription("Create a dynamic UBI volume"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Volume name")),
		mcp.WithNumber("size_bytes", mcp.Description("Volume size in bytes; 0 takes all free space")),
		serverOption(),
	), registry.handler("make_volume", func(ctx context.Context, c *ubilib.UbiClient, request mcp.CallToolRequest) (string, error) {
		name, err := request.RequireString("name")
		if err != nil {
			return "", err
		}
		if err := c.MakeVolume(ctx, name, int64(request.GetFloat("size_bytes", 0))); err != nil {
			return "", err
		}
		return fmt.Sprintf("Volume %s created", name), nil
	}))

	s.AddTool(mcp.NewTool("remove_volume",
		mcp.WithDescription("Remove a UBI volume"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Volume name")),
		serverOption(),
	), registry.handler("remove_volume", func(ctx context.Context, c *ubilib.UbiClient, request mcp.CallToolRequest) (string, error) {
		name, err := request.RequireString("name")
		if err != nil {
			return "", err
		}
		if err := c.RemoveVolume(ctx, name, true); err != nil {
			return "", err
		}
		return fmt.Sprintf("Volume %s removed", name), nil
	}))

	s.AddTool(mcp.NewTool("update_volume",
		mcp.WithDescription("Write an image file on the server into a volume"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Volume name")),
		mcp.WithString("image_path", mcp.Required(), mcp.Description("Image path on the server")),
		mcp.WithNumber("skip_bytes", mcp.Description("Leading image bytes to skip")),
		mcp.WithNumber("size_bytes", mcp.Description("Bytes to write; 0 writes the rest of the image")),
		serverOption(),
	), registry.handler("update_volume", func(ctx context.Context, c *ubilib.UbiClient, request mcp.CallToolRequest) (string, error) {
		name, err := request.RequireString("name")
		if err != nil {
			return "", err
		}
		image, err := request.RequireString("image_path")
		if err != nil {
			return "", err
		}
		skip := int64(request.GetFloat("skip_bytes", 0))
		size := int64(request.GetFloat("size_bytes", 0))
		if err := c.UpdateVolume(ctx, name, image, skip, size); err != nil {
			return "", err
		}
		return fmt.Sprintf("Volume %s updated from %s", name, image), nil
	}))

	s.AddTool(mcp.NewTool("volume_path",
		mcp.WithDescription("Resolve a volume name to its device node"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Volume name")),
		serverOption(),
	), registry.handler("volume_path", func(ctx context.Context, c *ubilib.UbiClient, request mcp.CallToolRequest) (string, error) {
		name, err := request.RequireString("name")
		if err != nil {
			return "", err
		}
		return c.VolumePath(ctx, name)
	}))

	s.AddTool(mcp.NewTool("mount_volume",
		mcp.WithDescription("Mount a volume on the server"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Volume name")),
		mcp.WithString("target_dir", mcp.Required(), mcp.Description("Mount point")),
		serverOption(),
	), registry.handler("mount_volume", func(ctx context.Context, c *ubilib.UbiClient, request mcp.CallToolRequest) (string, error) {
		name, err := request.RequireString("name")
		if err != nil {
			return "", err
		}
		target, err := request.RequireString("target_dir")
		if err != nil {
			return "", err
		}
		if err := c.MountVolume(ctx, name, target); err != nil {
			return "", err
		}
		return fmt.Sprintf("Volume %s mounted on %s", name, target), nil
	}))

	s.AddTool(mcp.NewTool("unmount_volume",
		mcp.WithDescription("Unmount a directory on the server"),
		mcp.WithString("target_dir", mcp.Required(), mcp.Description("Mount point")),
		serverOption(),
	), registry.handler("unmount_volume", func(ctx context.Context, c *ubilib.UbiClient, request mcp.CallToolRequest) (string, error) {
		target, err := request.RequireString("target_dir")
		if err != nil {
			return "", err
		}
		if err := c.UnmountVolume(ctx, target); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s unmounted", target), nil
	}))
}

func main() {
	home, _ := os.UserHomeDir()
	configPath := flag.String("config", filepath.Join(home, ".config", "ubidevice", "mcp.yaml"), "MCP bridge configuration")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	comm := grpccomm.NewGRPCCommunicator("", log_service.NopLogService{})
	defer comm.Stop()
	registry := NewServerRegistry(cfg, comm)

	s := server.NewMCPServer(
		"UBI device",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	addTools(s, registry)

	if err := server.ServeStdio(s); err != nil {
		fmt.Printf("Server error: %v\n", err)
	}
}
