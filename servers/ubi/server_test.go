package ubi

import (
	"path/filepath"
	"testing"

	"github.com/AnishMulay/ubidevice/internal/config"
	"github.com/AnishMulay/ubidevice/internal/log_service/console"
	"github.com/AnishMulay/ubidevice/internal/log_service/localdisc"
)

func TestNewLogService(t *testing.T) {
	cfg := config.Default()
	cfg.Server.NodeID = "node-a"

	ls, err := NewLogService(cfg)
	if err != nil {
		t.Fatalf("NewLogService() error = %v", err)
	}
	if _, ok := ls.(*console.ConsoleLogService); !ok {
		t.Errorf("NewLogService() = %T, want console logger", ls)
	}

	cfg.Log.Dir = filepath.Join(t.TempDir(), "logs")
	ls, err = NewLogService(cfg)
	if err != nil {
		t.Fatalf("NewLogService() error = %v", err)
	}
	disc, ok := ls.(*localdisc.LocalDiscLogService)
	if !ok {
		t.Fatalf("NewLogService() = %T, want local disc logger", ls)
	}
	defer disc.Close()
	if want := filepath.Join(cfg.Log.Dir, "node-a.log"); disc.Path() != want {
		t.Errorf("Path() = %q, want %q", disc.Path(), want)
	}
}

func TestNewFactory(t *testing.T) {
	cfg := config.Default()
	cfg.Device.DevRoot = "/tmp/dev"
	cfg.Device.CtrlNode = "/tmp/dev/ubi_ctrl"
	cfg.Format.StartEraseblock = 2
	cfg.Format.ImageSeq = 77

	f := NewFactory(cfg, nil)
	if f.Options.DevRoot != "/tmp/dev" || f.Options.CtrlNode != "/tmp/dev/ubi_ctrl" || f.Options.FsType != "ubifs" {
		t.Errorf("Options = %+v", f.Options)
	}
	if f.Options.Format.StartEraseblock != 2 || f.Options.Format.ImageSeq != 77 || f.Options.Format.UbiVersion != 1 {
		t.Errorf("Format = %+v", f.Options.Format)
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Format.SubpageSize = 3
	if _, err := Build(cfg); err == nil {
		t.Error("Build() error = nil for a non power of 2 sub-page size")
	}
}
