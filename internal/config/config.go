// Package config holds the yaml configuration of the UBI device server.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const DefaultListenAddress = ":12999"

type Config struct {
	Server struct {
		ListenAddress string `yaml:"listen_address"`
		NodeID        string `yaml:"node_id"`
	} `yaml:"server"`

	Log struct {
		Dir   string `yaml:"dir"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Device struct {
		DevRoot   string `yaml:"dev_root"`
		SysfsRoot string `yaml:"sysfs_root"`
		ProcMtd   string `yaml:"proc_mtd"`
		CtrlNode  string `yaml:"ctrl_node"`
		// MtdNames maps partition names to MTD numbers ahead of /proc/mtd.
		MtdNames map[string]int `yaml:"mtd_names"`
	} `yaml:"device"`

	Format struct {
		StartEraseblock int    `yaml:"start_eraseblock"`
		SubpageSize     int    `yaml:"subpage_size"`
		VidHdrOffset    int    `yaml:"vid_hdr_offset"`
		UbiVersion      int    `yaml:"ubi_version"`
		ImageSeq        uint32 `yaml:"image_seq"`
	} `yaml:"format"`

	Mount struct {
		FsType string `yaml:"fs_type"`
	} `yaml:"mount"`
}

// Default returns a configuration for a stock Linux system.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = DefaultListenAddress
	}
	if c.Server.NodeID == "" {
		c.Server.NodeID = uuid.NewString()
	}
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
	if c.Device.DevRoot == "" {
		c.Device.DevRoot = "/dev"
	}
	if c.Device.SysfsRoot == "" {
		c.Device.SysfsRoot = "/sys"
	}
	if c.Device.ProcMtd == "" {
		c.Device.ProcMtd = "/proc/mtd"
	}
	if c.Device.CtrlNode == "" {
		c.Device.CtrlNode = filepath.Join(c.Device.DevRoot, "ubi_ctrl")
	}
	if c.Format.UbiVersion == 0 {
		c.Format.UbiVersion = 1
	}
	if c.Mount.FsType == "" {
		c.Mount.FsType = "ubifs"
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddress == "" {
		errs = append(errs, errors.New("server.listen_address is empty"))
	}
	if c.Format.StartEraseblock < 0 {
		errs = append(errs, fmt.Errorf("format.start_eraseblock %d is negative", c.Format.StartEraseblock))
	}
	if s := c.Format.SubpageSize; s < 0 || (s > 0 && bits.OnesCount(uint(s)) != 1) {
		errs = append(errs, fmt.Errorf("format.subpage_size %d is not a power of 2", s))
	}
	if c.Format.VidHdrOffset < 0 {
		errs = append(errs, fmt.Errorf("format.vid_hdr_offset %d is negative", c.Format.VidHdrOffset))
	}
	for name, n := range c.Device.MtdNames {
		if n < 0 {
			errs = append(errs, fmt.Errorf("device.mtd_names[%q] = %d is negative", name, n))
		}
	}
	return errors.Join(errs...)
}

// LoadConfig reads the configuration at path. A missing file is created with
// the defaults.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
