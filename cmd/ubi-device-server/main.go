package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AnishMulay/ubidevice/internal/config"
	"github.com/AnishMulay/ubidevice/servers/ubi"
)

func main() {
	var (
		configPath string
		listen     string
		nodeID     string
		logDir     string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "ubi-device-server",
		Short: "Serve UBI device lifecycle and volume operations over gRPC",
		Long: "Attach an MTD partition to UBI, optionally formatting it first, and expose volume\n" +
			"create, remove, update, mount and unmount operations to remote callers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Server.ListenAddress = listen
			}
			if flags.Changed("node-id") {
				cfg.Server.NodeID = nodeID
			}
			if flags.Changed("log-dir") {
				cfg.Log.Dir = logDir
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}

			server, err := ubi.Build(cfg)
			if err != nil {
				return err
			}
			return server.Run()
		},
	}

	root.Flags().StringVar(&configPath, "config", "/etc/ubi-device-server/config.yaml", "configuration file, created with defaults when missing")
	root.Flags().StringVar(&listen, "listen", config.DefaultListenAddress, "listen address")
	root.Flags().StringVar(&nodeID, "node-id", "", "node id used in logs")
	root.Flags().StringVar(&logDir, "log-dir", "", "write logs to <log-dir>/<node-id>.log instead of stderr")
	root.Flags().StringVar(&logLevel, "log-level", "INFO", "DEBUG|INFO|WARN|ERROR")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
