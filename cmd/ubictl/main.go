package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	ubilib "github.com/AnishMulay/ubidevice/clients/library"
	grpccomm "github.com/AnishMulay/ubidevice/internal/communication/grpc"
	"github.com/AnishMulay/ubidevice/internal/log_service"
	"github.com/AnishMulay/ubidevice/internal/mtd_table/procfs"
)

func main() {
	var (
		server  string
		timeout time.Duration
		client  *ubilib.UbiClient
	)

	root := &cobra.Command{
		Use:           "ubictl",
		Short:         "Control a ubi-device-server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			client = ubilib.NewUbiClient(server, grpccomm.NewGRPCCommunicator("", log_service.NopLogService{}))
			client.From = "ubictl"
			client.Timeout = timeout
		},
	}
	root.PersistentFlags().StringVar(&server, "server", "localhost:12999", "server address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "per call timeout")

	ctx := context.Background()

	var formatFirst bool
	initCmd := &cobra.Command{
		Use:   "init <mtd-name>",
		Short: "Create the server's device from an MTD partition name and attach it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return client.Init(ctx, args[0], formatFirst)
		},
	}
	initCmd.Flags().BoolVar(&formatFirst, "format", false, "format the partition before attaching")

	noArgs := func(use, short string, op func(*ubilib.UbiClient, context.Context) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return op(client, ctx)
			},
		}
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the server's device",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			if !st.Created {
				fmt.Println("no device")
				return nil
			}
			fmt.Printf("mtd:      %s (mtd%d)\n", st.MtdName, st.MtdNum)
			fmt.Printf("attached: %v\n", st.Attached)
			if st.Attached {
				fmt.Printf("device:   %s\n", st.DevicePath)
			}
			return nil
		},
	}

	var sizeStr string
	mkvolCmd := &cobra.Command{
		Use:   "mkvol <name>",
		Short: "Create a dynamic volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			size, err := parseSize(sizeStr)
			if err != nil {
				return err
			}
			return client.MakeVolume(ctx, args[0], size)
		},
	}
	mkvolCmd.Flags().StringVar(&sizeStr, "size", "", "volume size (e.g. 64MiB); empty takes all free space")

	var quiet bool
	rmvolCmd := &cobra.Command{
		Use:   "rmvol <name>",
		Short: "Remove a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return client.RemoveVolume(ctx, args[0], !quiet)
		},
	}
	rmvolCmd.Flags().BoolVar(&quiet, "quiet", false, "do not log failures on the server")

	var skipStr, updSizeStr string
	updateCmd := &cobra.Command{
		Use:   "update <name> <image>",
		Short: "Write an image file, local to the server, into a volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			skip, err := parseSize(skipStr)
			if err != nil {
				return err
			}
			size, err := parseSize(updSizeStr)
			if err != nil {
				return err
			}
			return client.UpdateVolume(ctx, args[0], args[1], skip, size)
		},
	}
	updateCmd.Flags().StringVar(&skipStr, "skip", "", "leading image bytes to skip")
	updateCmd.Flags().StringVar(&updSizeStr, "size", "", "bytes to write; empty writes the rest of the image")

	pathCmd := &cobra.Command{
		Use:   "path <name>",
		Short: "Print the device node of a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := client.VolumePath(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		},
	}

	mountCmd := &cobra.Command{
		Use:   "mount <name> <dir>",
		Short: "Mount a volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return client.MountVolume(ctx, args[0], args[1])
		},
	}

	unmountCmd := &cobra.Command{
		Use:   "unmount <dir>",
		Short: "Unmount a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return client.UnmountVolume(ctx, args[0])
		},
	}

	var procMtd string
	mtdCmd := &cobra.Command{
		Use:   "mtd",
		Short: "List the local MTD partitions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			entries, err := procfs.NewProcMtdTable(procMtd, nil).Entries()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEV\tNAME\tSIZE\tERASESIZE")
			for _, e := range entries {
				fmt.Fprintf(w, "mtd%d\t%s\t%s\t%s\n", e.MtdNum, e.Name, humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.EraseSize)))
			}
			return w.Flush()
		},
	}
	mtdCmd.Flags().StringVar(&procMtd, "proc-mtd", "/proc/mtd", "partition table")

	root.AddCommand(
		initCmd,
		noArgs("destroy", "Drop the server's device, detaching it", (*ubilib.UbiClient).Destroy),
		statusCmd,
		noArgs("format", "Format the detached partition", (*ubilib.UbiClient).Format),
		noArgs("attach", "Attach the partition to UBI", (*ubilib.UbiClient).Attach),
		noArgs("detach", "Detach the partition from UBI", (*ubilib.UbiClient).Detach),
		mkvolCmd,
		rmvolCmd,
		updateCmd,
		pathCmd,
		mountCmd,
		unmountCmd,
		mtdCmd,
	)

	if err := root.Execute(); err != nil {
		if code, ok := ubilib.ErrorCode(err); ok {
			fmt.Fprintf(os.Stderr, "ubictl: %v (code %d)\n", err, code)
		} else {
			fmt.Fprintf(os.Stderr, "ubictl: %v\n", err)
		}
		os.Exit(1)
	}
}

// parseSize accepts plain byte counts and humanized sizes; empty means 0.
func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size %q", s)
		}
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}
