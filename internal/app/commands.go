// Package app defines the cardsync CLI commands.
package app

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gajzzs/cardsync/internal/config"
	"github.com/gajzzs/cardsync/internal/logging"
	"github.com/gajzzs/cardsync/internal/service"
)

// ConfigFile is bound to the root command's --config flag.
var ConfigFile string

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(ConfigFile)
	if err != nil {
		return nil, err
	}
	logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	return cfg, nil
}

func NewServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the cardsync system service",
	}

	manager := func() (*service.Manager, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		return service.NewManager(cfg, ConfigFile)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Install cardsync as a system service",
			RunE: func(cmd *cobra.Command, args []string) error {
				sm, err := manager()
				if err != nil {
					return err
				}
				if err := sm.Install(); err != nil {
					return err
				}
				fmt.Println("cardsync service installed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Remove the cardsync system service",
			RunE: func(cmd *cobra.Command, args []string) error {
				sm, err := manager()
				if err != nil {
					return err
				}
				if err := sm.Uninstall(); err != nil {
					return err
				}
				fmt.Println("cardsync service removed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "start",
			Short: "Start the installed service",
			RunE: func(cmd *cobra.Command, args []string) error {
				sm, err := manager()
				if err != nil {
					return err
				}
				return sm.Start()
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the installed service",
			RunE: func(cmd *cobra.Command, args []string) error {
				sm, err := manager()
				if err != nil {
					return err
				}
				return sm.Stop()
			},
		},
		&cobra.Command{
			Use:   "restart",
			Short: "Restart the installed service",
			RunE: func(cmd *cobra.Command, args []string) error {
				sm, err := manager()
				if err != nil {
					return err
				}
				return sm.Restart()
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the installed service state",
			RunE: func(cmd *cobra.Command, args []string) error {
				sm, err := manager()
				if err != nil {
					return err
				}
				status, err := sm.Status()
				if err != nil {
					return err
				}
				fmt.Printf("cardsync service: %s\n", status)
				return nil
			},
		},
		&cobra.Command{
			Use:   "run",
			Short: "Run the daemon in the foreground",
			RunE: func(cmd *cobra.Command, args []string) error {
				sm, err := manager()
				if err != nil {
					return err
				}
				return sm.Run()
			},
		},
	)

	return cmd
}

func NewDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List detected removable storage devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := service.NewDaemon(cfg)
			if err != nil {
				return err
			}
			d.Rescan()

			devices := d.DetectedDevices()
			if len(devices) == 0 {
				fmt.Println("No removable devices detected")
				return nil
			}

			sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
			for _, dev := range devices {
				fmt.Printf("%s\n", dev.Path)
				fmt.Printf("  Filesystem: %s\n", dev.FileSystem)
				fmt.Printf("  Size:       %s\n", humanize.IBytes(dev.Info.Size))
				if dev.Info.Manufacturer != "" || dev.Info.Product != "" {
					fmt.Printf("  Device:     %s %s\n", dev.Info.Manufacturer, dev.Info.Product)
				}
				if dev.Info.SerialNumber != "" {
					fmt.Printf("  Serial:     %s\n", dev.Info.SerialNumber)
				}
				if dev.Mounted {
					fmt.Printf("  Mounted at: %s\n", dev.MountPath)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func NewSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [device-path]",
		Short: "Trigger a sync, via the running daemon or as a one-shot run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if running, _ := service.DaemonRunning(); running && len(args) == 0 {
				if err := service.SignalSync(); err != nil {
					return err
				}
				fmt.Println("Sync signalled to running daemon")
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := service.NewDaemon(cfg)
			if err != nil {
				return err
			}
			d.Rescan()

			targets := []string{}
			if len(args) == 1 {
				targets = append(targets, args[0])
			} else {
				for _, dev := range d.DetectedDevices() {
					targets = append(targets, dev.Path)
				}
			}
			if len(targets) == 0 {
				return fmt.Errorf("no devices to sync")
			}

			for _, devPath := range targets {
				opID, err := d.TriggerSync(devPath)
				if err != nil {
					return fmt.Errorf("sync %s: %w", devPath, err)
				}
				op, _ := d.SyncOperation(opID)
				fmt.Printf("%s: %s, %d file(s), %s transferred\n",
					devPath, op.Status, op.ProcessedFiles, humanize.IBytes(uint64(op.ProcessedSize)))
			}
			return nil
		},
	}
}

func NewAnalyzeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <device-path>",
		Short: "Mount a device and report its card layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := service.NewDaemon(cfg)
			if err != nil {
				return err
			}
			d.Rescan()

			an, err := d.AnalyzeDevice(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Device:       %s\n", an.Device.Path)
			fmt.Printf("Mounted at:   %s\n", an.Device.MountPath)
			fmt.Printf("Capacity:     %s (%s free)\n",
				humanize.IBytes(an.TotalSize), humanize.IBytes(an.FreeSize))
			fmt.Printf("Writable:     %t\n", !an.ReadOnly)
			fmt.Printf("Content:      %v\n", an.DetectedContentTypes)
			fmt.Printf("Missing:      %v\n", an.MissingContentTypes)
			if len(an.UnknownDirectories) > 0 {
				fmt.Printf("Unrecognized: %v\n", an.UnknownDirectories)
			}
			for _, e := range an.Errors {
				fmt.Printf("Warning:      %s\n", e)
			}
			return nil
		},
	}
}
