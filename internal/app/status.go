package app

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gajzzs/cardsync/internal/service"
)

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:                   "status",
		Short:                 "Show daemon and configuration status",
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Println("CardSync Status")
			fmt.Println("===============")

			fmt.Println("\nDaemon:")
			if running, pid := service.DaemonRunning(); running {
				fmt.Printf("  Running (pid %d)\n", pid)
			} else {
				fmt.Println("  Not running")
			}
			if sm, err := service.NewManager(cfg, ConfigFile); err == nil {
				if status, err := sm.Status(); err == nil {
					fmt.Printf("  Service: %s\n", status)
				}
			}

			fmt.Println("\nStorage:")
			fmt.Printf("  Content directory: %s\n", cfg.Storage.ContentDirectory)
			fmt.Printf("  Mount base:        %s\n", cfg.Storage.MountBase)

			fmt.Println("\nContent Types:")
			names := make([]string, 0, len(cfg.ContentTypes))
			for name := range cfg.ContentTypes {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				ct := cfg.ContentTypes[name]
				fmt.Printf("  %-10s %s -> %s (%v)\n",
					name, ct.SyncDirection, ct.CardPath, ct.FileExtensions)
			}

			fmt.Println("\nDetection:")
			fmt.Printf("  Monitored buses:  %v\n", cfg.Detection.MonitoredTypes)
			fmt.Printf("  Minimum size:     %s\n", cfg.Detection.MinDeviceSize)
			fmt.Printf("  Verify transfers: %t\n", cfg.Sync.VerifyTransfers)
			fmt.Printf("  Chunk size:       %s\n", humanize.IBytes(uint64(cfg.Sync.TransferChunkSize)))

			return nil
		},
	}
}
