// Author @gajzzs
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gajzzs/cardsync/internal/app"
	"github.com/gajzzs/cardsync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "cardsync",
	Short: "Removable media content synchronizer",
	Long:  "CardSync watches for USB sticks and MicroSD cards and keeps their media content in sync with local storage",
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&app.ConfigFile, "config", config.DefaultPath, "configuration file")
	rootCmd.AddCommand(
		app.NewServiceCommand(),
		app.NewDevicesCommand(),
		app.NewSyncCommand(),
		app.NewAnalyzeCommand(),
		app.NewStatusCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
