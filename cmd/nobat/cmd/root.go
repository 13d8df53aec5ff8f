package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/nobat/internal/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "nobat",
	Short: "Nobat is the login client for the appointment platform",
	Long: `Phone number and one-time code login for patients, doctors and secretaries.

"nobat serve" runs the web backend; the other commands act as a terminal
client whose session is kept in the local data directory.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

var dataDir string

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for persistent data (overrides NOBAT_DATA_DIR)")
}

func applyDataDir(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
}
