package main

import (
	"fmt"
	"os"

	"github.com/parcelmap/parcelmap-go/internal/config"
	"github.com/parcelmap/parcelmap-go/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile string
	verbose bool
	logger  *logrus.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "parcelmap",
	Short: "ParcelMap - monthly reconciliation of INSPIRE parcels with Land Registry ownership",
	Long: `ParcelMap keeps a stable set of cadastral parcel boundaries linked to
corporate ownership titles, reconciling each month's INSPIRE publication
against the accepted set instead of replacing it wholesale.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Secrets come from .env when present
		if err := config.NewEnvLoader().Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load config, using defaults: %v\n", err)
			cfg = config.Default()
		}

		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(logging.Options{
			Level:   level,
			JSON:    cfg.LogJSON,
			LogDir:  cfg.LogDir,
			Program: "parcelmap",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus environment)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.SetVersionTemplate(`ParcelMap {{.Version}}
Build time: ` + BuildTime + `
Git commit: ` + GitCommit + `
`)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
}
