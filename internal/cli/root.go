// Package cli implements the polyvup command tree.
package cli

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/recative/polyv/internal/config"
)

var (
	cfgFile string
	verbose bool

	// config shared across commands, loaded before any of them runs
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "polyvup",
	Short: "Upload videos to the Polyv VOD platform",
	Long: `polyvup drives the Polyv VOD upload pipeline from the command line.

Examples:
  # Upload two files with at most five parallel transfers
  polyvup upload talk.mp4 demo.mov

  # Run the upload service with the REST API and queue page
  polyvup serve --config config.yml

  # Show version
  polyvup version`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the command tree. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
