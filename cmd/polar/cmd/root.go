package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/polar/config"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "polar",
	Short: "Polar Stellar is a self-hosted note workspace",
	Long: `Polar Stellar serves the note workspace and its passphrase and passkey
authentication. Configuration is read from the environment and an optional
.env file.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to an env file loaded before reading the environment (default .env)")
}

func loadConfig() (*config.Config, error) {
	if envFile != "" {
		return config.Load(envFile)
	}
	return config.Load()
}
