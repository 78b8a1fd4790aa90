package cmd

import (
	"github.com/BDNK1/chatflow/cli/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatflow",
	Short: "Chatflow - conversation flow interpreter",
	Long: `Chatflow runs authored conversation flows against inbound chat messages.

Flows are loaded from the configured flows directory, published to the store
and executed per chat as messages arrive over HTTP.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "Path to the service config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(scanCmd)
}
