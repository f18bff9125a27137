package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jesuscorral/beer-competition-saas-sub001/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Edge gateway for the competition platform",
	Long: `The edge gateway authenticates inbound requests, exchanges the caller's
token for a service-scoped token via the identity provider, and forwards the
request to the configured internal service.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().String("server-addr", "", "Server bind address (env: GATEWAY_SERVER_ADDR)")
	rootCmd.PersistentFlags().String("routes-file", "", "Route table file path (env: GATEWAY_ROUTES_FILE)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: GATEWAY_DEBUG)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
