package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jesuscorral/beer-competition-saas-sub001/internal/routes"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Validate and print the route table",
	Long: `Loads the configured route table, applying the same validation the
server performs at startup, and prints the resolved entries in match order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, err := routes.Load(cfg.RoutesFile)
		if err != nil {
			return fmt.Errorf("route table invalid: %w", err)
		}

		table := resolver.Routes()
		fmt.Printf("%d routes in %s (longest prefix first):\n", len(table), cfg.RoutesFile)
		for _, route := range table {
			if route.Passthrough {
				fmt.Printf("  %-24s %-32s -> %s (passthrough)\n",
					route.Name, route.Prefix, route.Upstream)
				continue
			}
			fmt.Printf("  %-24s %-32s -> %s audience=%s\n",
				route.Name, route.Prefix, route.Upstream, route.Audience)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(routesCmd)
}
