package commands

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rodan32/imgen/config"
	"github.com/rodan32/imgen/errors"
	"github.com/rodan32/imgen/fleet"
	"github.com/rodan32/imgen/logger"
)

// FleetCmd groups fleet inspection subcommands.
var FleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Inspect the configured worker fleet",
}

var fleetLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List configured workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		var cfg *config.Config
		var err error
		if configPath != "" {
			cfg, err = config.LoadFromFile(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return errors.Wrap(err, "load config")
		}

		registry := fleet.NewRegistry(logger.Logger)
		if err := registry.LoadFile(cfg.Fleet.Path); err != nil {
			return errors.Wrap(err, "load fleet")
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTIER\tHOST\tVRAM\tCAPABILITIES")
		for _, node := range registry.All() {
			caps := make([]string, 0, len(node.Capabilities))
			for c := range node.Capabilities {
				caps = append(caps, c)
			}
			sort.Strings(caps)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%dGB\t%s\n",
				node.ID, node.Name, node.Tier, node.Host, node.Port,
				node.VRAMGB, strings.Join(caps, ","),
			)
		}
		return w.Flush()
	},
}

func init() {
	FleetCmd.AddCommand(fleetLsCmd)
}
