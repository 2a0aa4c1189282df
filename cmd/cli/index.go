package cli

import "github.com/spf13/cobra"

// RegisterRoutes attaches every command group defined in the cli package to
// the provided root command. The transport module exposes its own root
// command (NetworkCmd) aggregating its subcommands, so the binary can be
// invoked as `node network start`.
func RegisterRoutes(root *cobra.Command) {
	root.AddCommand(NetworkCmd)
}
