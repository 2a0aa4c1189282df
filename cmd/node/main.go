package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"synnergy-network/cmd/cli"
)

func main() {
	rootCmd := &cobra.Command{Use: "node", Short: "Synnergy transport node"}
	cli.RegisterRoutes(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
