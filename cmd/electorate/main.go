package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "electorate",
		Short: "electorate - leader election and service registry simulator",
		Long:  `electorate simulates leader election over an in-process cluster and exposes a service registry with health checking and load balancing`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(fsmCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
