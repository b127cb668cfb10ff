package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quorumlab/electorate/pkg/cluster"
)

func fsmCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "fsm",
		Short: "Write the node role state machine in Graphviz format",
		RunE: func(cmd *cobra.Command, args []string) error {
			visual := cluster.VisualizeFSM()
			if outputPath == "" {
				fmt.Print(visual)
				return nil
			}
			if err := os.WriteFile(outputPath, []byte(visual), 0o666); err != nil {
				return err
			}
			fmt.Println("Visualization finished")
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path, empty writes to stdout")
	return cmd
}
