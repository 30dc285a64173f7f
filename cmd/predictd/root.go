package main

import (
	"github.com/spf13/cobra"
)

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "predictd",
		Short:         "Batched inference serving for sharded embedding models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildWorkerCmd(), buildArtifactCmd(), buildPlacementCmd())
	return root
}
