package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"predictd/internal/artifact"
)

func buildArtifactCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "artifact", Short: "Inspect and build model artifacts"}

	inspect := &cobra.Command{
		Use:     "inspect <artifact>",
		Short:   "Verify an artifact and print its header",
		Example: "  predictd artifact inspect ranker.pda",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := artifact.Load(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Path         string          `json:"path"`
				Header       artifact.Header `json:"header"`
				PayloadBytes int             `json:"payload_bytes"`
			}{a.Path, a.Header, len(a.Payload)})
		},
	}

	var headerPath, payloadPath, out string
	pack := &cobra.Command{
		Use:     "pack",
		Short:   "Wrap a header and an opaque payload into an artifact",
		Example: "  predictd artifact pack --header header.json --payload model.bin --out ranker.pda",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hb, err := os.ReadFile(headerPath)
			if err != nil {
				return err
			}
			var h artifact.Header
			if err := json.Unmarshal(hb, &h); err != nil {
				return fmt.Errorf("header %s: %w", headerPath, err)
			}
			var payload []byte
			if payloadPath != "" {
				if payload, err = os.ReadFile(payloadPath); err != nil {
					return err
				}
			}
			if err := artifact.WriteFile(out, h, payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d payload bytes)\n", out, len(payload))
			return nil
		},
	}
	pack.Flags().StringVar(&headerPath, "header", "", "JSON header file")
	pack.Flags().StringVar(&payloadPath, "payload", "", "Payload file handed to the model runtime")
	pack.Flags().StringVarP(&out, "out", "o", "model.pda", "Output artifact path")
	_ = pack.MarkFlagRequired("header")

	cmd.AddCommand(inspect, pack)
	return cmd
}
