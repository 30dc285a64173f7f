package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"predictd/internal/artifact"
	"predictd/internal/device"
	"predictd/internal/placement"
)

func buildPlacementCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "placement", Short: "Validate placement assignments"}

	var artifactPath, devices string
	check := &cobra.Command{
		Use:     "check <plan>",
		Short:   "Validate a placement assignment, optionally against an artifact and device list",
		Example: "  predictd placement check plan.yaml --artifact ranker.pda --devices cuda:0,cuda:1",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := placement.Load(args[0])
			if err != nil {
				return err
			}
			devs := plan.Devices()
			if devices != "" {
				if devs, err = device.Normalize(strings.Split(devices, ",")); err != nil {
					return err
				}
			}
			if artifactPath != "" {
				a, err := artifact.Load(artifactPath)
				if err != nil {
					return err
				}
				if err := plan.Check(a.Header.TableShapes(), devs); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "placement %q: %d tables on %d devices\n", plan.Version, len(plan.Tables), len(devs))
			for _, dev := range devs {
				on := plan.ShardsOn(dev)
				names := make([]string, 0, len(on))
				for name, shards := range on {
					names = append(names, fmt.Sprintf("%s(%d)", name, len(shards)))
				}
				sort.Strings(names)
				fmt.Fprintf(out, "  %s: %s\n", dev, strings.Join(names, " "))
			}
			return nil
		},
	}
	check.Flags().StringVar(&artifactPath, "artifact", "", "Artifact whose tables the plan must cover")
	check.Flags().StringVar(&devices, "devices", "", "Comma-separated devices the plan may use")
	cmd.AddCommand(check)
	return cmd
}
