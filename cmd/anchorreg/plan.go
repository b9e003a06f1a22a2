package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"anchorreg/pkg/anchor"
)

func newPlanCmd() *cobra.Command {
	var (
		volumes int
		anchors string
		grouped bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the registration plan for a series without loading it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			indices, err := anchor.ParseFrames(anchors)
			if err != nil {
				return err
			}
			set, err := anchor.NewSet(indices, volumes)
			if err != nil {
				return err
			}
			plan, err := anchor.Schedule(volumes, set.Indices())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d volumes, anchor frames %v, %d registrations\n",
				volumes, anchor.Frames(set.Indices()), len(plan))
			if grouped {
				spans := plan.ByAnchor()
				for _, a := range set.Indices() {
					fmt.Fprintf(out, "anchor frame %d: frames %v\n", a+1, anchor.Frames(spans[a]))
				}
				return nil
			}
			for _, task := range plan {
				fmt.Fprintln(out, task)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&volumes, "volumes", "v", 0, "number of volumes in the series")
	cmd.Flags().StringVarP(&anchors, "anchors", "a", "1", "comma-separated list of 1-based anchor frames")
	cmd.Flags().BoolVarP(&grouped, "group", "g", false, "group frames by anchor")
	_ = cmd.MarkFlagRequired("volumes")
	return cmd
}
