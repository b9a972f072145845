package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"helmsman/internal/mission"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <mission.yaml>",
		Short: "Validate a mission file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := mission.LoadSpecFile(args[0])
			if err != nil {
				return err
			}

			green := color.New(color.FgGreen).SprintFunc()
			gray := color.New(color.FgHiBlack).SprintFunc()

			fmt.Printf("%s mission %s: %d work items\n", green("ok"), spec.ID, len(spec.Items))
			for _, item := range spec.Items {
				deps := ""
				if len(item.DependsOn) > 0 {
					deps = fmt.Sprintf(" (after %v)", item.DependsOn)
				}
				gate := ""
				if item.RequiresApproval {
					gate = " [approval]"
				}
				fmt.Printf("  %s %s%s%s\n", item.ID, gray(item.Title), gray(deps), gate)
			}
			return nil
		},
	}
}
