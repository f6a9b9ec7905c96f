package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"poflow/internal/apiclient"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery sweep over stuck workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				report, err := client.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd, ctx.output(), report, func() error {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Scanned %d: %d finalized, %d reset, %d abandoned, %d skipped, %d stale\n",
						report.Scanned, report.Finalized, report.Reset, report.Abandoned, report.Skipped, report.Stale)
					if len(report.Items) == 0 {
						return nil
					}
					rows := make([][]string, 0, len(report.Items))
					for _, item := range report.Items {
						rows = append(rows, []string{item.WorkflowID, item.Action, valueOr(item.Status, "-"), item.Reason, strconv.FormatBool(item.Stale)})
					}
					fmt.Fprint(out, renderTable([]string{"Workflow", "Action", "Status", "Reason", "Stale"}, rows, nil))
					return nil
				})
			})
		},
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				health, err := client.Health(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd, ctx.output(), health, func() error {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Status:    %s\n", health.Status)
					fmt.Fprintf(out, "Database:  %s reachable=%s schema=%d\n", health.Database.Driver, yesNo(health.Database.Reachable), health.Database.SchemaVersion)
					if health.Database.Error != "" {
						fmt.Fprintf(out, "           %s\n", health.Database.Error)
					}
					fmt.Fprintf(out, "Metadata:  %s\n", health.Metadata)
					for _, status := range slices.Sorted(maps.Keys(health.Workflows)) {
						fmt.Fprintf(out, "  %-14s %d\n", status, health.Workflows[status])
					}
					return nil
				})
			})
		},
	}
}
