package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"poflow/internal/api"
	"poflow/internal/apiclient"
)

func newQueuesCommand(ctx *commandContext) *cobra.Command {
	queuesCmd := &cobra.Command{
		Use:   "queues",
		Short: "Show and manage the stage queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				queues, err := client.Queues(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd, ctx.output(), queues, func() error {
					fmt.Fprint(cmd.OutOrStdout(), renderTable(
						[]string{"Queue", "Waiting", "Active", "Delayed", "Completed", "Failed", "Paused"},
						buildQueueRows(queues),
						[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
					))
					return nil
				})
			})
		},
	}

	queuesCmd.AddCommand(newQueueActionCommand(ctx, "pause", "Stop workers from claiming jobs"))
	queuesCmd.AddCommand(newQueueActionCommand(ctx, "resume", "Resume a paused queue"))
	queuesCmd.AddCommand(newQueueActionCommand(ctx, "drain", "Remove failed jobs from a queue"))
	return queuesCmd
}

func buildQueueRows(queues []api.QueueView) [][]string {
	rows := make([][]string, 0, len(queues))
	for _, q := range queues {
		rows = append(rows, []string{
			q.Name,
			strconv.Itoa(q.Waiting),
			strconv.Itoa(q.Active),
			strconv.Itoa(q.Delayed),
			strconv.Itoa(q.Completed),
			strconv.Itoa(q.Failed),
			yesNo(q.Paused),
		})
	}
	return rows
}

func newQueueActionCommand(ctx *commandContext, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <queue>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				resp, err := client.QueueAction(cmd.Context(), args[0], action)
				if err != nil {
					return err
				}
				return render(cmd, ctx.output(), resp, func() error {
					out := cmd.OutOrStdout()
					switch action {
					case "pause":
						fmt.Fprintf(out, "Queue %s paused\n", resp.Queue)
					case "resume":
						fmt.Fprintf(out, "Queue %s resumed\n", resp.Queue)
					default:
						fmt.Fprintf(out, "Removed %d failed jobs from %s\n", resp.Removed, resp.Queue)
					}
					return nil
				})
			})
		},
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
