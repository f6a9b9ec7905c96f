package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"poflow/internal/api"
	"poflow/internal/apiclient"
	"poflow/internal/workflow"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var mode string
	var uri bool

	cmd := &cobra.Command{
		Use:   "submit <file|uri>",
		Short: "Submit a purchase order document",
		Long: "Upload a local document to the daemon, or with --uri ask the daemon to fetch it\n" +
			"(gs://bucket/object or a path under paths.documents_dir).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner = strings.TrimSpace(owner)
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				var resp *api.SubmitResponse
				var err error
				if uri {
					resp, err = client.SubmitURI(cmd.Context(), api.SubmitRequest{Owner: owner, DocumentURI: args[0], Mode: mode})
				} else {
					resp, err = client.SubmitFile(cmd.Context(), args[0], owner, mode)
				}
				if err != nil {
					return err
				}
				return render(cmd, ctx.output(), resp, func() error {
					out := cmd.OutOrStdout()
					if resp.Duplicate {
						fmt.Fprintf(out, "Document already submitted as workflow %s (%s)\n", resp.Workflow.ID, resp.Workflow.Status)
						return nil
					}
					fmt.Fprintf(out, "Submitted workflow %s (%s, %s mode)\n", resp.Workflow.ID, resp.Workflow.Status, resp.Workflow.Mode)
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner the document belongs to")
	cmd.Flags().StringVar(&mode, "mode", "", "Execution mode override: queued or sequential")
	cmd.Flags().BoolVar(&uri, "uri", false, "Treat the argument as a document URI fetched by the daemon")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show a workflow with its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				detail, err := client.Workflow(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(cmd, ctx.output(), detail, func() error {
					renderDetail(cmd, detail)
					return nil
				})
			})
		},
	}
}

func renderDetail(cmd *cobra.Command, detail *api.WorkflowDetail) {
	out := cmd.OutOrStdout()
	wf := detail.Workflow
	fmt.Fprintf(out, "Workflow:  %s\n", wf.ID)
	fmt.Fprintf(out, "Document:  %s\n", valueOr(wf.DocumentName, "-"))
	fmt.Fprintf(out, "Owner:     %s (%s)\n", wf.Owner, wf.Mode)
	fmt.Fprintf(out, "Status:    %s %d%%\n", wf.Status, wf.ProgressPercent)
	if wf.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:     %s (stage %s, %s)\n", wf.ErrorMessage, valueOr(wf.FailedStage, "-"), valueOr(wf.Metadata[workflow.MetaErrorKind], "unknown"))
	}
	if detail.Aggregate != nil {
		fmt.Fprintf(out, "Order:     %s from %s, %d lines, %d %s cents\n",
			valueOr(detail.Aggregate.PONumber, "-"), valueOr(detail.Aggregate.VendorName, "-"),
			len(detail.Aggregate.Lines), detail.Aggregate.TotalCents, valueOr(detail.Aggregate.Currency, ""))
	}
	fmt.Fprintln(out)

	rows := make([][]string, 0, len(detail.Stages))
	for _, stage := range detail.Stages {
		rows = append(rows, []string{
			strconv.Itoa(stage.Order),
			stage.Name,
			stage.Status,
			strconv.Itoa(stage.Attempts),
			fmt.Sprintf("%.1fs", stage.DurationSeconds),
			stage.ErrorMessage,
		})
	}
	fmt.Fprint(out, renderTable(
		[]string{"#", "Stage", "Status", "Attempts", "Duration", "Error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var owner string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				items, err := client.ListWorkflows(cmd.Context(), statuses, owner, limit)
				if err != nil {
					return err
				}
				return render(cmd, ctx.output(), items, func() error {
					if len(items) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "No workflows")
						return nil
					}
					fmt.Fprint(cmd.OutOrStdout(), renderTable(
						[]string{"ID", "Owner", "Document", "Status", "Stage", "Progress", "Updated"},
						buildWorkflowRows(items),
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
					))
					return nil
				})
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by workflow status (repeatable)")
	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of workflows")
	return cmd
}

func buildWorkflowRows(items []api.WorkflowView) [][]string {
	rows := make([][]string, 0, len(items))
	for _, wf := range items {
		rows = append(rows, []string{
			wf.ID,
			wf.Owner,
			valueOr(wf.DocumentName, "-"),
			wf.Status,
			valueOr(wf.CurrentStage, "-"),
			fmt.Sprintf("%d%%", wf.ProgressPercent),
			valueOr(wf.UpdatedAt, "-"),
		})
	}
	return rows
}

func newResubmitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <workflow-id>",
		Short: "Run a failed or review_needed workflow again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				wf, err := client.Resubmit(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(cmd, ctx.output(), wf, func() error {
					fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s resubmitted (%s, epoch %d)\n", wf.ID, wf.Status, wf.Epoch)
					return nil
				})
			})
		},
	}
}
