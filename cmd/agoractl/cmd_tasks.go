package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"Agora-Governance/sdk/go/agora"
)

func newDispatchCmd(opts *globalOptions) *cobra.Command {
	var (
		req    agora.DispatchRequest
		voters []string
	)
	cmd := &cobra.Command{
		Use:   "dispatch <description...>",
		Short: "Submit an action for governance and routing",
		Long: "Check the action against the constitution, optionally put it to the council,\n" +
			"then route it to an agent. Blocked actions print the violated principles.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			req.Description = strings.Join(args, " ")
			req.Voters = voters
			result, err := client.Dispatch(commandContext(cmd), req)
			if err != nil {
				return fmt.Errorf("dispatch: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "task %s -> %s (%s, route=%s)\n", result.TaskID, result.AgentID, result.Status, result.Route)
				if result.Governance.ProposalID != "" {
					fmt.Fprintf(w, "approved by proposal %s\n", result.Governance.ProposalID)
				}
				for _, s := range result.Suggestions {
					fmt.Fprintf(w, "  [%s %.2f] %s\n", s.Kind, s.Confidence, s.Text)
				}
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.RequestingAgent, "as", "", "requesting agent (ignored when the token names one)")
	flags.StringVar(&req.PreferredAgent, "agent", "", "preferred agent")
	flags.BoolVar(&req.RequiresConsensus, "consensus", false, "require council approval")
	flags.Float64Var(&req.Threshold, "threshold", 0, "consensus threshold override")
	flags.StringSliceVar(&voters, "voter", nil, "restrict the electorate (repeatable)")
	return cmd
}

func newTaskCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and manage tasks",
	}
	cmd.AddCommand(newTaskGetCmd(opts), newTaskListCmd(opts), newTaskCancelCmd(opts), newTaskReportCmd(opts))
	return cmd
}

func newTaskGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			t, err := client.GetTask(commandContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("task get: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), t, func(w io.Writer) { printTaskDetail(w, t) })
		},
	}
}

func newTaskListCmd(opts *globalOptions) *cobra.Command {
	var filter agora.TaskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			tasks, err := client.ListTasks(commandContext(cmd), filter)
			if err != nil {
				return fmt.Errorf("task list: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), tasks, func(w io.Writer) { printTasks(w, tasks) })
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&filter.Statuses, "status", nil, "filter by status (queued, running, completed, failed, blocked)")
	flags.StringVar(&filter.AgentID, "agent", "", "filter by agent")
	flags.StringVarP(&filter.Query, "query", "q", "", "substring match on description")
	flags.IntVar(&filter.Limit, "limit", 20, "maximum number of tasks")
	flags.IntVar(&filter.Offset, "offset", 0, "skip this many tasks")
	return cmd
}

func newTaskCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			t, err := client.CancelTask(commandContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("task cancel: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), t, func(w io.Writer) {
				fmt.Fprintf(w, "task %s %s\n", t.ID, t.Status)
			})
		},
	}
}

func newTaskReportCmd(opts *globalOptions) *cobra.Command {
	var (
		failMsg string
		code    string
	)
	cmd := &cobra.Command{
		Use:   "report <id> [result...]",
		Short: "Report the outcome of a running task",
		Long:  "Complete a running task with the given result, or fail it when --fail is set.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			result := agora.TaskResult{Success: failMsg == "", Result: strings.Join(args[1:], " ")}
			if failMsg != "" {
				result.Error = failMsg
				result.ErrorCode = code
			}
			t, err := client.ReportResult(commandContext(cmd), args[0], result)
			if err != nil {
				return fmt.Errorf("task report: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), t, func(w io.Writer) {
				fmt.Fprintf(w, "task %s %s\n", t.ID, t.Status)
			})
		},
	}
	cmd.Flags().StringVar(&failMsg, "fail", "", "mark the task failed with this message")
	cmd.Flags().StringVar(&code, "code", "RUNTIME_FAILURE", "error code used with --fail")
	return cmd
}

func printTasks(w io.Writer, tasks []agora.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tAGENT\tCREATED\tDESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.AgentID,
			t.CreatedAt.Local().Format("01-02 15:04:05"), truncate(t.Description, 60))
	}
	_ = tw.Flush()
}

func printTaskDetail(w io.Writer, t agora.Task) {
	fmt.Fprintf(w, "id:          %s\n", t.ID)
	fmt.Fprintf(w, "status:      %s\n", t.Status)
	fmt.Fprintf(w, "agent:       %s\n", t.AgentID)
	fmt.Fprintf(w, "requested:   %s\n", t.RequestedBy)
	fmt.Fprintf(w, "description: %s\n", t.Description)
	if t.Governance.ProposalID != "" {
		fmt.Fprintf(w, "proposal:    %s (decision %s)\n", t.Governance.ProposalID, t.Governance.DecisionID)
	}
	if len(t.Governance.Verdict.ViolatedPrinciples) > 0 {
		fmt.Fprintf(w, "violations:  %s\n", strings.Join(t.Governance.Verdict.ViolatedPrinciples, ", "))
	}
	if t.Result != "" {
		fmt.Fprintf(w, "result:      %s\n", t.Result)
	}
	if t.Error != "" {
		fmt.Fprintf(w, "error:       %s (%s)\n", t.Error, t.ErrorCode)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
