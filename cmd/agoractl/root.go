package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"Agora-Governance/sdk/go/agora"
)

// 环境变量可以代替全局参数。
const (
	envServer = "AGORA_SERVER"
	envToken  = "AGORA_TOKEN"
)

// globalOptions 是所有子命令共享的连接参数。
type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
	asJSON  bool
}

func (o *globalOptions) client() (*agora.Client, error) {
	client, err := agora.NewClient(o.server, &http.Client{Timeout: o.timeout})
	if err != nil {
		return nil, err
	}
	if o.token != "" {
		client.SetAccessToken(o.token)
	}
	return client, nil
}

// render 以 JSON 或 fallback 的文本形式输出结果。
func (o *globalOptions) render(w io.Writer, v any, text func(io.Writer)) error {
	if o.asJSON || text == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

// newRootCmd creates the root agoractl command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "agoractl",
		Short:         "Command line client for the Agora governance service",
		Long:          "agoractl talks to a running agorad over its REST API.\nIt dispatches actions, inspects tasks and takes part in council votes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv(envServer)
	if server == "" {
		server = "http://localhost:8080"
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", server, "agorad base URL (env "+envServer+")")
	flags.StringVar(&opts.token, "token", os.Getenv(envToken), "bearer token (env "+envToken+")")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout, covers consensus waits")
	flags.BoolVar(&opts.asJSON, "json", false, "print raw JSON responses")

	cmd.AddCommand(
		newLoginCmd(opts),
		newDispatchCmd(opts),
		newTaskCmd(opts),
		newStatsCmd(opts),
		newProposalsCmd(opts),
		newProposeCmd(opts),
		newVoteCmd(opts),
		newResolveCmd(opts),
		newDecisionsCmd(opts),
		newSuggestCmd(opts),
		newAgentsCmd(opts),
		newAvailabilityCmd(opts),
		newHealthCmd(opts),
	)
	return cmd
}

func newLoginCmd(opts *globalOptions) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Exchange credentials for an access token",
		Long:  "Authenticate against agorad and print the issued access token.\nExport it as " + envToken + " for later commands.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			token, err := client.Authenticate(commandContext(cmd), args[0], password)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), token, func(w io.Writer) {
				fmt.Fprintln(w, token.AccessToken)
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show execution queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			stats, err := client.Stats(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), stats, func(w io.Writer) {
				fmt.Fprintf(w, "total=%d pending=%d running=%d completed=%d failed=%d blocked=%d avg=%dms\n",
					stats.Total, stats.Pending, stats.Running, stats.Completed, stats.Failed, stats.Blocked, stats.AvgExecutionMillis)
			})
		},
	}
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Summarise recent constitutional verdicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			health, err := client.ConstitutionHealth(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), health, func(w io.Writer) {
				fmt.Fprintf(w, "evaluated=%d blocked=%d constitutional_rate=%.2f\n",
					health.Total, health.Blocked, health.ConstitutionalRate)
				for _, v := range health.CommonViolations {
					fmt.Fprintf(w, "  %s\t%d\n", v.PrincipleID, v.Count)
				}
			})
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
