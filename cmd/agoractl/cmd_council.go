package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"Agora-Governance/sdk/go/agora"
)

func newProposalsCmd(opts *globalOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "List open council proposals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			proposals, err := client.Proposals(commandContext(cmd), all)
			if err != nil {
				return fmt.Errorf("proposals: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), proposals, func(w io.Writer) { printProposals(w, proposals) })
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved and expired proposals")
	return cmd
}

func newProposeCmd(opts *globalOptions) *cobra.Command {
	var (
		req agora.ProposalRequest
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "propose <description...>",
		Short: "Open a council proposal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			req.Description = strings.Join(args, " ")
			req.TTLSeconds = ttl.Seconds()
			p, err := client.Propose(commandContext(cmd), req)
			if err != nil {
				return fmt.Errorf("propose: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), p, func(w io.Writer) {
				fmt.Fprintf(w, "proposal %s (%s, threshold %.2f) open until %s\n",
					p.ID, p.ProposalType, p.ConsensusThreshold, p.ExpiresAt.Local().Format(time.TimeOnly))
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.ProposedBy, "as", "", "proposing agent (ignored when the token names one)")
	flags.StringVar(&req.ProposalType, "type", "", "proposal type, inferred from the description when empty")
	flags.Float64Var(&req.Threshold, "threshold", 0, "consensus threshold override")
	flags.DurationVar(&ttl, "ttl", 0, "voting window, server default when zero")
	flags.StringSliceVar(&req.Voters, "voter", nil, "restrict the electorate (repeatable)")
	return cmd
}

func newVoteCmd(opts *globalOptions) *cobra.Command {
	var as, reason string
	cmd := &cobra.Command{
		Use:       "vote <proposal-id> <approve|reject|abstain>",
		Short:     "Cast or replace a ballot",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"approve", "reject", "abstain"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			p, err := client.Vote(commandContext(cmd), args[0], as, args[1], reason)
			if err != nil {
				return fmt.Errorf("vote: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), p, func(w io.Writer) {
				fmt.Fprintf(w, "proposal %s %s with %d ballot(s)\n", p.ID, p.Status, len(p.Votes))
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "voting agent (ignored when the token names one)")
	cmd.Flags().StringVar(&reason, "reason", "", "reasoning recorded with the ballot")
	return cmd
}

func newResolveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <proposal-id>",
		Short: "Tally a proposal now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			d, err := client.Resolve(commandContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), d, func(w io.Writer) { printDecision(w, d) })
		},
	}
}

func newDecisionsCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recent council decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			decisions, err := client.Decisions(commandContext(cmd), limit)
			if err != nil {
				return fmt.Errorf("decisions: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), decisions, func(w io.Writer) {
				for _, d := range decisions {
					printDecision(w, d)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of decisions, 0 for all")
	return cmd
}

func newSuggestCmd(opts *globalOptions) *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "suggest <description...>",
		Short: "Ask the predictive engine about an action",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			suggestions, err := client.Suggestions(commandContext(cmd), strings.Join(args, " "), action)
			if err != nil {
				return fmt.Errorf("suggest: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), suggestions, func(w io.Writer) {
				if len(suggestions) == 0 {
					fmt.Fprintln(w, "no suggestions")
				}
				for _, s := range suggestions {
					fmt.Fprintf(w, "%s [%s %.2f] %s\n", s.ID, s.Kind, s.Confidence, s.Text)
				}
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "current action, overrides the inferred one")
	return cmd
}

func printProposals(w io.Writer, proposals []agora.Proposal) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tVOTES\tEXPIRES\tDESCRIPTION")
	for _, p := range proposals {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", p.ID, p.Status, p.ProposalType, len(p.Votes),
			p.ExpiresAt.Local().Format(time.TimeOnly), truncate(p.Description, 50))
	}
	_ = tw.Flush()
}

func printDecision(w io.Writer, d agora.Decision) {
	fmt.Fprintf(w, "%s %s proposal %s: consensus %.2f / threshold %.2f\n",
		d.ID, strings.ToUpper(d.Decision), d.ProposalID, d.ConsensusLevel, d.Threshold)
	voters := make([]string, 0, len(d.VoteSummary.Ballots))
	for agentID := range d.VoteSummary.Ballots {
		voters = append(voters, agentID)
	}
	sort.Strings(voters)
	for _, agentID := range voters {
		fmt.Fprintf(w, "  %s: %s\n", agentID, d.VoteSummary.Ballots[agentID])
	}
	if d.Rationale != "" {
		fmt.Fprintf(w, "  %s\n", d.Rationale)
	}
}
