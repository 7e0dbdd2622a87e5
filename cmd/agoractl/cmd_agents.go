package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAgentsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			agents, err := client.Agents(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("agents: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), agents, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tAVAILABLE\tMAX\tCAPABILITIES")
				for _, a := range agents {
					fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", a.ID, a.Available, a.MaxConcurrentTasks, strings.Join(a.Capabilities, ","))
				}
				_ = tw.Flush()
			})
		},
	}
}

func newAvailabilityCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "availability <agent-id> <on|off>",
		Short:     "Take an agent in or out of rotation",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var available bool
			switch strings.ToLower(args[1]) {
			case "on", "true", "yes":
				available = true
			case "off", "false", "no":
			default:
				return fmt.Errorf("availability: expected on or off, got %q", args[1])
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			a, err := client.SetAvailability(commandContext(cmd), args[0], available)
			if err != nil {
				return fmt.Errorf("availability: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), a, func(w io.Writer) {
				fmt.Fprintf(w, "agent %s available=%t\n", a.ID, a.Available)
			})
		},
	}
}
