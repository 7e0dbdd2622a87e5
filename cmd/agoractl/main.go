// Package main is the entry point for the agoractl CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"Agora-Governance/sdk/go/agora"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agoractl:", err)
		var apiErr *agora.APIError
		if errors.As(err, &apiErr) && apiErr.Verdict != nil {
			for _, v := range apiErr.Verdict.Violations {
				fmt.Fprintf(os.Stderr, "  violated %s: %s\n", v.PrincipleID, v.Statement)
			}
			for _, s := range apiErr.Verdict.Suggestions {
				fmt.Fprintf(os.Stderr, "  suggestion: %s\n", s)
			}
		}
		os.Exit(1)
	}
}
