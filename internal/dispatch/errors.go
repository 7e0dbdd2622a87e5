package dispatch

import (
	xerrors "Agora-Governance/internal/errors"
)

// CodeNoAgentAvailable 表示没有可用且具备能力的 Agent。
const CodeNoAgentAvailable xerrors.Code = "NO_AGENT_AVAILABLE"

func init() {
	xerrors.Register(CodeNoAgentAvailable, xerrors.Attributes{
		Message:   "no agent available",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

func errNoAgent(description string) error {
	return xerrors.New(CodeNoAgentAvailable, "no available agent can take this task",
		xerrors.WithMetadata("description", truncate(description, 80)))
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
