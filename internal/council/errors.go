package council

import (
	xerrors "Agora-Governance/internal/errors"
)

const (
	// CodeCouncilRejected 表示议会未达成共识。
	CodeCouncilRejected xerrors.Code = "COUNCIL_REJECTED"
	// CodeCouncilTimeout 表示表决窗口内没有有效参与，按拒绝处理。
	CodeCouncilTimeout xerrors.Code = "COUNCIL_TIMEOUT"
	// CodeProposalClosed 表示向已终结的提案投票。
	CodeProposalClosed xerrors.Code = "PROPOSAL_CLOSED"
	// CodeProposalNotFound 表示提案不存在。
	CodeProposalNotFound xerrors.Code = "PROPOSAL_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeCouncilRejected, xerrors.Attributes{
		Message:  "council rejected proposal",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCouncilTimeout, xerrors.Attributes{
		Message:   "council did not reach a decision in time",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeProposalClosed, xerrors.Attributes{
		Message:  "proposal is closed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeProposalNotFound, xerrors.Attributes{
		Message:  "proposal not found",
		Severity: xerrors.SeverityInfo,
	})
}

func errNotFound(id string) error {
	return xerrors.New(CodeProposalNotFound, "proposal not found", xerrors.WithMetadata("proposal_id", id))
}

func errClosed(p *Proposal) error {
	return xerrors.New(CodeProposalClosed, "proposal is "+string(p.Status),
		xerrors.WithMetadata("proposal_id", p.ID),
		xerrors.WithMetadata("status", string(p.Status)))
}
