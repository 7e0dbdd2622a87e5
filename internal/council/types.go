package council

import (
	"time"
)

// Choice 是一张选票的取值。
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
	ChoiceAbstain Choice = "abstain"
)

// IsValid 判断选票取值是否合法。
func (c Choice) IsValid() bool {
	switch c {
	case ChoiceApprove, ChoiceReject, ChoiceAbstain:
		return true
	default:
		return false
	}
}

// Status 表示提案所处阶段。
type Status string

const (
	StatusOpen     Status = "open"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	// StatusExpired 表示提案在没有裁定的情况下被撤回，不产生 Decision。
	StatusExpired Status = "expired"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// 提案类型。
const (
	TypeArchitectural   = "architectural"
	TypeRefactoring     = "refactoring"
	TypeAgentAssignment = "agent_assignment"
	TypeResource        = "resource"
	TypeGeneral         = "general"
)

// Vote 是一张不可变的选票；同一 Agent 的新票会替换旧票。
type Vote struct {
	AgentID   string    `json:"agent_id"`
	Choice    Choice    `json:"choice"`
	Reasoning string    `json:"reasoning,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Proposal 是一项需要集体表决的提案。
type Proposal struct {
	ID                 string          `json:"id"`
	Description        string          `json:"description"`
	ProposedBy         string          `json:"proposed_by"`
	ProposalType       string          `json:"proposal_type"`
	ConsensusThreshold float64         `json:"consensus_threshold"`
	Voters             []string        `json:"voters,omitempty"`
	Context            map[string]any  `json:"context,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ExpiresAt          time.Time       `json:"expires_at"`
	Status             Status          `json:"status"`
	Votes              map[string]Vote `json:"votes"`
	DecisionID         string          `json:"decision_id,omitempty"`
}

func (p *Proposal) clone() Proposal {
	out := *p
	out.Voters = append([]string(nil), p.Voters...)
	out.Votes = make(map[string]Vote, len(p.Votes))
	for k, v := range p.Votes {
		out.Votes[k] = v
	}
	if p.Context != nil {
		out.Context = make(map[string]any, len(p.Context))
		for k, v := range p.Context {
			out.Context[k] = v
		}
	}
	return out
}

// VoteSummary 汇总一次裁定时的计票情况。
type VoteSummary struct {
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
	Abstain int `json:"abstain"`
	// Absent 是名单内未投票的 Agent 数，裁定时按反对计入。
	Absent          int               `json:"absent"`
	WeightedFor     float64           `json:"weighted_for"`
	WeightedAgainst float64           `json:"weighted_against"`
	Ballots         map[string]Choice `json:"ballots"`
}

// Decision 在提案进入 approved/rejected 时产生且仅产生一次。
type Decision struct {
	ID             string      `json:"id"`
	ProposalID     string      `json:"proposal_id"`
	ProposalType   string      `json:"proposal_type"`
	Description    string      `json:"description"`
	Decision       Status      `json:"decision"`
	ConsensusLevel float64     `json:"consensus_level"`
	Threshold      float64     `json:"threshold"`
	VoteSummary    VoteSummary `json:"vote_summary"`
	Rationale      string      `json:"rationale"`
	ExecutedAt     time.Time   `json:"executed_at"`
}

// Approved 判断是否通过。
func (d Decision) Approved() bool {
	return d.Decision == StatusApproved
}

// Participation 判断是否至少有一张非弃权票。
func (d Decision) Participation() bool {
	return d.VoteSummary.Approve+d.VoteSummary.Reject > 0
}

func (d Decision) clone() Decision {
	out := d
	out.VoteSummary.Ballots = make(map[string]Choice, len(d.VoteSummary.Ballots))
	for k, v := range d.VoteSummary.Ballots {
		out.VoteSummary.Ballots[k] = v
	}
	return out
}

// ProposalRequest 描述发起提案所需的信息。
type ProposalRequest struct {
	Description  string
	ProposedBy   string
	ProposalType string
	// Threshold 为 0 时使用先例建议值或默认值。
	Threshold float64
	// TTL 为 0 时使用默认表决窗口。
	TTL time.Duration
	// Voters 非空时，所有列出的 Agent 投票后立即裁定；
	// 到期时名单内未投票的 Agent 按反对计票。
	Voters  []string
	Context map[string]any
}

// AgentStats 汇总某个 Agent 的投票记录。
type AgentStats struct {
	AgentID       string  `json:"agent_id"`
	VotesCast     int     `json:"votes_cast"`
	Approvals     int     `json:"approvals"`
	Rejections    int     `json:"rejections"`
	Abstentions   int     `json:"abstentions"`
	AgreementRate float64 `json:"agreement_rate"`
}
