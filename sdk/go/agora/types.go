package agora

import (
	"errors"
	"fmt"
	"time"
)

// Token represents an issued access token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// DispatchRequest is the payload of POST /api/v1/dispatch.
type DispatchRequest struct {
	Description       string         `json:"description"`
	RequestingAgent   string         `json:"requesting_agent,omitempty"`
	PreferredAgent    string         `json:"preferred_agent,omitempty"`
	RequiresConsensus bool           `json:"requires_consensus,omitempty"`
	Threshold         float64        `json:"threshold,omitempty"`
	Voters            []string       `json:"voters,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
}

// Violation names a principle an action tripped.
type Violation struct {
	PrincipleID string `json:"principle_id"`
	Severity    string `json:"severity"`
	Statement   string `json:"statement"`
}

// Verdict is the constitution's ruling on an action.
type Verdict struct {
	Allowed            bool        `json:"allowed"`
	ViolatedPrinciples []string    `json:"violated_principles"`
	Violations         []Violation `json:"violations,omitempty"`
	Rationale          string      `json:"rationale"`
	Suggestions        []string    `json:"suggestions,omitempty"`
	Confidence         float64     `json:"confidence"`
}

// Governance records the checks a task passed.
type Governance struct {
	Verdict    Verdict `json:"verdict"`
	ProposalID string  `json:"proposal_id,omitempty"`
	DecisionID string  `json:"decision_id,omitempty"`
}

// Suggestion is advisory output of the predictive engine.
type Suggestion struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Confidence float64   `json:"confidence"`
	Text       string    `json:"text"`
	PatternID  string    `json:"pattern_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DispatchResult describes an enqueued task.
type DispatchResult struct {
	TaskID      string       `json:"task_id"`
	AgentID     string       `json:"agent_id"`
	Status      string       `json:"status"`
	Route       string       `json:"route"`
	PatternID   string       `json:"pattern_id,omitempty"`
	Governance  Governance   `json:"governance"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// Task is the server's view of a task.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	RequestedBy string         `json:"requested_by,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Status      string         `json:"status"`
	Governance  Governance     `json:"governance"`
	Context     map[string]any `json:"context,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Statuses []string
	AgentID  string
	Query    string
	Limit    int
	Offset   int
}

// TaskResult is reported by out-of-process agents.
type TaskResult struct {
	Success   bool   `json:"success"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Stats aggregates queue counters.
type Stats struct {
	Total              int   `json:"total"`
	Pending            int   `json:"pending"`
	Running            int   `json:"running"`
	Completed          int   `json:"completed"`
	Failed             int   `json:"failed"`
	Blocked            int   `json:"blocked"`
	AvgExecutionMillis int64 `json:"avg_execution_ms"`
}

// ProposalRequest opens a council proposal directly.
type ProposalRequest struct {
	Description  string         `json:"description"`
	ProposedBy   string         `json:"proposed_by,omitempty"`
	ProposalType string         `json:"proposal_type,omitempty"`
	Threshold    float64        `json:"threshold,omitempty"`
	TTLSeconds   float64        `json:"ttl_seconds,omitempty"`
	Voters       []string       `json:"voters,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// Vote is one ballot on a proposal.
type Vote struct {
	AgentID   string    `json:"agent_id"`
	Choice    string    `json:"choice"`
	Reasoning string    `json:"reasoning,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Proposal is a council proposal.
type Proposal struct {
	ID                 string          `json:"id"`
	Description        string          `json:"description"`
	ProposedBy         string          `json:"proposed_by"`
	ProposalType       string          `json:"proposal_type"`
	ConsensusThreshold float64         `json:"consensus_threshold"`
	Voters             []string        `json:"voters,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ExpiresAt          time.Time       `json:"expires_at"`
	Status             string          `json:"status"`
	Votes              map[string]Vote `json:"votes"`
	DecisionID         string          `json:"decision_id,omitempty"`
}

// VoteSummary is the tally at resolution time.
type VoteSummary struct {
	Approve         int               `json:"approve"`
	Reject          int               `json:"reject"`
	Abstain         int               `json:"abstain"`
	Absent          int               `json:"absent"`
	WeightedFor     float64           `json:"weighted_for"`
	WeightedAgainst float64           `json:"weighted_against"`
	Ballots         map[string]string `json:"ballots"`
}

// Decision is the final outcome of a proposal.
type Decision struct {
	ID             string      `json:"id"`
	ProposalID     string      `json:"proposal_id"`
	ProposalType   string      `json:"proposal_type"`
	Description    string      `json:"description"`
	Decision       string      `json:"decision"`
	ConsensusLevel float64     `json:"consensus_level"`
	Threshold      float64     `json:"threshold"`
	VoteSummary    VoteSummary `json:"vote_summary"`
	Rationale      string      `json:"rationale"`
	ExecutedAt     time.Time   `json:"executed_at"`
}

// Agent describes a registered agent.
type Agent struct {
	ID                 string   `json:"id"`
	Capabilities       []string `json:"capabilities"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	Available          bool     `json:"available"`
	Endpoint           string   `json:"endpoint,omitempty"`
}

// ViolationCount counts how often a principle fired.
type ViolationCount struct {
	PrincipleID string `json:"principle_id"`
	Count       int    `json:"count"`
}

// ConstitutionHealth summarises recent verdicts.
type ConstitutionHealth struct {
	Total              int              `json:"total"`
	Blocked            int              `json:"blocked"`
	ConstitutionalRate float64          `json:"constitutional_rate"`
	CommonViolations   []ViolationCount `json:"common_violations"`
}

// APIError represents server side validation or governance errors.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Retryable  bool              `json:"retryable,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Verdict    *Verdict          `json:"verdict,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agora api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agora api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Precedent is a past decision similar to a query.
type Precedent struct {
	DecisionID  string  `json:"decision_id"`
	ProposalID  string  `json:"proposal_id"`
	Description string  `json:"description"`
	Decision    string  `json:"decision"`
	Score       float64 `json:"score"`
}

// AgentStats summarises one agent's voting record.
type AgentStats struct {
	AgentID       string  `json:"agent_id"`
	VotesCast     int     `json:"votes_cast"`
	Approvals     int     `json:"approvals"`
	Rejections    int     `json:"rejections"`
	Abstentions   int     `json:"abstentions"`
	AgreementRate float64 `json:"agreement_rate"`
}

// KindAccuracy is the feedback tally for one suggestion kind.
type KindAccuracy struct {
	Total    int `json:"total"`
	Accurate int `json:"accurate"`
}

// Accuracy reports how often suggestions were judged accurate.
type Accuracy struct {
	Total    int                     `json:"total"`
	Accurate int                     `json:"accurate"`
	Rate     float64                 `json:"rate"`
	ByKind   map[string]KindAccuracy `json:"by_kind"`
}
