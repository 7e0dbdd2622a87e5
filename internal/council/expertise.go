package council

import (
	"log/slog"
	"sync"

	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/pkg/logger"
)

const (
	defaultExpertise = 0.5
	minExpertise     = 0.1
	maxExpertise     = 1.0
	expertiseStep    = 0.05

	minSuggestedThreshold = 0.5
	maxSuggestedThreshold = 0.9
	thresholdStep         = 0.05
)

// DomainFor 返回提案类型对应的经验领域。
func DomainFor(proposalType string) string {
	switch proposalType {
	case TypeArchitectural:
		return "architecture"
	case TypeRefactoring:
		return "code"
	case TypeAgentAssignment:
		return "coordination"
	case TypeResource:
		return "operations"
	default:
		return "general"
	}
}

type expertiseBook struct {
	mu     sync.RWMutex
	levels map[string]map[string]float64
}

func newExpertiseBook() *expertiseBook {
	return &expertiseBook{levels: make(map[string]map[string]float64)}
}

func (b *expertiseBook) get(agentID, domain string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.levels[agentID][domain]; ok {
		return v
	}
	return defaultExpertise
}

func (b *expertiseBook) set(agentID, domain string, v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(agentID, domain, v)
}

func (b *expertiseBook) setLocked(agentID, domain string, v float64) {
	if v < minExpertise {
		v = minExpertise
	}
	if v > maxExpertise {
		v = maxExpertise
	}
	if b.levels[agentID] == nil {
		b.levels[agentID] = make(map[string]float64)
	}
	b.levels[agentID][domain] = round4(v)
}

func (b *expertiseBook) adjust(agentID, domain string, delta float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := defaultExpertise
	if v, ok := b.levels[agentID][domain]; ok {
		current = v
	}
	b.setLocked(agentID, domain, current+delta)
	return b.levels[agentID][domain]
}

// Expertise 返回 Agent 在指定领域的经验值。
func (c *Council) Expertise(agentID, domain string) float64 {
	return c.expertise.get(agentID, domain)
}

type outcome struct {
	proposalType string
	success      bool
}

// ReportOutcome 回报已通过提案的执行结果。
// 成功时赞成者增加经验、反对者扣减，失败时相反；结果同时用于阈值建议。
func (c *Council) ReportOutcome(proposalID string, success bool) error {
	e, err := c.lookup(proposalID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.decision == nil {
		err := errClosed(&e.proposal)
		e.mu.Unlock()
		return xerrors.Wrap(xerrors.CodeConflict, err, "proposal has no decision")
	}
	d := e.decision.clone()
	e.mu.Unlock()

	c.outcomesMu.Lock()
	if _, dup := c.outcomes[proposalID]; dup {
		c.outcomesMu.Unlock()
		return xerrors.New(xerrors.CodeAlreadyCompleted, "outcome already reported",
			xerrors.WithMetadata("proposal_id", proposalID))
	}
	c.outcomes[proposalID] = outcome{proposalType: d.ProposalType, success: success}
	c.outcomesMu.Unlock()

	if !d.Approved() {
		return nil
	}
	delta := expertiseStep
	if !success {
		delta = -expertiseStep
	}
	domain := DomainFor(d.ProposalType)
	for agentID, choice := range d.VoteSummary.Ballots {
		var level float64
		switch choice {
		case ChoiceApprove:
			level = c.expertise.adjust(agentID, domain, delta)
		case ChoiceReject:
			level = c.expertise.adjust(agentID, domain, -delta)
		default:
			continue
		}
		c.log.Debug("更新 Agent 经验值",
			slog.String("agent_id", agentID),
			slog.String("domain", domain),
			slog.Float64("level", level))
	}
	logger.Audit().Info("提案执行结果已回报",
		slog.String("proposal_id", proposalID),
		slog.Bool("success", success))
	return nil
}

// SuggestThreshold 根据同类提案的历史执行结果给出阈值建议：
// 每多一次失败上调 0.05，每多一次成功下调 0.05，结果限制在 [0.5, 0.9]。
func (c *Council) SuggestThreshold(proposalType string) float64 {
	c.outcomesMu.Lock()
	balance := 0
	for _, o := range c.outcomes {
		if o.proposalType != proposalType {
			continue
		}
		if o.success {
			balance--
		} else {
			balance++
		}
	}
	c.outcomesMu.Unlock()
	if balance == 0 {
		return c.defaultThreshold
	}
	suggested := c.defaultThreshold + float64(balance)*thresholdStep
	if suggested < minSuggestedThreshold {
		suggested = minSuggestedThreshold
	}
	if suggested > maxSuggestedThreshold {
		suggested = maxSuggestedThreshold
	}
	return round4(suggested)
}

// AgentStats 汇总 Agent 在已裁定提案上的投票记录。
// AgreementRate 是其非弃权票与最终决议一致的比例。
func (c *Council) AgentStats(agentID string) AgentStats {
	stats := AgentStats{AgentID: agentID}
	agreed, counted := 0, 0
	for _, d := range c.GetDecisions(0) {
		choice, ok := d.VoteSummary.Ballots[agentID]
		if !ok {
			continue
		}
		stats.VotesCast++
		switch choice {
		case ChoiceApprove:
			stats.Approvals++
		case ChoiceReject:
			stats.Rejections++
		case ChoiceAbstain:
			stats.Abstentions++
			continue
		}
		counted++
		if (choice == ChoiceApprove) == d.Approved() {
			agreed++
		}
	}
	if counted > 0 {
		stats.AgreementRate = round4(float64(agreed) / float64(counted))
	}
	return stats
}
