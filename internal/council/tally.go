package council

import (
	"fmt"
	"math"
	"sort"
)

type tallyResult struct {
	VoteSummary
	level float64
}

// tally 统计票数。共识度 = 赞成 / (赞成 + 反对 + 缺席)，弃权不计入分母。
// 缺席只针对提案名单内尚未投票的 Agent，全部投票后即为 赞成 / (赞成 + 反对)。
// 开启经验加权时，各项按投票者在该提案领域的经验值累加。
// 结果只依赖最终票面，与投票到达顺序无关。
func (c *Council) tally(p *Proposal) tallyResult {
	var r tallyResult
	r.Ballots = make(map[string]Choice, len(p.Votes))

	agents := make([]string, 0, len(p.Votes))
	for id := range p.Votes {
		agents = append(agents, id)
	}
	// 固定累加顺序，避免浮点求和受 map 遍历顺序影响。
	sort.Strings(agents)

	domain := DomainFor(p.ProposalType)
	for _, id := range agents {
		v := p.Votes[id]
		r.Ballots[id] = v.Choice
		weight := 1.0
		if c.weighted {
			weight = c.expertise.get(id, domain)
		}
		switch v.Choice {
		case ChoiceApprove:
			r.Approve++
			r.WeightedFor += weight
		case ChoiceReject:
			r.Reject++
			r.WeightedAgainst += weight
		case ChoiceAbstain:
			r.Abstain++
		}
	}
	for _, id := range p.Voters {
		if _, voted := p.Votes[id]; voted {
			continue
		}
		weight := 1.0
		if c.weighted {
			weight = c.expertise.get(id, domain)
		}
		r.Absent++
		r.WeightedAgainst += weight
	}
	if total := r.WeightedFor + r.WeightedAgainst; total > 0 && r.Approve > 0 {
		r.level = round4(r.WeightedFor / total)
	}
	return r
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func formatRationale(prefix string, t tallyResult, threshold float64) string {
	return fmt.Sprintf("%s: %.2f approval against threshold %.2f (%d approve, %d reject, %d abstain, %d absent)",
		prefix, t.level, threshold, t.Approve, t.Reject, t.Abstain, t.Absent)
}
