package council

import (
	"sort"
	"strings"
	"unicode"
)

const (
	precedentMinScore = 0.2
	precedentLimit    = 5
)

var precedentStopWords = map[string]struct{}{
	"this": {}, "that": {}, "with": {}, "from": {},
	"have": {}, "will": {}, "should": {}, "could": {},
}

// Precedent 是与新提案相似的历史决议。
type Precedent struct {
	DecisionID  string  `json:"decision_id"`
	ProposalID  string  `json:"proposal_id"`
	Description string  `json:"description"`
	Decision    Status  `json:"decision"`
	Score       float64 `json:"score"`
}

// Precedents 按关键词重合度查找相似的历史决议，最多返回 5 条。
func (c *Council) Precedents(description string) []Precedent {
	query := keywords(description)
	if len(query) == 0 {
		return nil
	}
	var out []Precedent
	for _, d := range c.GetDecisions(0) {
		past := keywords(d.Description)
		if len(past) == 0 {
			continue
		}
		shared := 0
		for w := range query {
			if _, ok := past[w]; ok {
				shared++
			}
		}
		denom := len(past)
		if len(query) > denom {
			denom = len(query)
		}
		score := float64(shared) / float64(denom)
		if score <= precedentMinScore {
			continue
		}
		out = append(out, Precedent{
			DecisionID:  d.ID,
			ProposalID:  d.ProposalID,
			Description: d.Description,
			Decision:    d.Decision,
			Score:       round4(score),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > precedentLimit {
		out = out[:precedentLimit]
	}
	return out
}

func keywords(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make(map[string]struct{}, len(fields))
	for _, w := range fields {
		if len(w) <= 3 {
			continue
		}
		if _, stop := precedentStopWords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}
