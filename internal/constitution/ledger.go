package constitution

import (
	"sort"
	"sync"
	"time"
)

const defaultLedgerCapacity = 1000

// Ruling 是账本中的一条裁决记录。
type Ruling struct {
	Requester string    `json:"requester"`
	Allowed   bool      `json:"allowed"`
	Violated  []string  `json:"violated,omitempty"`
	At        time.Time `json:"at"`
}

// ViolationCount 统计某条原则被触发的次数。
type ViolationCount struct {
	PrincipleID string `json:"principle_id"`
	Count       int    `json:"count"`
}

// HealthReport 汇总宪法执行情况。
type HealthReport struct {
	Total              int              `json:"total"`
	Blocked            int              `json:"blocked"`
	ConstitutionalRate float64          `json:"constitutional_rate"`
	CommonViolations   []ViolationCount `json:"common_violations"`
}

// Ledger 记录派发器取得的裁决，容量有限，超出后丢弃最旧的记录。
// 评估器本身保持无副作用，记录由调用方显式完成。
type Ledger struct {
	mu       sync.Mutex
	rulings  []Ruling
	capacity int
	now      func() time.Time
}

// NewLedger 创建账本；capacity <= 0 时使用默认容量。
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = defaultLedgerCapacity
	}
	return &Ledger{capacity: capacity, now: time.Now}
}

// Record 追加一条裁决。
func (l *Ledger) Record(requester string, verdict Verdict) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rulings = append(l.rulings, Ruling{
		Requester: requester,
		Allowed:   verdict.Allowed,
		Violated:  append([]string(nil), verdict.ViolatedPrinciples...),
		At:        l.now(),
	})
	if over := len(l.rulings) - l.capacity; over > 0 {
		l.rulings = append([]Ruling(nil), l.rulings[over:]...)
	}
}

// Recent 返回最近 limit 条裁决，最新的在前。
func (l *Ledger) Recent(limit int) []Ruling {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.rulings) {
		limit = len(l.rulings)
	}
	out := make([]Ruling, 0, limit)
	for i := len(l.rulings) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.rulings[i])
	}
	return out
}

// Health 生成健康报告，CommonViolations 按次数降序、ID 升序排列，最多 5 条。
func (l *Ledger) Health() HealthReport {
	report := HealthReport{ConstitutionalRate: 1}
	if l == nil {
		return report
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[string]int)
	for _, r := range l.rulings {
		report.Total++
		if !r.Allowed {
			report.Blocked++
		}
		for _, id := range r.Violated {
			counts[id]++
		}
	}
	if report.Total > 0 {
		report.ConstitutionalRate = float64(report.Total-report.Blocked) / float64(report.Total)
	}
	for id, count := range counts {
		report.CommonViolations = append(report.CommonViolations, ViolationCount{PrincipleID: id, Count: count})
	}
	sort.Slice(report.CommonViolations, func(i, j int) bool {
		a, b := report.CommonViolations[i], report.CommonViolations[j]
		if a.Count == b.Count {
			return a.PrincipleID < b.PrincipleID
		}
		return a.Count > b.Count
	})
	if len(report.CommonViolations) > 5 {
		report.CommonViolations = report.CommonViolations[:5]
	}
	return report
}
