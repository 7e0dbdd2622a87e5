package metrics

import (
	"strconv"
	"time"
)

// 派发结果标签。
const (
	OutcomeEnqueued        = "enqueued"
	OutcomeBlocked         = "blocked"
	OutcomeCouncilRejected = "council_rejected"
	OutcomeCouncilTimeout  = "council_timeout"
	OutcomeNoAgent         = "no_agent"
	OutcomeCancelled       = "cancelled"
	OutcomeError           = "error"
)

const (
	dispatchTotal       = "agora_dispatch_total"
	verdictTotal        = "agora_constitution_evaluations_total"
	decisionTotal       = "agora_council_decisions_total"
	decisionSeconds     = "agora_council_decision_seconds"
	tasksFinishedTotal  = "agora_tasks_finished_total"
	taskDurationSeconds = "agora_task_duration_seconds"
	queueTasks          = "agora_queue_tasks"
)

// 议会从提案到决议通常是秒到分钟级。
var decisionBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600}

var taskBuckets = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900}

var governanceFamilies = []family{
	{name: dispatchTotal, help: "Dispatch requests by outcome.", kind: kindCounter, labels: []string{"outcome"}},
	{name: verdictTotal, help: "Constitutional evaluations by verdict.", kind: kindCounter, labels: []string{"allowed"}},
	{name: decisionTotal, help: "Council decisions by result.", kind: kindCounter, labels: []string{"decision"}},
	{name: decisionSeconds, help: "Time from proposal to council decision in seconds.", kind: kindHistogram, labels: []string{"decision"}, buckets: decisionBuckets},
	{name: tasksFinishedTotal, help: "Tasks that reached a terminal status.", kind: kindCounter, labels: []string{"status"}},
	{name: taskDurationSeconds, help: "Execution time of finished tasks per agent in seconds.", kind: kindHistogram, labels: []string{"agent", "status"}, buckets: taskBuckets},
	{name: queueTasks, help: "Tasks currently held by the execution queue.", kind: kindGauge, labels: []string{"status"}},
}

// ObserveDispatch 记录一次派发请求的结果。
func ObserveDispatch(outcome string) {
	std.add(dispatchTotal, 1, outcome)
}

// ObserveVerdict 记录一次宪法评估。
func ObserveVerdict(allowed bool) {
	std.add(verdictTotal, 1, strconv.FormatBool(allowed))
}

// ObserveDecision 记录一次议会决议及其耗时。
func ObserveDecision(decision string, elapsed time.Duration) {
	std.add(decisionTotal, 1, decision)
	if elapsed > 0 {
		std.observe(decisionSeconds, elapsed.Seconds(), decision)
	}
}

// ObserveTaskFinished 记录任务进入终态。没有执行过的任务（例如被拦截）只计数。
func ObserveTaskFinished(agentID, status string, elapsed time.Duration) {
	std.add(tasksFinishedTotal, 1, status)
	if agentID != "" && elapsed > 0 {
		std.observe(taskDurationSeconds, elapsed.Seconds(), agentID, status)
	}
}

// TrackQueueDepth 注册队列深度来源，每次抓取时按状态读取。
func TrackQueueDepth(fn func() map[string]int) {
	std.sample(queueTasks, func() map[string]float64 {
		depth := fn()
		out := make(map[string]float64, len(depth))
		for status, n := range depth {
			out[status] = float64(n)
		}
		return out
	})
}

// DispatchCount 返回某个派发结果的累计次数。
func DispatchCount(outcome string) uint64 {
	return uint64(std.value(dispatchTotal, outcome))
}
