package task

// Stats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	// AvgExecutionMillis 是已结束任务（completed/failed）的平均执行耗时。
	AvgExecutionMillis int64 `json:"avg_execution_ms"`
}

func (s *Stats) count(status Status) {
	s.Total++
	switch status {
	case StatusQueued:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusBlocked:
		s.Blocked++
	}
}

// ByStatus 按状态名返回任务数。
func (s Stats) ByStatus() map[string]int {
	return map[string]int{
		string(StatusQueued):    s.Pending,
		string(StatusRunning):   s.Running,
		string(StatusCompleted): s.Completed,
		string(StatusFailed):    s.Failed,
		string(StatusBlocked):   s.Blocked,
	}
}
