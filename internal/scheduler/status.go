package scheduler

import "time"

// CheckStatus 单个源的运行簿记，只在内存里，进程重启清零
type CheckStatus struct {
	SourceID          string    `json:"sourceId"`
	LastCheck         time.Time `json:"lastCheck"`
	LastSuccess       time.Time `json:"lastSuccess"`
	SuccessCount      int       `json:"successCount"`
	ErrorCount        int       `json:"errorCount"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	LastError         string    `json:"lastError,omitempty"`
	LastNewItems      int       `json:"lastNewItems"`
}

// Status 返回全部源的簿记快照
func (s *Scheduler) Status() []CheckStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CheckStatus, 0, len(s.status))
	for _, src := range s.sources {
		if cs, ok := s.status[src.ID]; ok {
			out = append(out, *cs)
		}
	}
	return out
}

// Uptime 自 Start 起经过的时长
func (s *Scheduler) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}
