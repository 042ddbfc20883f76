package txlog

// Stats 聚合了日志状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Applying        int   `json:"applying"`
	Applied         int   `json:"applied"`
	Rejected        int   `json:"rejected"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) count(status Status, updatedAt int64) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusApplying:
		s.Applying++
	case StatusApplied:
		s.Applied++
	case StatusRejected:
		s.Rejected++
	case StatusFailed:
		s.Failed++
	}
	if updatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updatedAt
	}
	if s.OldestUpdatedAt == 0 || (updatedAt != 0 && updatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = updatedAt
	}
}
