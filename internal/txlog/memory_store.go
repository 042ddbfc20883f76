package txlog

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"ARS-Engine/internal/engine"
	xerrors "ARS-Engine/internal/errors"
)

// MemoryStore 以内存方式保存交易日志，主要用于测试与单机开发。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return ErrTxConflict
	}
	now := m.now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.records[record.ID] = cloneRecord(record)
	return nil
}

// Get 返回日志记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	return cloneRecord(record), nil
}

// Claim 将记录状态更新为 applying。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	switch record.Status {
	case StatusApplied, StatusRejected:
		return cloneRecord(record), ErrTxCompleted
	case StatusApplying:
		return cloneRecord(record), ErrTxConflict
	case StatusFailed:
		return cloneRecord(record), ErrTxExhausted
	}
	if record.Attempts >= record.MaxRetries {
		return cloneRecord(record), ErrTxExhausted
	}
	record.Status = StatusApplying
	record.Attempts++
	record.UpdatedAt = m.now().Unix()
	return cloneRecord(record), nil
}

// MarkApplied 记录成功回执。
func (m *MemoryStore) MarkApplied(_ context.Context, id string, receipt engine.Receipt) error {
	return m.finish(id, StatusApplied, receipt)
}

// MarkRejected 记录拒绝回执。
func (m *MemoryStore) MarkRejected(_ context.Context, id string, receipt engine.Receipt) error {
	return m.finish(id, StatusRejected, receipt)
}

func (m *MemoryStore) finish(id string, status Status, receipt engine.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrTxNotFound
	}
	record.Status = status
	record.Receipt = cloneReceipt(&receipt)
	record.ErrorCode = string(receipt.Code)
	record.LastError = receipt.Message
	if status == StatusApplied {
		record.Height = receipt.Height
	}
	record.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 标记基础设施失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrTxNotFound
	}
	record.Status = StatusPending
	if terminal {
		record.Status = StatusFailed
	}
	record.LastError = lastError
	record.ErrorCode = string(code)
	record.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合过滤条件的记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, cloneRecord(record))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Record{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的记录数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		stats.count(record.Status, record.UpdatedAt)
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Applied 按高度返回已应用记录。
func (m *MemoryStore) Applied(_ context.Context, after uint64, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Record
	for _, record := range m.records {
		if record.Status == StatusApplied && record.Height > after {
			results = append(results, cloneRecord(record))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Height < results[j].Height })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(record *Record, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, record.Status) {
		return false
	}
	if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, record.Tx.Kind) {
		return false
	}
	if opts.Sender != "" && record.Tx.Sender != opts.Sender {
		return false
	}
	if opts.ErrorCode != "" && record.ErrorCode != opts.ErrorCode {
		return false
	}
	if opts.UpdatedGTE > 0 && record.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && record.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		q := opts.Query
		if !strings.Contains(record.ID, q) && !strings.Contains(record.Tx.Sender, q) && !strings.Contains(record.LastError, q) {
			return false
		}
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
