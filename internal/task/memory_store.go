package task

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenLake-Chain/internal/errors"
)

// MemoryStore 把任务状态放在进程内存里，服务单机部署与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 返回空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 登记新任务，ID 重复视为冲突。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少任务对象")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务的独立副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 尝试把任务置为运行中，不可抢占时返回对应的哨兵错误。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status == StatusSucceeded || task.Status == StatusRunning || task.Attempts >= task.MaxRetries {
		return cloneTask(task), claimRejection(task)
	}
	task.Status = StatusRunning
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkSucceeded 记录执行结果并结束任务。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ExecutionResult) error {
	return m.update(id, func(task *Task) {
		task.Status = StatusSucceeded
		task.Result = &result
		task.LastError = ""
		task.ErrorCode = ""
	})
}

// MarkFailed 记录失败原因。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	return m.update(id, func(task *Task) {
		task.Status = StatusFailed
		task.LastError = lastError
		task.ErrorCode = string(code)
	})
}

func (m *MemoryStore) update(id string, apply func(*Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	apply(task)
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// List 过滤、排序并分页返回任务副本。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	m.mu.RLock()
	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if matchFilters(task, opts) {
			results = append(results, cloneTask(task))
		}
	}
	m.mu.RUnlock()

	asc := opts.Order == SortByUpdatedAsc
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.UpdatedAt != b.UpdatedAt {
			if asc {
				return a.UpdatedAt < b.UpdatedAt
			}
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			if asc {
				return a.CreatedAt < b.CreatedAt
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID < b.ID
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 扫描内存表，聚合各状态计数与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats TaskStats
	for _, task := range m.tasks {
		if !matchFilters(task, opts) {
			continue
		}
		stats.Total++
		countStatus(&stats, task.Status)
		trackUpdated(&stats, task.UpdatedAt)
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

func countStatus(stats *TaskStats, status Status) {
	switch status {
	case StatusPending:
		stats.Pending++
	case StatusRunning:
		stats.Running++
	case StatusSucceeded:
		stats.Succeeded++
	case StatusFailed:
		stats.Failed++
	}
}

func trackUpdated(stats *TaskStats, updatedAt int64) {
	if updatedAt > stats.NewestUpdatedAt {
		stats.NewestUpdatedAt = updatedAt
	}
	if updatedAt != 0 && (stats.OldestUpdatedAt == 0 || updatedAt < stats.OldestUpdatedAt) {
		stats.OldestUpdatedAt = updatedAt
	}
}

// Close 满足 Store 接口，内存实现无资源可释放。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		result := *task.Result
		result.Steps = append([]ExecutionStep(nil), task.Result.Steps...)
		clone.Result = &result
	}
	clone.Metadata = cloneMetadata(task.Metadata)
	clone.Tables = cloneTables(task.Tables)
	return &clone
}

func matchFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, task.Status) {
		return false
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && hasResult(task) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !matchKeyword(task, opts.Query) {
		return false
	}
	return true
}

func hasResult(task *Task) bool {
	if task == nil || task.Result == nil {
		return false
	}
	r := task.Result
	return r.Thought != "" || r.Reply != "" || len(r.Steps) > 0 || r.Observations != ""
}

func matchKeyword(task *Task, query string) bool {
	needle := strings.ToLower(query)
	if strings.Contains(strings.ToLower(task.Question), needle) {
		return true
	}
	if task.Result != nil && strings.Contains(strings.ToLower(task.Result.Reply), needle) {
		return true
	}
	for _, table := range task.Tables {
		if strings.Contains(strings.ToLower(table), needle) {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
