package task

import (
	"slices"
	"strings"
	"time"
)

// SortOrder 决定 List 结果按更新时间的排列方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的任务排在前面，是默认顺序。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 最久未动的任务排在前面。
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 汇总查询任务时的过滤、分页和排序条件。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

func (opts *ListOptions) applyDefaults() {
	opts.Limit = clamp(opts.Limit, defaultListLimit, maxListLimit)
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = validStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Query = strings.TrimSpace(opts.Query)
}

func clamp(v, fallback, upper int) int {
	if v <= 0 {
		return fallback
	}
	if v > upper {
		return upper
	}
	return v
}

// ListOption 是 ListOptions 的函数式配置。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 offset 条匹配结果。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 按任务状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = slices.Clone(statuses)
	}
}

// WithUpdatedSince 只保留在该时刻之后（含）更新过的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedGTE = unixOrZero(ts)
	}
}

// WithUpdatedUntil 只保留在该时刻之前（含）更新过的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedLTE = unixOrZero(ts)
	}
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// WithResultPresence 按是否已有执行结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) {
		v := hasResult
		opts.HasResult = &v
	}
}

// WithSortOrder 改变排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 在问题、回复和表名等字段上做模糊匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// validStatuses 去掉非法与重复的状态值，保持原有顺序。
func validStatuses(input []Status) []Status {
	var result []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(result, status) {
			result = append(result, status)
		}
	}
	return result
}
