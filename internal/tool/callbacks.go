package tool

import (
	"context"
	"log/slog"

	"OpenLake-Chain/internal/observability/metrics"
	"OpenLake-Chain/pkg/logger"
)

// Callbacks 在工具调用生命周期的各阶段收到通知。
// 实现必须容忍并发调用，且不应阻塞工具执行。
type Callbacks interface {
	OnToolStart(ctx context.Context, def Definition, input string)
	OnToolEnd(ctx context.Context, def Definition, output string)
	OnToolError(ctx context.Context, def Definition, err error)
}

// fanoutCallbacks 将事件广播给多个回调实现。
type fanoutCallbacks []Callbacks

func (f fanoutCallbacks) OnToolStart(ctx context.Context, def Definition, input string) {
	for _, cb := range f {
		if cb != nil {
			cb.OnToolStart(ctx, def, input)
		}
	}
}

func (f fanoutCallbacks) OnToolEnd(ctx context.Context, def Definition, output string) {
	for _, cb := range f {
		if cb != nil {
			cb.OnToolEnd(ctx, def, output)
		}
	}
}

func (f fanoutCallbacks) OnToolError(ctx context.Context, def Definition, err error) {
	for _, cb := range f {
		if cb != nil {
			cb.OnToolError(ctx, def, err)
		}
	}
}

// LogCallbacks 将工具调用写入结构化日志。
type LogCallbacks struct {
	logger *slog.Logger
}

// NewLogCallbacks 创建日志回调。logger 为 nil 时使用全局日志器。
func NewLogCallbacks(log *slog.Logger) *LogCallbacks {
	if log == nil {
		log = logger.Named("tool")
	}
	return &LogCallbacks{logger: log}
}

// OnToolStart 实现 Callbacks。
func (l *LogCallbacks) OnToolStart(_ context.Context, def Definition, input string) {
	l.logger.Debug("工具开始执行",
		slog.String("tool", def.Name),
		slog.String("input", clip(input)),
	)
}

// OnToolEnd 实现 Callbacks。
func (l *LogCallbacks) OnToolEnd(_ context.Context, def Definition, output string) {
	l.logger.Debug("工具执行完成",
		slog.String("tool", def.Name),
		slog.String("output", clip(output)),
	)
}

// OnToolError 实现 Callbacks。
func (l *LogCallbacks) OnToolError(_ context.Context, def Definition, err error) {
	l.logger.Warn("工具执行失败",
		slog.String("tool", def.Name),
		slog.Any("error", err),
	)
}

// MetricsCallbacks 按工具维度统计调用次数与结果。
type MetricsCallbacks struct{}

// OnToolStart 实现 Callbacks。
func (MetricsCallbacks) OnToolStart(context.Context, Definition, string) {}

// OnToolEnd 实现 Callbacks。
func (MetricsCallbacks) OnToolEnd(_ context.Context, def Definition, _ string) {
	metrics.ObserveToolRun(def.Name, true)
}

// OnToolError 实现 Callbacks。
func (MetricsCallbacks) OnToolError(_ context.Context, def Definition, _ error) {
	metrics.ObserveToolRun(def.Name, false)
}

func clip(text string) string {
	const max = 256
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
