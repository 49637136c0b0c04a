package task

import "context"

// RecoveryHandler 是不可重试失败的最后一道补偿。
type RecoveryHandler interface {
	// Recover 依据失败原因给出降级结果。
	// 非 nil 的 ExecutionResult 会作为降级结果落盘；返回 nil 表示放弃补偿，任务照常走失败流程。
	Recover(ctx context.Context, task *Task, cause error) (*ExecutionResult, error)
}
