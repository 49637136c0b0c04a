package task

import (
	stdErrors "errors"
	"maps"
	"slices"

	xerrors "OpenLake-Chain/internal/errors"
)

// Status 是任务生命周期里的状态枚举。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionStep 记录任务执行过程中的一步工具调用。
type ExecutionStep struct {
	Action      string `json:"action"`
	Input       string `json:"input"`
	Observation string `json:"observation"`
}

// ExecutionResult 汇总一次执行产出的思考、回复与过程记录。
type ExecutionResult struct {
	Thought      string          `json:"thought"`
	Reply        string          `json:"reply"`
	Steps        []ExecutionStep `json:"steps,omitempty"`
	Observations string          `json:"observations"`
}

// Task 承载一条排队等待智能体处理的请求。
type Task struct {
	ID         string           `json:"id"`
	Question   string           `json:"question"`
	Tables     []string         `json:"tables,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// 哨兵错误在包变量阶段构造，先于 init 里的错误码注册，
// 因此这里把属性写全，不依赖注册表。
var (
	// ErrTaskNotFound 是查询不到任务时返回的哨兵。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found",
		xerrors.WithSeverity(xerrors.SeverityInfo), xerrors.WithAlert(false))
	// ErrTaskConflict 在任务当前状态不允许该操作时返回。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict",
		xerrors.WithSeverity(xerrors.SeverityWarning), xerrors.WithAlert(false))
	// ErrTaskCompleted 在对已成功任务重复操作时返回。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed",
		xerrors.WithSeverity(xerrors.SeverityInfo), xerrors.WithAlert(false))
	// ErrTaskExhausted 在重试配额用光后返回。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted",
		xerrors.WithSeverity(xerrors.SeverityCritical), xerrors.WithAlert(true))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate xerrors.Code = "TASK_COMPENSATION_FAILED"
)

func init() {
	for code, attrs := range map[xerrors.Code]xerrors.Attributes{
		CodeTaskNotFound:   {Message: "task not found", Severity: xerrors.SeverityInfo},
		CodeTaskConflict:   {Message: "task conflict", Severity: xerrors.SeverityWarning},
		CodeTaskCompleted:  {Message: "task already completed", Severity: xerrors.SeverityInfo},
		CodeTaskExhausted:  {Message: "task retries exhausted", Severity: xerrors.SeverityCritical, Alert: true},
		CodeTaskValidation: {Message: "task validation failed", Severity: xerrors.SeverityInfo},
		CodeTaskPublish:    {Message: "failed to publish task", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true},
		CodeTaskProcessing: {Message: "task execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
		CodeTaskCompensate: {Message: "task compensation failed", Severity: xerrors.SeverityCritical, Alert: true},
	} {
		xerrors.Register(code, attrs)
	}
}

var sentinelByCode = map[xerrors.Code]error{
	CodeTaskNotFound:  ErrTaskNotFound,
	CodeTaskConflict:  ErrTaskConflict,
	CodeTaskCompleted: ErrTaskCompleted,
	CodeTaskExhausted: ErrTaskExhausted,
}

// IsTaskError 报告 err 是否携带 target 对应的任务哨兵错误。
func IsTaskError(err error, target xerrors.Code) bool {
	sentinel, ok := sentinelByCode[target]
	if !ok || err == nil {
		return false
	}
	return stdErrors.Is(err, sentinel)
}

func cloneMetadata(metadata map[string]any) map[string]any {
	return maps.Clone(metadata)
}

func cloneTables(tables []string) []string {
	return slices.Clone(tables)
}

// IsValidStatus 报告 status 是否属于受支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}
