package tool

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
)

// Arg 描述工具的一个输入参数。
type Arg struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Definition 是工具的静态元数据，提供给大模型用于决策何时调用。
type Definition struct {
	// Name 在注册表内唯一，向大模型标识工具用途。
	Name string
	// Description 告诉大模型何时、为何使用该工具，可以包含少量示例。
	Description string
	// Args 声明工具接受的参数。为空表示接受任意原始输入。
	Args []Arg
	// ReturnDirect 为 true 时工具输出直接作为最终回复，推理循环立即结束。
	ReturnDirect bool
	// Tags 与 Metadata 会附加到每次调用的回调事件中。
	Tags     []string
	Metadata map[string]string
}

// ArgsSpec 将参数声明渲染为提示词中可读的一行描述。
func (d Definition) ArgsSpec() string {
	if len(d.Args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(d.Args))
	for _, arg := range d.Args {
		part := arg.Name
		if arg.Type != "" {
			part += " " + arg.Type
		}
		if arg.Required {
			part += " (required)"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}

// Validate 检查定义是否完整。
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return stdErrors.New("工具名称不能为空")
	}
	if strings.TrimSpace(d.Description) == "" {
		return fmt.Errorf("工具 %s 缺少描述", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Args))
	for _, arg := range d.Args {
		name := strings.TrimSpace(arg.Name)
		if name == "" {
			return fmt.Errorf("工具 %s 存在未命名参数", d.Name)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("工具 %s 参数 %s 重复声明", d.Name, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Step 描述推理循环中的一步：动作、输入与观察结果。
// Runner 在每次调用前把已完成的步骤拷贝进 Invocation，供有状态的工具参考。
type Step struct {
	Action      string `json:"action"`
	Input       string `json:"input"`
	Observation string `json:"observation"`
}

// Invocation 携带一次工具调用的全部上下文。
type Invocation struct {
	// Raw 是未经解析的原始输入。
	Raw string
	// Args 是按 Definition.Args 解析后的参数表。
	Args map[string]string
	// State 是调用方积累的中间步骤，工具只读。
	State []Step
	// Tags 与 Metadata 是调用级别的附加信息。
	Tags     []string
	Metadata map[string]string
}

// Tool 是所有工具实现的统一接口。
type Tool interface {
	Definition() Definition
	Run(ctx context.Context, inv Invocation) (string, error)
}

// ExecError 表示工具声明的业务性失败，区别于基础设施错误。
// Runner 依据错误策略决定吞掉并转为观察结果，还是向上传播。
type ExecError struct {
	Message string
	Cause   error
}

// Execf 构造一个格式化的 ExecError。
func Execf(format string, args ...any) *ExecError {
	return &ExecError{Message: fmt.Sprintf(format, args...)}
}

// Error 实现 error 接口。
func (e *ExecError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 实现 errors.Unwrap。
func (e *ExecError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// AsExecError 判断任意 error 是否为工具声明的失败。
func AsExecError(err error) (*ExecError, bool) {
	if err == nil {
		return nil, false
	}
	var target *ExecError
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// ErrorHandler 将 ExecError 转换为反馈给大模型的观察文本。
type ErrorHandler func(*ExecError) string

// DefaultErrorText 返回错误自带的消息，消息为空时退化为通用提示。
func DefaultErrorText(err *ExecError) string {
	if err == nil || strings.TrimSpace(err.Message) == "" {
		return "工具执行失败"
	}
	return err.Message
}

// StaticErrorText 总是返回固定文本。
func StaticErrorText(text string) ErrorHandler {
	return func(*ExecError) string {
		return text
	}
}
