package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "OpenLake-Chain/internal/errors"
)

// Runner 包装一个 Tool，负责输入校验、状态注入、回调派发与错误策略。
// 调用方永远通过 Runner 触发工具，不直接调用 Tool.Run。
type Runner struct {
	tool       Tool
	def        Definition
	callbacks  fanoutCallbacks
	errHandler ErrorHandler
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithCallbacks 追加一个回调实现。
func WithCallbacks(cb Callbacks) RunnerOption {
	return func(r *Runner) {
		if cb != nil {
			r.callbacks = append(r.callbacks, cb)
		}
	}
}

// WithErrorHandler 指定 ExecError 的处理策略。
// 未设置时 ExecError 向上传播，由调用方决定如何处理。
func WithErrorHandler(handler ErrorHandler) RunnerOption {
	return func(r *Runner) {
		r.errHandler = handler
	}
}

// NewRunner 校验工具定义并构造 Runner。
func NewRunner(t Tool, opts ...RunnerOption) (*Runner, error) {
	if t == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tool 不能为空")
	}
	def := t.Definition()
	if err := def.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具定义不合法")
	}
	r := &Runner{tool: t, def: def}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Definition 返回工具的静态元数据。
func (r *Runner) Definition() Definition {
	return r.def
}

// Run 执行一次工具调用。state 为调用方积累的中间步骤，会以副本注入。
// ExecError 按错误策略转为观察文本返回；其他错误一律向上传播。
func (r *Runner) Run(ctx context.Context, input string, state []Step) (string, error) {
	inv, err := r.buildInvocation(input, state)
	if err != nil {
		return "", err
	}

	r.callbacks.OnToolStart(ctx, r.def, input)

	output, runErr := r.tool.Run(ctx, inv)
	if runErr != nil {
		if execErr, ok := AsExecError(runErr); ok && r.errHandler != nil {
			observation := r.errHandler(execErr)
			r.callbacks.OnToolEnd(ctx, r.def, observation)
			return observation, nil
		}
		r.callbacks.OnToolError(ctx, r.def, runErr)
		if _, ok := AsExecError(runErr); ok {
			return "", runErr
		}
		if _, ok := xerrors.From(runErr); ok {
			return "", runErr
		}
		return "", xerrors.Wrap(xerrors.CodeToolFailure, runErr, fmt.Sprintf("工具 %s 执行失败", r.def.Name))
	}

	r.callbacks.OnToolEnd(ctx, r.def, output)
	return output, nil
}

// buildInvocation 解析原始输入并校验必填参数。
func (r *Runner) buildInvocation(input string, state []Step) (Invocation, error) {
	inv := Invocation{
		Raw:      input,
		Tags:     append([]string(nil), r.def.Tags...),
		Metadata: cloneStringMap(r.def.Metadata),
	}
	if len(state) > 0 {
		inv.State = append([]Step(nil), state...)
	}

	if len(r.def.Args) == 0 {
		return inv, nil
	}

	args, err := parseArgs(input, r.def.Args)
	if err != nil {
		return Invocation{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err,
			fmt.Sprintf("工具 %s 输入不合法", r.def.Name))
	}
	inv.Args = args
	return inv, nil
}

// parseArgs 支持两种输入形式：JSON 对象按字段绑定；纯文本绑定到唯一的必填参数。
func parseArgs(input string, schema []Arg) (map[string]string, error) {
	trimmed := strings.TrimSpace(input)
	args := make(map[string]string, len(schema))

	if strings.HasPrefix(trimmed, "{") {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return nil, fmt.Errorf("解析 JSON 输入失败: %w", err)
		}
		for key, value := range decoded {
			args[key] = stringifyArg(value)
		}
	} else if trimmed != "" {
		target, err := soleRequiredArg(schema)
		if err != nil {
			return nil, err
		}
		args[target] = trimmed
	}

	for _, arg := range schema {
		if !arg.Required {
			continue
		}
		if strings.TrimSpace(args[arg.Name]) == "" {
			return nil, fmt.Errorf("缺少必填参数 %s", arg.Name)
		}
	}
	return args, nil
}

// soleRequiredArg 在纯文本输入时确定绑定目标。
func soleRequiredArg(schema []Arg) (string, error) {
	target := ""
	for _, arg := range schema {
		if !arg.Required {
			continue
		}
		if target != "" {
			return "", fmt.Errorf("存在多个必填参数，输入必须是 JSON 对象")
		}
		target = arg.Name
	}
	if target == "" {
		// 全部参数可选时绑定到第一个声明的参数。
		if len(schema) > 0 {
			return schema[0].Name, nil
		}
		return "", fmt.Errorf("工具未声明参数")
	}
	return target, nil
}

func stringifyArg(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	clone := make(map[string]string, len(src))
	for k, v := range src {
		clone[k] = v
	}
	return clone
}
