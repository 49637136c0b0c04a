package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"OpenLake-Chain/internal/llm"
	"OpenLake-Chain/internal/storage/mysql"
	"OpenLake-Chain/internal/tool"
)

type scriptedLLM struct {
	responses []*llm.Response
	requests  []llm.Request
	err       error
	wait      time.Duration
}

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

type echoTool struct {
	name         string
	returnDirect bool
	lastState    []tool.Step
}

func (e *echoTool) Definition() tool.Definition {
	return tool.Definition{
		Name:         e.name,
		Description:  "回显输入",
		ReturnDirect: e.returnDirect,
	}
}

func (e *echoTool) Run(_ context.Context, inv tool.Invocation) (string, error) {
	e.lastState = inv.State
	return "echo:" + inv.Raw, nil
}

func newRegistry(t *testing.T, tools ...tool.Tool) *tool.Registry {
	t.Helper()
	registry := tool.NewRegistry()
	for _, item := range tools {
		runner, err := tool.NewRunner(item, tool.WithErrorHandler(tool.DefaultErrorText))
		if err != nil {
			t.Fatalf("runner: %v", err)
		}
		if err := registry.Register(runner); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return registry
}

func TestAgentExecuteDirectAnswer(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{Thought: "无需查询", Reply: "答案", Final: true},
	}}
	ag := New(client, newRegistry(t), nil)

	result, err := ag.Execute(context.Background(), QueryRequest{Question: "问题"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reply != "答案" || result.Thought != "无需查询" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Steps) != 0 {
		t.Fatalf("expected no steps, got %+v", result.Steps)
	}
}

func TestAgentExecuteToolLoop(t *testing.T) {
	echo := &echoTool{name: "echo"}
	client := &scriptedLLM{responses: []*llm.Response{
		{Thought: "先调用工具", Action: "echo", ActionInput: "ping"},
		{Thought: "已拿到结果", Reply: "pong", Final: true},
	}}
	repo, err := mysql.NewMemoryRunRepository(t.TempDir())
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	ag := New(client, newRegistry(t, echo), repo)

	result, err := ag.Execute(context.Background(), QueryRequest{Question: "问题", Tables: []string{"orders"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reply != "pong" {
		t.Fatalf("unexpected reply: %q", result.Reply)
	}
	if len(result.Steps) != 1 || result.Steps[0].Observation != "echo:ping" {
		t.Fatalf("unexpected steps: %+v", result.Steps)
	}
	if !strings.Contains(result.Observations, "echo 返回: echo:ping") {
		t.Fatalf("observation journal missing tool output: %q", result.Observations)
	}

	// 第二轮请求必须携带第一步的执行结果。
	if len(client.requests) != 2 {
		t.Fatalf("expected 2 llm calls, got %d", len(client.requests))
	}
	secondReq := client.requests[1]
	if len(secondReq.Steps) != 1 || secondReq.Steps[0].Observation != "echo:ping" {
		t.Fatalf("steps not fed back to model: %+v", secondReq.Steps)
	}
	if len(secondReq.Tools) != 1 || secondReq.Tools[0].Name != "echo" {
		t.Fatalf("tool specs missing: %+v", secondReq.Tools)
	}

	// 执行记录落库。
	records, err := repo.ListLatest(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].Reply != "pong" || len(records[0].Steps) != 1 {
		t.Fatalf("run not persisted: %+v", records)
	}
}

func TestAgentReturnDirectEndsLoop(t *testing.T) {
	echo := &echoTool{name: "echo", returnDirect: true}
	client := &scriptedLLM{responses: []*llm.Response{
		{Thought: "调用工具", Action: "echo", ActionInput: "ping"},
		{Thought: "不应到达", Reply: "多余", Final: true},
	}}
	ag := New(client, newRegistry(t, echo), nil)

	result, err := ag.Execute(context.Background(), QueryRequest{Question: "问题"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reply != "echo:ping" {
		t.Fatalf("return_direct output should be the reply: %q", result.Reply)
	}
	if len(client.requests) != 1 {
		t.Fatalf("loop should end after the tool call, got %d llm calls", len(client.requests))
	}
}

func TestAgentUnknownToolBecomesObservation(t *testing.T) {
	echo := &echoTool{name: "echo"}
	client := &scriptedLLM{responses: []*llm.Response{
		{Thought: "试试不存在的工具", Action: "ghost", ActionInput: "x"},
		{Thought: "改用回复", Reply: "好的", Final: true},
	}}
	ag := New(client, newRegistry(t, echo), nil)

	result, err := ag.Execute(context.Background(), QueryRequest{Question: "问题"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reply != "好的" {
		t.Fatalf("unexpected reply: %q", result.Reply)
	}
	if len(result.Steps) != 1 || !strings.Contains(result.Steps[0].Observation, "未知工具 ghost") {
		t.Fatalf("unknown tool not surfaced: %+v", result.Steps)
	}
	if !strings.Contains(result.Steps[0].Observation, "echo") {
		t.Fatalf("available tools not listed: %+v", result.Steps)
	}
}

func TestAgentMaxStepsExhausted(t *testing.T) {
	echo := &echoTool{name: "echo"}
	client := &scriptedLLM{responses: []*llm.Response{
		{Thought: "继续调用", Action: "echo", ActionInput: "ping"},
	}}
	ag := New(client, newRegistry(t, echo), nil, WithMaxSteps(2))

	result, err := ag.Execute(context.Background(), QueryRequest{Question: "问题"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(result.Steps))
	}
	if !strings.Contains(result.Observations, "达到最大推理步数") {
		t.Fatalf("budget exhaustion not recorded: %q", result.Observations)
	}
}

func TestAgentStatePassedToTool(t *testing.T) {
	echo := &echoTool{name: "echo"}
	client := &scriptedLLM{responses: []*llm.Response{
		{Action: "echo", ActionInput: "one"},
		{Action: "echo", ActionInput: "two"},
		{Reply: "done", Final: true},
	}}
	ag := New(client, newRegistry(t, echo), nil)

	if _, err := ag.Execute(context.Background(), QueryRequest{Question: "问题"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(echo.lastState) != 1 || echo.lastState[0].Observation != "echo:one" {
		t.Fatalf("second call should see the first step: %+v", echo.lastState)
	}
}

func TestAgentExecuteTimeout(t *testing.T) {
	client := &scriptedLLM{wait: 50 * time.Millisecond,
		responses: []*llm.Response{{Reply: "late", Final: true}}}
	ag := New(client, newRegistry(t), nil, WithLLMTimeout(10*time.Millisecond))

	_, err := ag.Execute(context.Background(), QueryRequest{Question: "问题"})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestAgentExecuteValidation(t *testing.T) {
	ag := New(&scriptedLLM{responses: []*llm.Response{{Reply: "x", Final: true}}}, newRegistry(t), nil)
	if _, err := ag.Execute(context.Background(), QueryRequest{}); err == nil {
		t.Fatalf("empty question should be rejected")
	}

	agNoLLM := New(nil, newRegistry(t), nil)
	if _, err := agNoLLM.Execute(context.Background(), QueryRequest{Question: "q"}); err == nil {
		t.Fatalf("missing llm client should be rejected")
	}
}

type capturingRepo struct {
	saved []mysql.RunRecord
}

func (c *capturingRepo) Save(_ context.Context, record mysql.RunRecord) error {
	c.saved = append(c.saved, record)
	return nil
}

func (c *capturingRepo) ListLatest(context.Context, int) ([]mysql.RunRecord, error) {
	return nil, nil
}

// 异步执行时带上任务 ID，落库记录要能回指到对应任务。
func TestAgentExecutePersistsTaskID(t *testing.T) {
	repo := &capturingRepo{}
	client := &scriptedLLM{responses: []*llm.Response{
		{Thought: "直接作答", Reply: "答案", Final: true},
	}}
	ag := New(client, newRegistry(t), repo)

	if _, err := ag.Execute(context.Background(), QueryRequest{ID: " task-7 ", Question: "问题"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected one saved record, got %d", len(repo.saved))
	}
	if repo.saved[0].TaskID != "task-7" {
		t.Fatalf("task id not persisted: %+v", repo.saved[0])
	}
}
