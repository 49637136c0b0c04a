package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	xerrors "OpenLake-Chain/internal/errors"
	"OpenLake-Chain/internal/knowledge"
	"OpenLake-Chain/internal/llm"
	"OpenLake-Chain/internal/storage/mysql"
	"OpenLake-Chain/internal/tool"
)

// QueryRequest 描述一个面向数仓的自然语言问题。
type QueryRequest struct {
	ID       string         `json:"id,omitempty"`
	Question string         `json:"question"`
	Tables   []string       `json:"tables,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepResult 记录推理循环中完成的一步工具调用。
type StepResult struct {
	Action      string `json:"action"`
	Input       string `json:"input"`
	Observation string `json:"observation"`
}

// QueryResult 汇总大模型与工具交互得到的最终结果。
type QueryResult struct {
	Question     string       `json:"question"`
	Tables       []string     `json:"tables,omitempty"`
	Thought      string       `json:"thought"`
	Reply        string       `json:"reply"`
	Steps        []StepResult `json:"steps,omitempty"`
	Observations string       `json:"observations"`
	CreatedAt    int64        `json:"created_at"`
}

// Agent 协调大模型与数仓工具，是系统的业务核心。
type Agent struct {
	llmClient   llm.Client
	tools       *tool.Registry
	runStorage  mysql.RunRepository
	memoryDepth int
	maxSteps    int
	knowledge   knowledge.Provider
	llmTimeout  time.Duration
}

// Option 在构造时微调 Agent 的行为。
type Option func(*Agent)

// defaultMemoryDepth 是大模型调用时可参考的历史问答数量的默认值。
const defaultMemoryDepth = 5

// defaultMaxSteps 是一次执行允许的最大工具调用次数。
const defaultMaxSteps = 6

// WithMemoryDepth 设置大模型调用时可参考的历史问答数量。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		a.memoryDepth = depth
	}
}

// WithMaxSteps 设置推理循环允许的最大步数。
func WithMaxSteps(steps int) Option {
	return func(a *Agent) {
		a.maxSteps = steps
	}
}

// WithKnowledgeProvider 挂接知识库，在推理开始前注入背景资料。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// New 组装一个 Agent，并把非法的可选项回退到默认值。
func New(llmClient llm.Client, tools *tool.Registry, repo mysql.RunRepository, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:   llmClient,
		tools:       tools,
		runStorage:  repo,
		memoryDepth: defaultMemoryDepth,
		maxSteps:    defaultMaxSteps,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.memoryDepth <= 0 {
		ag.memoryDepth = defaultMemoryDepth
	}
	if ag.maxSteps <= 0 {
		ag.maxSteps = defaultMaxSteps
	}
	return ag
}

// Execute 驱动推理循环直到大模型给出最终回复或步数耗尽。
// 每一轮把已完成的步骤反馈给大模型，由它决定继续调用工具还是作答。
func (a *Agent) Execute(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}

	historyEntries, historyObservation := a.loadHistory(ctx)
	knowledgeEntries, knowledgeObservation := a.collectKnowledge(req.Question, req.Tables)
	observations := appendObservation(historyObservation, knowledgeObservation)

	var (
		steps       []StepResult
		lastThought string
		reply       string
		final       bool
	)

	for len(steps) < a.maxSteps && !final {
		output, err := a.generate(ctx, req, historyEntries, knowledgeEntries, steps)
		if err != nil {
			return nil, err
		}
		lastThought = output.Thought

		if output.Final || output.Action == "" {
			reply = output.Reply
			if strings.TrimSpace(reply) == "" {
				reply = output.Thought
			}
			final = true
			break
		}

		runner, ok := a.tools.Lookup(output.Action)
		if !ok {
			observation := fmt.Sprintf("未知工具 %s，可用工具: %s", output.Action, a.toolNames())
			steps = append(steps, StepResult{
				Action:      output.Action,
				Input:       output.ActionInput,
				Observation: observation,
			})
			observations = appendObservation(observations, observation)
			continue
		}

		observation, err := runner.Run(ctx, output.ActionInput, toToolSteps(steps))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err,
				fmt.Sprintf("执行工具 %s 失败", output.Action))
		}

		steps = append(steps, StepResult{
			Action:      output.Action,
			Input:       output.ActionInput,
			Observation: observation,
		})
		observations = appendObservation(observations,
			fmt.Sprintf("%s 返回: %s", output.Action, observation))

		if runner.Definition().ReturnDirect {
			reply = observation
			final = true
		}
	}

	if !final {
		observations = appendObservation(observations,
			fmt.Sprintf("达到最大推理步数 %d，提前结束", a.maxSteps))
		reply = lastThought
		if strings.TrimSpace(reply) == "" {
			reply = "未能在限定步数内得出结论"
		}
	}

	now := time.Now().Unix()
	result := &QueryResult{
		Question:     req.Question,
		Tables:       req.Tables,
		Thought:      lastThought,
		Reply:        reply,
		Steps:        steps,
		Observations: observations,
		CreatedAt:    now,
	}

	if a.runStorage != nil {
		record := mysql.RunRecord{
			TaskID:       strings.TrimSpace(req.ID),
			Question:     result.Question,
			Tables:       result.Tables,
			Thought:      result.Thought,
			Reply:        result.Reply,
			Steps:        toRunSteps(result.Steps),
			Observations: result.Observations,
			CreatedAt:    now,
		}
		if err := a.runStorage.Save(ctx, record); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存执行记录失败")
		}
	}

	return result, nil
}

// ListHistory 获取最近的执行记录。
func (a *Agent) ListHistory(ctx context.Context, limit int) ([]QueryResult, error) {
	if a.runStorage == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置执行记录仓库")
	}

	records, err := a.runStorage.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}

	results := make([]QueryResult, 0, len(records))
	for _, record := range records {
		results = append(results, QueryResult{
			Question:     record.Question,
			Tables:       record.Tables,
			Thought:      record.Thought,
			Reply:        record.Reply,
			Steps:        fromRunSteps(record.Steps),
			Observations: record.Observations,
			CreatedAt:    record.CreatedAt,
		})
	}
	return results, nil
}

// generate 调用一次大模型，带上工具清单与已完成的步骤。
func (a *Agent) generate(ctx context.Context, req QueryRequest,
	history []llm.HistoryEntry, cards []llm.KnowledgeCard, steps []StepResult) (*llm.Response, error) {

	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	output, err := a.llmClient.Generate(llmCtx, llm.Request{
		Question:  req.Question,
		Tables:    req.Tables,
		Tools:     a.toolSpecs(),
		History:   history,
		Knowledge: cards,
		Steps:     toStepRecords(steps),
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "大模型推理失败")
	}
	return output, nil
}

func (a *Agent) toolSpecs() []llm.ToolSpec {
	if a.tools == nil {
		return nil
	}
	defs := a.tools.Definitions()
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Args:        def.ArgsSpec(),
		})
	}
	return specs
}

func (a *Agent) toolNames() string {
	if a.tools == nil {
		return "(无)"
	}
	defs := a.tools.Definitions()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(无)"
	}
	return strings.Join(names, ", ")
}

// appendObservation 把非空的观察逐行拼接起来。
func appendObservation(existing, next string) string {
	next = strings.TrimSpace(next)
	switch {
	case next == "":
		return existing
	case strings.TrimSpace(existing) == "":
		return next
	default:
		return existing + "\n" + next
	}
}

// loadHistory 取最近的问答记录作为推理上下文，失败时降级为一条观察。
func (a *Agent) loadHistory(ctx context.Context) ([]llm.HistoryEntry, string) {
	if a.runStorage == nil || a.memoryDepth <= 0 {
		return nil, ""
	}

	records, err := a.runStorage.ListLatest(ctx, a.memoryDepth)
	if err != nil {
		return nil, fmt.Sprintf("加载历史问答失败: %v", err)
	}

	entries := make([]llm.HistoryEntry, len(records))
	for i, record := range records {
		entries[i] = llm.HistoryEntry{
			Question:     record.Question,
			Reply:        record.Reply,
			Observations: record.Observations,
			CreatedAt:    record.CreatedAt,
		}
	}
	return entries, ""
}

// collectKnowledge 按问题与表名检索知识库，产出卡片和一条提示观察。
func (a *Agent) collectKnowledge(question string, tables []string) ([]llm.KnowledgeCard, string) {
	if a.knowledge == nil {
		return nil, ""
	}

	snippets := a.knowledge.Query(question, tables...)
	if len(snippets) == 0 {
		return nil, ""
	}

	var cards []llm.KnowledgeCard
	var titles []string
	for _, snippet := range snippets {
		if strings.TrimSpace(snippet.Title) == "" && strings.TrimSpace(snippet.Content) == "" {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
		if snippet.Title != "" {
			titles = append(titles, snippet.Title)
		}
	}

	var observation string
	if len(titles) > 0 {
		observation = "知识库提示: " + strings.Join(titles, "；")
	}
	return cards, observation
}

func toToolSteps(steps []StepResult) []tool.Step {
	converted := make([]tool.Step, 0, len(steps))
	for _, step := range steps {
		converted = append(converted, tool.Step{
			Action:      step.Action,
			Input:       step.Input,
			Observation: step.Observation,
		})
	}
	return converted
}

func toStepRecords(steps []StepResult) []llm.StepRecord {
	converted := make([]llm.StepRecord, 0, len(steps))
	for _, step := range steps {
		converted = append(converted, llm.StepRecord{
			Action:      step.Action,
			ActionInput: step.Input,
			Observation: step.Observation,
		})
	}
	return converted
}

func toRunSteps(steps []StepResult) []mysql.RunStep {
	converted := make([]mysql.RunStep, 0, len(steps))
	for _, step := range steps {
		converted = append(converted, mysql.RunStep{
			Action:      step.Action,
			Input:       step.Input,
			Observation: step.Observation,
		})
	}
	return converted
}

func fromRunSteps(steps []mysql.RunStep) []StepResult {
	converted := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		converted = append(converted, StepResult{
			Action:      step.Action,
			Input:       step.Input,
			Observation: step.Observation,
		})
	}
	return converted
}
