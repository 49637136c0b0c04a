package llm

import "context"

// Request 描述发送给大模型的任务上下文。
type Request struct {
	Question  string
	Tables    []string
	Tools     []ToolSpec
	History   []HistoryEntry
	Knowledge []KnowledgeCard
	Steps     []StepRecord
}

// Response 是大模型推理得到的结构化输出。
// Final 为 true 时 Reply 即最终回复；否则 Action/ActionInput 描述下一步工具调用。
type Response struct {
	Thought     string
	Action      string
	ActionInput string
	Reply       string
	Final       bool
}

// ToolSpec 向大模型描述一个可用的工具。
type ToolSpec struct {
	Name        string
	Description string
	Args        string
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// StepRecord 描述推理循环中已完成的一步：工具调用及其观察结果。
type StepRecord struct {
	Action      string
	ActionInput string
	Observation string
}

// HistoryEntry 描述了一段历史问答，用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Question     string
	Reply        string
	Observations string
	CreatedAt    int64
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
