// Package retriever 提供基于知识库检索的问答工具。
// 工具先检索与问题相关的知识切片，再让大模型仅依据这些切片作答。
package retriever

import (
	"context"
	"strings"

	"OpenLake-Chain/internal/knowledge"
	"OpenLake-Chain/internal/llm"
	"OpenLake-Chain/internal/tool"
)

const (
	// QAName 在知识库上直接问答。
	QAName = "retriever_qa"
	// QAWithSourcesName 问答并附带引用来源。
	QAWithSourcesName = "retriever_qa_sources"
)

// QATool 在知识库上回答问题。
type QATool struct {
	provider    knowledge.Provider
	client      llm.Client
	withSources bool
}

// NewQATool 创建问答工具。
func NewQATool(provider knowledge.Provider, client llm.Client) *QATool {
	return &QATool{provider: provider, client: client}
}

// NewQAWithSourcesTool 创建附带来源的问答工具。
func NewQAWithSourcesTool(provider knowledge.Provider, client llm.Client) *QATool {
	return &QATool{provider: provider, client: client, withSources: true}
}

// Definition 实现 tool.Tool。
func (t *QATool) Definition() tool.Definition {
	name := QAName
	description := "在内部知识库上回答问题。输入为自然语言问题，输出为依据知识库内容的回答。"
	if t.withSources {
		name = QAWithSourcesName
		description = "在内部知识库上回答问题并列出引用来源。输入为自然语言问题，输出末尾附带 Sources: 列表。"
	}
	return tool.Definition{
		Name:        name,
		Description: description,
		Args: []tool.Arg{
			{Name: "question", Type: "string", Required: true, Description: "自然语言问题"},
		},
		Tags: []string{"retriever"},
	}
}

// Run 实现 tool.Tool。知识库无命中转为 ExecError，提示大模型换一种问法。
func (t *QATool) Run(ctx context.Context, inv tool.Invocation) (string, error) {
	question := inv.Args["question"]
	if question == "" {
		question = inv.Raw
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", tool.Execf("问题不能为空")
	}

	snippets := t.provider.Query(question)
	if len(snippets) == 0 {
		return "", tool.Execf("知识库中没有与 %q 相关的内容，请换一种问法", question)
	}

	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, snippet := range snippets {
		cards = append(cards, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
	}

	resp, err := t.client.Generate(ctx, llm.Request{
		Question:  question,
		Knowledge: cards,
	})
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(resp.Reply)
	if answer == "" {
		answer = strings.TrimSpace(resp.Thought)
	}
	if answer == "" {
		return "", tool.Execf("模型没有给出可用的回答")
	}

	if t.withSources {
		titles := make([]string, 0, len(snippets))
		for _, snippet := range snippets {
			titles = append(titles, snippet.Title)
		}
		answer += "\nSources: " + strings.Join(titles, ", ")
	}
	return answer, nil
}
