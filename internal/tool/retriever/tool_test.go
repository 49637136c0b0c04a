package retriever

import (
	"context"
	"strings"
	"testing"

	"OpenLake-Chain/internal/knowledge"
	"OpenLake-Chain/internal/llm"
	"OpenLake-Chain/internal/tool"
)

type stubProvider struct {
	snippets []knowledge.Snippet
}

func (p *stubProvider) Query(string, ...string) []knowledge.Snippet {
	return p.snippets
}

type stubLLM struct {
	lastReq llm.Request
	resp    *llm.Response
	err     error
}

func (s *stubLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestQAToolAnswersFromKnowledge(t *testing.T) {
	provider := &stubProvider{snippets: []knowledge.Snippet{
		{Title: "报表口径", Content: "GMV 按下单时间统计"},
	}}
	client := &stubLLM{resp: &llm.Response{Reply: "GMV 按下单时间统计。", Final: true}}

	out, err := NewQATool(provider, client).Run(context.Background(),
		tool.Invocation{Raw: "GMV 怎么统计"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "GMV 按下单时间统计。" {
		t.Fatalf("unexpected answer: %q", out)
	}
	if len(client.lastReq.Knowledge) != 1 || client.lastReq.Knowledge[0].Title != "报表口径" {
		t.Fatalf("knowledge not forwarded: %+v", client.lastReq.Knowledge)
	}
	if strings.Contains(out, "Sources:") {
		t.Fatalf("plain QA tool must not append sources")
	}
}

func TestQAWithSourcesAppendsTrailer(t *testing.T) {
	provider := &stubProvider{snippets: []knowledge.Snippet{
		{Title: "报表口径", Content: "GMV 按下单时间统计"},
		{Title: "数据延迟", Content: "数仓 T+1 更新"},
	}}
	client := &stubLLM{resp: &llm.Response{Reply: "按下单时间统计，T+1 可见。", Final: true}}

	out, err := NewQAWithSourcesTool(provider, client).Run(context.Background(),
		tool.Invocation{Args: map[string]string{"question": "GMV 什么时候能看到"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasSuffix(out, "Sources: 报表口径, 数据延迟") {
		t.Fatalf("missing sources trailer: %q", out)
	}
}

func TestQAToolEmptyKnowledgeBecomesExecError(t *testing.T) {
	client := &stubLLM{resp: &llm.Response{Reply: "ignored"}}
	_, err := NewQATool(&stubProvider{}, client).Run(context.Background(),
		tool.Invocation{Raw: "不存在的主题"})
	execErr, ok := tool.AsExecError(err)
	if !ok {
		t.Fatalf("expected ExecError, got %v", err)
	}
	if !strings.Contains(execErr.Message, "不存在的主题") {
		t.Fatalf("message should echo the question: %q", execErr.Message)
	}
	if client.lastReq.Question != "" {
		t.Fatalf("model must not be called without knowledge")
	}
}

func TestQAToolEmptyQuestion(t *testing.T) {
	client := &stubLLM{}
	_, err := NewQATool(&stubProvider{}, client).Run(context.Background(), tool.Invocation{Raw: "  "})
	if _, ok := tool.AsExecError(err); !ok {
		t.Fatalf("expected ExecError, got %v", err)
	}
}
