// Package mock 提供一个离线的大模型客户端，便于在没有 API Key 的环境里联调。
package mock

import (
	"context"
	"fmt"
	"strings"

	"OpenLake-Chain/internal/llm"
)

// Client 不做真正的推理，直接给出确定性的最终回复。
type Client struct{}

// NewClient 创建 mock 客户端。
func NewClient() *Client {
	return &Client{}
}

// Generate 实现 llm.Client 接口。
func (c *Client) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	var sb strings.Builder
	sb.WriteString("[mock] 收到问题: ")
	sb.WriteString(strings.TrimSpace(req.Question))
	if len(req.Tables) > 0 {
		fmt.Fprintf(&sb, "（涉及表: %s）", strings.Join(req.Tables, ", "))
	}
	if len(req.Steps) > 0 {
		fmt.Fprintf(&sb, "，已执行 %d 个步骤", len(req.Steps))
	}
	return &llm.Response{
		Thought: "mock 客户端不访问真实模型，直接返回固定回复。",
		Reply:   sb.String(),
		Final:   true,
	}, nil
}
