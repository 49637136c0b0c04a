package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"OpenLake-Chain/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 是访问 OpenAI Chat Completions API 需要的连接参数。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 封装对 OpenAI 模型的 HTTP 访问。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 校验配置并补全缺省值后返回客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("缺少 OpenAI API Key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(orDefault(cfg.BaseURL, defaultBaseURL), "/"),
		model:      orDefault(cfg.Model, defaultModelName),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

// Generate 调用 OpenAI 生成结构化的推理输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	decoded, err := c.postChat(ctx, payload)
	if err != nil {
		return nil, err
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应缺少 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应正文为空")
	}
	return parseStructured(content), nil
}

func (c *Client) postChat(ctx context.Context, payload []byte) (*chatCompletion, error) {
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("创建 OpenAI HTTP 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("调用 OpenAI 接口失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 接口返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	decoded := new(chatCompletion)
	if err := json.NewDecoder(resp.Body).Decode(decoded); err != nil {
		return nil, fmt.Errorf("解码 OpenAI 响应失败: %w", err)
	}
	return decoded, nil
}

// chatCompletion 只取响应里用得到的字段。
type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// parseStructured 解析模型输出的 JSON 结构。无法解析时退化为最终回复。
func parseStructured(content string) *llm.Response {
	var structured struct {
		Thought     string `json:"thought"`
		Action      string `json:"action"`
		ActionInput string `json:"action_input"`
		Reply       string `json:"reply"`
		Final       bool   `json:"final"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return &llm.Response{Reply: content, Final: true}
	}
	resp := &llm.Response{
		Thought:     structured.Thought,
		Action:      strings.TrimSpace(structured.Action),
		ActionInput: structured.ActionInput,
		Reply:       structured.Reply,
		Final:       structured.Final,
	}
	if resp.Action == "" && !resp.Final {
		// 模型未声明下一步动作时按最终回复处理。
		resp.Final = true
		if strings.TrimSpace(resp.Reply) == "" {
			resp.Reply = content
		}
	}
	return resp
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: renderUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.1,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("编码 OpenAI 请求体失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are OpenLake's SQL warehouse reasoning engine. " +
	"Decide at each step whether to call a tool or to answer. " +
	"Always respond with a compact JSON object: " +
	"{\"thought\": string, \"action\": string, \"action_input\": string, \"reply\": string, \"final\": bool}. " +
	"When calling a tool set \"action\" to the tool name and \"final\" to false. " +
	"When done set \"final\" to true and put the answer in \"reply\"."

func renderUserPrompt(req llm.Request) string {
	var b strings.Builder
	b.WriteString("## 当前问题\n")
	fmt.Fprintf(&b, "问题: %s\n", strings.TrimSpace(req.Question))
	if len(req.Tables) > 0 {
		fmt.Fprintf(&b, "指定表: %s\n", strings.Join(req.Tables, ", "))
	}

	if len(req.Tools) > 0 {
		b.WriteString("\n## 可用工具\n")
		for _, tool := range req.Tools {
			fmt.Fprintf(&b, "- %s: %s", tool.Name, strings.TrimSpace(tool.Description))
			if tool.Args != "" {
				fmt.Fprintf(&b, " (参数: %s)", tool.Args)
			}
			b.WriteString("\n")
		}
	}

	if len(req.Steps) > 0 {
		b.WriteString("\n## 已执行步骤\n")
		for idx, step := range req.Steps {
			fmt.Fprintf(&b, "[%d] 工具:%s | 输入:%s | 观察:%s\n",
				idx+1, strings.TrimSpace(step.Action), truncate(step.ActionInput), truncate(step.Observation))
		}
	}

	if len(req.History) > 0 {
		b.WriteString("\n## 最近对话\n")
		for idx, entry := range req.History {
			fmt.Fprintf(&b, "[%d] 问题:%s | 回复:%s\n",
				idx+1, strings.TrimSpace(entry.Question), truncate(entry.Reply))
			if idx >= 4 {
				break
			}
		}
	}

	if len(req.Knowledge) > 0 {
		b.WriteString("\n## 参考资料\n")
		for idx, card := range req.Knowledge {
			fmt.Fprintf(&b, "[%d] %s: %s\n",
				idx+1, strings.TrimSpace(card.Title), truncate(card.Content))
			if idx >= 4 {
				break
			}
		}
	}

	b.WriteString("\n请根据上述信息决定下一步：调用工具继续收集信息，或给出最终 reply。")
	return b.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 160 {
		return string([]rune(text)[:160]) + "..."
	}
	return text
}
