package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"k8s.io/klog/v2"

	"github.com/weibaohui/fitnessgpt/backend/config"
)

const doneSentinel = "[DONE]"

// Client esecret_ 密钥使用的长轮询 SSE 客户端
// 实现 eino model.BaseChatModel，与 OpenAI ChatModel 可互换
type Client struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Client    *http.Client
}

var _ model.BaseChatModel = (*Client)(nil)

// NewClient 创建新的 SSE 客户端
func NewClient(cfg *config.Config, apiKey string) *Client {
	timeout := cfg.LLM.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		BaseURL:   strings.TrimRight(cfg.LLM.ESecretURL, "/"),
		APIKey:    apiKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Generate 非流式生成
func (c *Client) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	klog.V(6).Infof("Generate 请求: model=%s, messages=%d", c.Model, len(input))
	resp, err := c.sendRequest(ctx, c.newRequest(input, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	content, err := decodeCompleteBody(resp.Body)
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(content, nil), nil
}

// Stream 流式生成
// 服务端若直接返回完整 JSON（Content-Type: application/json），则退化为单块流
func (c *Client) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	klog.V(6).Infof("Stream 请求: model=%s, messages=%d", c.Model, len(input))
	resp, err := c.sendRequest(ctx, c.newRequest(input, true))
	if err != nil {
		return nil, err
	}

	if isJSONResponse(resp) {
		defer resp.Body.Close()
		klog.V(6).Infof("服务端返回完整 JSON，使用非流式兜底")
		content, err := decodeCompleteBody(resp.Body)
		if err != nil {
			return nil, err
		}
		return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage(content, nil)}), nil
	}

	sr, sw := schema.Pipe[*schema.Message](32)
	go func() {
		defer resp.Body.Close()
		defer sw.Close()
		decodeEvents(ctx, resp.Body, sw)
	}()
	return sr, nil
}

func (c *Client) newRequest(input []*schema.Message, stream bool) ChatRequest {
	return ChatRequest{
		Model:       c.Model,
		Messages:    toChatMessages(input),
		MaxTokens:   c.MaxTokens,
		Temperature: 0.7,
		Stream:      stream,
	}
}

// sendRequest 发送 HTTP 请求到 LLM API，非 200 响应返回 *StatusError
func (c *Client) sendRequest(ctx context.Context, reqBody ChatRequest) (*http.Response, error) {
	if c.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	url := c.BaseURL + "/chat/completions"
	klog.V(6).Infof("发送 LLM 请求: url=%s, model=%s, stream=%v", url, reqBody.Model, reqBody.Stream)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if reqBody.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func isJSONResponse(resp *http.Response) bool {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// decodeCompleteBody 解析完整 JSON 响应体
func decodeCompleteBody(r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", ErrNoResponse
	}
	return chatResp.Choices[0].Message.Content, nil
}

// decodeEvents 逐行解析 SSE，data: [DONE] 结束；无法解析的行记录日志后跳过
func decodeEvents(ctx context.Context, body io.Reader, sw *schema.StreamWriter[*schema.Message]) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == doneSentinel {
			return
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			klog.Warningf("跳过无法解析的流式数据行: %v, line=%q", err, data)
			continue
		}
		if chunk.Error != nil {
			sw.Send(nil, fmt.Errorf("API error: %s", chunk.Error.Message))
			return
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if closed := sw.Send(schema.AssistantMessage(chunk.Choices[0].Delta.Content, nil), nil); closed {
			klog.V(6).Infof("读取方已关闭流，停止解析")
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		sw.Send(nil, fmt.Errorf("stream read failed: %w", err))
	}
}
