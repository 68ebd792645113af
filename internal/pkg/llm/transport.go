package llm

import (
	"context"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"k8s.io/klog/v2"

	"github.com/weibaohui/fitnessgpt/backend/config"
)

// Provider 根据 API Key 前缀选择的传输通道
type Provider string

const (
	ProviderOpenAI    Provider = "openai"    // sk-
	ProviderESecret   Provider = "esecret"   // esecret_
	ProviderAlternate Provider = "alternate" // 其它密钥
)

// Transport 计划生成使用的流式对话通道
type Transport interface {
	model.BaseChatModel
	Provider() Provider
	// FoldSummary 为 true 时，用户画像摘要并入首个 system 消息而不是单独的 user 消息
	FoldSummary() bool
}

// ProviderFor 根据密钥前缀返回通道类型
func ProviderFor(apiKey string) Provider {
	switch {
	case strings.HasPrefix(apiKey, "sk-"):
		return ProviderOpenAI
	case strings.HasPrefix(apiKey, "esecret_"):
		return ProviderESecret
	default:
		return ProviderAlternate
	}
}

// Select 根据密钥创建对应的传输通道，并统一包裹有界重试
func Select(cfg *config.Config, apiKey string) (Transport, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrEmptyAPIKey
	}

	provider := ProviderFor(apiKey)
	var t Transport
	switch provider {
	case ProviderESecret:
		t = &chatModelTransport{BaseChatModel: NewClient(cfg, apiKey), provider: provider, fold: true}
	case ProviderOpenAI:
		cm, err := newOpenAIChatModel(cfg, cfg.LLM.APIURL, apiKey)
		if err != nil {
			return nil, err
		}
		t = &chatModelTransport{BaseChatModel: cm, provider: provider}
	default:
		cm, err := newOpenAIChatModel(cfg, cfg.LLM.AltAPIURL, apiKey)
		if err != nil {
			return nil, err
		}
		t = &chatModelTransport{BaseChatModel: cm, provider: provider}
	}

	klog.V(6).Infof("选择 LLM 传输通道: provider=%s, model=%s", provider, cfg.LLM.Model)
	return WithRetry(t, cfg.LLM.MaxRetries, cfg.LLM.RetryDelay), nil
}

// newOpenAIChatModel 创建 eino OpenAI ChatModel
func newOpenAIChatModel(cfg *config.Config, baseURL, apiKey string) (*openai.ChatModel, error) {
	modelConfig := &openai.ChatModelConfig{
		APIKey:  apiKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}
	if baseURL != "" {
		modelConfig.BaseURL = baseURL
	}
	if cfg.LLM.MaxTokens > 0 {
		maxTokens := cfg.LLM.MaxTokens
		modelConfig.MaxTokens = &maxTokens
	}

	chatModel, err := openai.NewChatModel(context.Background(), modelConfig)
	if err != nil {
		klog.Errorf("[LLMChatModel] 创建 ChatModel 失败: %v", err)
		return nil, err
	}
	klog.V(6).Infof("[LLMChatModel] ChatModel 创建成功: baseURL=%s", baseURL)
	return chatModel, nil
}

type chatModelTransport struct {
	model.BaseChatModel
	provider Provider
	fold     bool
}

func (t *chatModelTransport) Provider() Provider { return t.provider }

func (t *chatModelTransport) FoldSummary() bool { return t.fold }

// NewTransport 将任意 ChatModel 包装为 Transport，便于测试与扩展
func NewTransport(cm model.BaseChatModel, provider Provider, foldSummary bool) Transport {
	return &chatModelTransport{BaseChatModel: cm, provider: provider, fold: foldSummary}
}
