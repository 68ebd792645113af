package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/meguminnnnnnnnn/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibaohui/fitnessgpt/backend/config"
)

func newTestConfig(url string) *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{
			APIURL:     url,
			AltAPIURL:  url,
			ESecretURL: url,
			Model:      "gpt-4",
			MaxTokens:  2000,
			Timeout:    5 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Millisecond,
		},
	}
}

func drain(t *testing.T, sr *schema.StreamReader[*schema.Message]) (string, error) {
	t.Helper()
	defer sr.Close()
	var sb strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(msg.Content)
	}
}

func sseChunk(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]string{"content": content}}},
	})
	return "data: " + string(b) + "\n\n"
}

func TestNewClient(t *testing.T) {
	cfg := newTestConfig("https://api.example.com/v1/")
	client := NewClient(cfg, "esecret_abc")

	assert.Equal(t, "https://api.example.com/v1", client.BaseURL)
	assert.Equal(t, "esecret_abc", client.APIKey)
	assert.Equal(t, "gpt-4", client.Model)
	assert.Equal(t, 2000, client.MaxTokens)
	require.NotNil(t, client.Client)
}

func TestClientStreamDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer esecret_abc", r.Header.Get("Authorization"))

		var req ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "system", req.Messages[0].Role)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, sseChunk("## Exercise"))
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, sseChunk(" Plan\n"))
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, sseChunk("ignored"))
	}))
	defer server.Close()

	client := NewClient(newTestConfig(server.URL), "esecret_abc")
	sr, err := client.Stream(context.Background(), []*schema.Message{
		schema.SystemMessage("persona"),
		schema.UserMessage("hello"),
	})
	require.NoError(t, err)

	content, err := drain(t, sr)
	require.NoError(t, err)
	assert.Equal(t, "## Exercise Plan\n", content)
}

func TestClientStreamJSONFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"whole body\n"}}]}`)
	}))
	defer server.Close()

	client := NewClient(newTestConfig(server.URL), "esecret_abc")
	sr, err := client.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)

	content, err := drain(t, sr)
	require.NoError(t, err)
	assert.Equal(t, "whole body\n", content)
}

func TestClientStreamChunkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("partial"))
		fmt.Fprint(w, `data: {"error":{"message":"overloaded"}}`+"\n\n")
	}))
	defer server.Close()

	client := NewClient(newTestConfig(server.URL), "esecret_abc")
	sr, err := client.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)

	content, err := drain(t, sr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
	assert.Equal(t, "partial", content)
}

func TestClientGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Test response"}}]}`)
	}))
	defer server.Close()

	client := NewClient(newTestConfig(server.URL), "esecret_abc")
	msg, err := client.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "Test response", msg.Content)
}

func TestClientGenerateNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	client := NewClient(newTestConfig(server.URL), "esecret_abc")
	_, err := client.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestClientStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		fmt.Fprint(w, "upstream timeout")
	}))
	defer server.Close()

	client := NewClient(newTestConfig(server.URL), "esecret_abc")
	_, err := client.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusGatewayTimeout, statusErr.Code)
	assert.Equal(t, "upstream timeout", statusErr.Body)
	assert.True(t, IsRetriable(err))
}

func TestClientEmptyAPIKey(t *testing.T) {
	client := NewClient(newTestConfig("http://127.0.0.1:0"), "")
	_, err := client.Stream(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyAPIKey)
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), false},
		{"empty key", ErrEmptyAPIKey, false},
		{"unauthorized", &StatusError{Code: http.StatusUnauthorized}, false},
		{"bad request", &StatusError{Code: http.StatusBadRequest}, false},
		{"rate limited", &StatusError{Code: http.StatusTooManyRequests}, true},
		{"gateway timeout", &StatusError{Code: http.StatusGatewayTimeout}, true},
		{"network", errors.New("connection reset by peer"), true},
		{"sdk unauthorized", fmt.Errorf("stream: %w", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "invalid api key"}), false},
		{"sdk rate limited", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"sdk bad gateway", &openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}, true},
		{"sdk forbidden", &openai.RequestError{HTTPStatusCode: http.StatusForbidden, Err: errors.New("forbidden")}, false},
		{"sdk without status", &openai.APIError{Message: "stream reset"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetriable(tt.err))
		})
	}
}

func TestProviderFor(t *testing.T) {
	assert.Equal(t, ProviderOpenAI, ProviderFor("sk-123"))
	assert.Equal(t, ProviderESecret, ProviderFor("esecret_123"))
	assert.Equal(t, ProviderAlternate, ProviderFor("or-123"))
	assert.Equal(t, ProviderAlternate, ProviderFor("SK-123"))
}

func TestSelect(t *testing.T) {
	cfg := newTestConfig("https://api.example.com/v1")

	_, err := Select(cfg, "   ")
	assert.ErrorIs(t, err, ErrEmptyAPIKey)

	tr, err := Select(cfg, "esecret_abc")
	require.NoError(t, err)
	assert.Equal(t, ProviderESecret, tr.Provider())
	assert.True(t, tr.FoldSummary())

	tr, err = Select(cfg, "sk-abc")
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, tr.Provider())
	assert.False(t, tr.FoldSummary())

	tr, err = Select(cfg, "or-abc")
	require.NoError(t, err)
	assert.Equal(t, ProviderAlternate, tr.Provider())
}

func TestSelectESecretStreamsThroughRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("ok\n"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	tr, err := Select(newTestConfig(server.URL), "esecret_abc")
	require.NoError(t, err)

	sr, err := tr.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)
	content, err := drain(t, sr)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

// fakeModel 按顺序返回预设错误，之后返回固定内容
type fakeModel struct {
	errs  []error
	calls int
}

func (f *fakeModel) next() error {
	f.calls++
	if f.calls <= len(f.errs) {
		return f.errs[f.calls-1]
	}
	return nil
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return schema.AssistantMessage("done", nil), nil
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage("done", nil)}), nil
}

func newTestRetry(fm *fakeModel, attempts int) (*retryTransport, *[]time.Duration) {
	var slept []time.Duration
	r := WithRetry(NewTransport(fm, ProviderOpenAI, false), attempts, 10*time.Millisecond).(*retryTransport)
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	fm := &fakeModel{errs: []error{
		&StatusError{Code: http.StatusGatewayTimeout},
		&StatusError{Code: http.StatusBadGateway},
	}}
	r, slept := newTestRetry(fm, 3)

	sr, err := r.Stream(context.Background(), nil)
	require.NoError(t, err)
	content, err := drain(t, sr)
	require.NoError(t, err)
	assert.Equal(t, "done", content)
	assert.Equal(t, 3, fm.calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *slept)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	fm := &fakeModel{errs: []error{
		&StatusError{Code: http.StatusGatewayTimeout},
		&StatusError{Code: http.StatusGatewayTimeout},
		&StatusError{Code: http.StatusGatewayTimeout},
	}}
	r, _ := newTestRetry(fm, 3)

	_, err := r.Generate(context.Background(), nil)
	require.Error(t, err)
	var statusErr *StatusError
	assert.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 3, fm.calls)
}

func TestRetrySkipsNonRetriable(t *testing.T) {
	fm := &fakeModel{errs: []error{&StatusError{Code: http.StatusUnauthorized}}}
	r, slept := newTestRetry(fm, 3)

	_, err := r.Stream(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, fm.calls)
	assert.Empty(t, *slept)
}

func TestRetryStopsOnCanceledContext(t *testing.T) {
	fm := &fakeModel{errs: []error{errors.New("connection reset")}}
	r, _ := newTestRetry(fm, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Stream(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fm.calls)
}
