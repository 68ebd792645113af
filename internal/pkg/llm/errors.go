package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

var (
	ErrNoResponse   = errors.New("no response from LLM")
	ErrEmptyAPIKey  = errors.New("api key is empty")
	ErrStreamClosed = errors.New("stream closed by reader")
)

// StatusError 非 200 的 HTTP 响应
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("LLM request failed with status %d: %s", e.Code, e.Body)
}

// IsRetriable 判断错误是否值得重试
// 网关超时、限流与 5xx 重试；其它 4xx 与上下文取消不重试；没有状态码的错误按网络错误处理
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrEmptyAPIKey) {
		return false
	}
	if code, ok := httpStatus(err); ok {
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}
	return true
}

// httpStatus 从错误链中取出 HTTP 状态码
// 兼容本包的 StatusError 与 OpenAI SDK 的 APIError/RequestError
func httpStatus(err error) (int, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code, true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}
