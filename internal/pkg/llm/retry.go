package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"k8s.io/klog/v2"
)

const (
	defaultMaxAttempts = 3
	maxBackoff         = 30 * time.Second
)

// retryTransport 对建立流的过程做有界指数退避重试
// 首个数据块送达后不再重试，避免重复渲染
type retryTransport struct {
	Transport
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// WithRetry 包裹重试；maxAttempts<=0 时使用默认 3 次
func WithRetry(t Transport, maxAttempts int, baseDelay time.Duration) Transport {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &retryTransport{
		Transport:   t,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		sleep:       sleepContext,
	}
}

func (r *retryTransport) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	var sr *schema.StreamReader[*schema.Message]
	err := r.do(ctx, "Stream", func() error {
		var err error
		sr, err = r.Transport.Stream(ctx, input, opts...)
		return err
	})
	return sr, err
}

func (r *retryTransport) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	var msg *schema.Message
	err := r.do(ctx, "Generate", func() error {
		var err error
		msg, err = r.Transport.Generate(ctx, input, opts...)
		return err
	})
	return msg, err
}

func (r *retryTransport) do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.baseDelay << (attempt - 1)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			klog.Warningf("LLM %s 重试: provider=%s, attempt=%d/%d, backoff=%v, err=%v",
				op, r.Provider(), attempt+1, r.maxAttempts, backoff, lastErr)
			if err := r.sleep(ctx, backoff); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetriable(err) {
			klog.Errorf("LLM %s 失败且不可重试: provider=%s, err=%v", op, r.Provider(), err)
			return err
		}
	}
	return fmt.Errorf("LLM %s failed after %d attempts: %w", op, r.maxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
