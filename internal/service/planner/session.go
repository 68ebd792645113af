package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"
	"k8s.io/klog/v2"

	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
	"github.com/weibaohui/fitnessgpt/backend/internal/pkg/llm"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/prompt"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/statemachine"
)

var (
	ErrSessionDone   = errors.New("plan session already reached terminal stage")
	ErrMissingOption = errors.New("plan session option missing")
)

// StageError 单个阶段失败；游标与历史保持失败前的状态，可从该阶段恢复
type StageError struct {
	Cursor statemachine.Cursor
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Cursor.Label(), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageResult 一个阶段成功完成后的结果
type StageResult struct {
	Cursor  statemachine.Cursor
	Next    statemachine.Cursor
	Call    int
	Content string
	// Turns 本阶段新追加到历史中的消息，首个阶段包含用户画像摘要
	Turns []*schema.Message
}

// Observer 阶段生命周期回调
// StageCompleted 返回错误时本阶段视为失败，不会提交到历史
type Observer interface {
	StageStarted(ctx context.Context, cursor statemachine.Cursor)
	StageCompleted(ctx context.Context, result StageResult) error
	StageFailed(ctx context.Context, cursor statemachine.Cursor, err error)
}

type nopObserver struct{}

func (nopObserver) StageStarted(context.Context, statemachine.Cursor) {}

func (nopObserver) StageCompleted(context.Context, StageResult) error { return nil }

func (nopObserver) StageFailed(context.Context, statemachine.Cursor, error) {}

// Options 创建会话的参数
type Options struct {
	Profile   *domain.Profile
	Composer  *prompt.Composer
	Transport llm.Transport
	Renderer  domain.Renderer
	Observer  Observer
	RunID     string
}

// Session 一次计划生成运行的全部可变状态：游标、历史、解码缓冲
// 不做并发保护，同一时刻只允许一个调用方驱动
type Session struct {
	profile   *domain.Profile
	composer  *prompt.Composer
	transport llm.Transport
	renderer  domain.Renderer
	observer  Observer
	runID     string

	cursor  statemachine.Cursor
	history []*schema.Message
	decoder *LineDecoder
	summary string
	calls   int
}

// NewSession 创建会话，游标位于 introduction，历史为空
func NewSession(opts Options) (*Session, error) {
	if opts.Profile == nil {
		return nil, fmt.Errorf("%w: profile", ErrMissingOption)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport", ErrMissingOption)
	}
	if opts.Renderer == nil {
		return nil, fmt.Errorf("%w: renderer", ErrMissingOption)
	}
	if opts.Profile.Timeframe < 1 || opts.Profile.Timeframe > domain.MaxTimeframeWeeks {
		return nil, fmt.Errorf("timeframe %d out of range 1..%d", opts.Profile.Timeframe, domain.MaxTimeframeWeeks)
	}
	if opts.Composer == nil {
		opts.Composer = prompt.NewComposer()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	return &Session{
		profile:   opts.Profile,
		composer:  opts.Composer,
		transport: opts.Transport,
		renderer:  opts.Renderer,
		observer:  opts.Observer,
		runID:     opts.RunID,
		cursor:    statemachine.InitialCursor(),
		decoder:   NewLineDecoder(),
		summary:   opts.Composer.Summary(opts.Profile),
	}, nil
}

// Restore 从持久化状态恢复游标与历史，用于从失败阶段继续
func (s *Session) Restore(cursor statemachine.Cursor, history []*schema.Message) error {
	if err := cursor.Validate(s.profile.Timeframe); err != nil {
		return err
	}
	s.cursor = cursor
	s.history = append([]*schema.Message(nil), history...)
	s.calls = countAssistant(history)
	s.decoder.Reset()
	return nil
}

func (s *Session) Cursor() statemachine.Cursor { return s.cursor }

// History 返回历史副本
func (s *Session) History() []*schema.Message {
	return append([]*schema.Message(nil), s.history...)
}

// Calls 已完成的 LLM 调用次数
func (s *Session) Calls() int { return s.calls }

func (s *Session) Done() bool { return s.cursor.Done() }

// Run 依次执行所有剩余阶段直到终止态
func (s *Session) Run(ctx context.Context) error {
	for !s.Done() {
		if err := s.Step(ctx); err != nil {
			return err
		}
	}
	klog.V(6).Infof("计划生成完成: runID=%s, calls=%d", s.runID, s.calls)
	return nil
}

// Step 执行当前阶段的一次 LLM 调用
// 成功后追加一条 assistant 消息并推进游标；失败时状态不变
func (s *Session) Step(ctx context.Context) error {
	if s.Done() {
		return ErrSessionDone
	}
	cursor := s.cursor
	s.observer.StageStarted(ctx, cursor)
	klog.V(6).Infof("阶段开始: runID=%s, stage=%s, call=%d", s.runID, cursor.Label(), s.calls+1)

	input, preamble := s.buildMessages(cursor)
	content, err := s.stream(ctx, input)
	if err == nil && strings.TrimSpace(content) == "" {
		err = domain.ErrEmptyContent
	}
	if err != nil {
		return s.fail(ctx, cursor, err)
	}

	reply := schema.AssistantMessage(content, nil)
	turns := append(preamble, reply)
	result := StageResult{
		Cursor:  cursor,
		Next:    cursor.Next(s.profile.Timeframe),
		Call:    s.calls + 1,
		Content: content,
		Turns:   turns,
	}
	if err := s.observer.StageCompleted(ctx, result); err != nil {
		return s.fail(ctx, cursor, err)
	}

	s.history = append(s.history, turns...)
	s.calls++
	s.cursor = result.Next
	klog.V(6).Infof("阶段完成: runID=%s, stage=%s, next=%s, bytes=%d", s.runID, cursor.Label(), s.cursor.Label(), len(content))
	return nil
}

func (s *Session) fail(ctx context.Context, cursor statemachine.Cursor, err error) error {
	s.decoder.Reset()
	klog.Errorf("阶段失败: runID=%s, stage=%s, err=%v", s.runID, cursor.Label(), err)
	s.observer.StageFailed(ctx, cursor, err)
	return &StageError{Cursor: cursor, Err: err}
}

// buildMessages 组装本次调用的消息：历史 + 阶段指令
// 历史为空时附带用户画像摘要，作为 user 消息或并入 system 消息；preamble 为需要写入历史的摘要消息
func (s *Session) buildMessages(cursor statemachine.Cursor) ([]*schema.Message, []*schema.Message) {
	instruction := s.composer.Compose(cursor, s.profile)

	input := make([]*schema.Message, 0, len(s.history)+2)
	input = append(input, s.history...)

	if len(s.history) > 0 {
		return append(input, schema.SystemMessage(instruction)), nil
	}

	if s.transport.FoldSummary() {
		input = append(input, schema.SystemMessage(instruction+"\n\n"+s.summary))
		return input, []*schema.Message{schema.SystemMessage(s.summary)}
	}
	summary := schema.UserMessage(s.summary)
	input = append(input, schema.SystemMessage(instruction), summary)
	return input, []*schema.Message{summary}
}

// stream 读取流并逐个渲染完整行，流结束后冲刷剩余尾部
func (s *Session) stream(ctx context.Context, input []*schema.Message) (string, error) {
	sr, err := s.transport.Stream(ctx, input)
	if err != nil {
		return "", err
	}
	defer sr.Close()

	s.decoder.Reset()
	var full strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		full.WriteString(msg.Content)
		if unit, ok := s.decoder.Feed(msg.Content); ok {
			if err := s.renderer.Render(ctx, unit); err != nil {
				return "", fmt.Errorf("render: %w", err)
			}
		}
	}

	if tail, ok := s.decoder.Flush(); ok {
		if err := s.renderer.Render(ctx, tail+"\n"); err != nil {
			return "", fmt.Errorf("render: %w", err)
		}
	}
	return full.String(), nil
}

func countAssistant(history []*schema.Message) int {
	n := 0
	for _, m := range history {
		if m != nil && m.Role == schema.Assistant {
			n++
		}
	}
	return n
}
