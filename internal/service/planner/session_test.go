package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
	"github.com/weibaohui/fitnessgpt/backend/internal/pkg/llm"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/statemachine"
)

// scriptedModel 记录每次调用的输入，并把固定回复切成小片段流式返回
type scriptedModel struct {
	mu     sync.Mutex
	inputs [][]*schema.Message
	failAt map[int]error
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	call := len(m.inputs)
	err := m.failAt[call]
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	reply := fmt.Sprintf("# Section %d\n- item one\n- item two", call)
	var msgs []*schema.Message
	for _, frag := range chunk(reply, 3) {
		msgs = append(msgs, schema.AssistantMessage(frag, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

type recordingRenderer struct {
	units []string
}

func (r *recordingRenderer) Render(ctx context.Context, unit string) error {
	r.units = append(r.units, unit)
	return nil
}

func (r *recordingRenderer) String() string {
	return strings.Join(r.units, "")
}

type recordingObserver struct {
	started   []string
	completed []StageResult
	failed    []string
	failNext  error
}

func (o *recordingObserver) StageStarted(ctx context.Context, cursor statemachine.Cursor) {
	o.started = append(o.started, cursor.Label())
}

func (o *recordingObserver) StageCompleted(ctx context.Context, result StageResult) error {
	if o.failNext != nil {
		err := o.failNext
		o.failNext = nil
		return err
	}
	o.completed = append(o.completed, result)
	return nil
}

func (o *recordingObserver) StageFailed(ctx context.Context, cursor statemachine.Cursor, err error) {
	o.failed = append(o.failed, cursor.Label())
}

func scenarioProfile(t *testing.T, timeframe int) *domain.Profile {
	t.Helper()
	p, err := domain.ParseProfile(domain.Values{
		"age":         "30",
		"gender":      "Male",
		"height":      "180",
		"weight":      "80",
		"timeframe":   fmt.Sprint(timeframe),
		"workoutDays": "3",
		"allergies":   "No",
		"goals":       "lose fat",
	})
	require.NoError(t, err)
	return p
}

func newTestSession(t *testing.T, timeframe int, m *scriptedModel, fold bool) (*Session, *recordingRenderer, *recordingObserver) {
	t.Helper()
	renderer := &recordingRenderer{}
	observer := &recordingObserver{}
	s, err := NewSession(Options{
		Profile:   scenarioProfile(t, timeframe),
		Transport: llm.NewTransport(m, llm.ProviderOpenAI, fold),
		Renderer:  renderer,
		Observer:  observer,
		RunID:     "test-run",
	})
	require.NoError(t, err)
	return s, renderer, observer
}

func TestSessionEndToEndScenario(t *testing.T) {
	m := &scriptedModel{}
	s, renderer, observer := newTestSession(t, 2, m, false)

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []string{
		"introduction",
		"exercise-overview",
		"exercise-week1",
		"exercise-week2",
		"diet-overview",
		"diet-week1",
		"diet-week2",
		"nutritionTips",
		"mentalWellbeing",
		"progressTracking",
		"recoveryRest",
		"safetyPrecautions",
	}, observer.started)
	assert.Equal(t, 12, m.calls())
	assert.Equal(t, 12, s.Calls())
	assert.True(t, s.Done())
	assert.Equal(t, statemachine.StageTerminal, s.Cursor().Stage)

	// 每个阶段的尾部都在阶段结束时冲刷，不会拼接到下一阶段
	assert.Contains(t, renderer.String(), "- item two\n# Section 2\n")
	assert.True(t, strings.HasSuffix(renderer.String(), "# Section 12\n- item one\n- item two\n"))

	assert.ErrorIs(t, s.Step(context.Background()), ErrSessionDone)
}

func TestSessionWeeklyStageCallCounts(t *testing.T) {
	for _, weeks := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("timeframe=%d", weeks), func(t *testing.T) {
			m := &scriptedModel{}
			s, _, observer := newTestSession(t, weeks, m, false)
			require.NoError(t, s.Run(context.Background()))

			counts := map[statemachine.Stage]int{}
			for _, r := range observer.completed {
				counts[r.Cursor.Stage]++
			}
			assert.Equal(t, weeks+1, counts[statemachine.StageExercise])
			assert.Equal(t, weeks+1, counts[statemachine.StageDiet])
			assert.Equal(t, statemachine.TotalCalls(weeks), m.calls())
		})
	}
}

func TestSessionHistoryAppendOnly(t *testing.T) {
	m := &scriptedModel{}
	s, _, _ := newTestSession(t, 2, m, false)

	prev := s.History()
	require.Empty(t, prev)
	for !s.Done() {
		require.NoError(t, s.Step(context.Background()))
		cur := s.History()

		if len(prev) > 0 {
			assert.Equal(t, prev, cur[:len(prev)], "history prefix rewritten")
		}
		assert.Equal(t, schema.Assistant, cur[len(cur)-1].Role)
		assert.Equal(t, s.Calls(), countAssistant(cur))
		assert.Equal(t, countAssistant(prev)+1, countAssistant(cur))
		prev = cur
	}
}

func TestSessionSummaryOnlyOnFirstCall(t *testing.T) {
	m := &scriptedModel{}
	s, _, _ := newTestSession(t, 1, m, false)
	require.NoError(t, s.Run(context.Background()))

	first := m.inputs[0]
	require.Len(t, first, 2)
	assert.Equal(t, schema.System, first[0].Role)
	assert.Equal(t, schema.User, first[1].Role)
	assert.Contains(t, first[1].Content, "I am 30 years old")
	assert.Contains(t, first[1].Content, "no food allergies")

	second := m.inputs[1]
	require.Len(t, second, 3)
	assert.Equal(t, first[1].Content, second[0].Content)
	assert.Equal(t, schema.Assistant, second[1].Role)
	assert.Equal(t, schema.System, second[2].Role)

	for _, input := range m.inputs[1:] {
		users := 0
		for _, msg := range input {
			if msg.Role == schema.User {
				users++
			}
		}
		assert.Equal(t, 1, users)
		assert.Equal(t, schema.System, input[len(input)-1].Role)
	}
}

func TestSessionFoldSummaryIntoSystemTurn(t *testing.T) {
	m := &scriptedModel{}
	s, _, _ := newTestSession(t, 1, m, true)
	require.NoError(t, s.Run(context.Background()))

	first := m.inputs[0]
	require.Len(t, first, 1)
	assert.Equal(t, schema.System, first[0].Role)
	assert.Contains(t, first[0].Content, "I am 30 years old")

	for _, input := range m.inputs {
		for _, msg := range input {
			assert.NotEqual(t, schema.User, msg.Role)
		}
	}
}

func TestSessionResumeFromFailedStage(t *testing.T) {
	m := &scriptedModel{failAt: map[int]error{3: errors.New("upstream reset")}}
	s, _, observer := newTestSession(t, 2, m, false)

	err := s.Run(context.Background())
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "exercise-week1", stageErr.Cursor.Label())
	assert.Equal(t, "exercise-week1", s.Cursor().Label())
	assert.Equal(t, 2, s.Calls())
	assert.Len(t, s.History(), 3)
	assert.Equal(t, []string{"exercise-week1"}, observer.failed)

	require.NoError(t, s.Run(context.Background()))
	assert.True(t, s.Done())
	assert.Equal(t, 12, s.Calls())
	assert.Equal(t, 13, m.calls())
}

func TestSessionObserverErrorDoesNotCommit(t *testing.T) {
	m := &scriptedModel{}
	s, _, observer := newTestSession(t, 1, m, false)
	observer.failNext = errors.New("db unavailable")

	err := s.Step(context.Background())
	require.Error(t, err)
	assert.Equal(t, statemachine.InitialCursor(), s.Cursor())
	assert.Empty(t, s.History())

	require.NoError(t, s.Step(context.Background()))
	assert.Equal(t, "exercise-overview", s.Cursor().Label())
}

func TestSessionRestore(t *testing.T) {
	m := &scriptedModel{}
	s, _, observer := newTestSession(t, 2, m, false)

	history := []*schema.Message{
		schema.UserMessage("summary"),
		schema.AssistantMessage("intro", nil),
		schema.AssistantMessage("overview", nil),
	}
	cursor := statemachine.Cursor{Stage: statemachine.StageDiet, Week: 1}
	require.NoError(t, s.Restore(cursor, history))
	assert.Equal(t, 2, s.Calls())

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, "diet-overview", observer.started[0])
	assert.Equal(t, 8, m.calls())
	assert.Len(t, m.inputs[0], 4)

	assert.Error(t, s.Restore(statemachine.Cursor{Stage: "bogus", Week: 1}, nil))
	assert.Error(t, s.Restore(statemachine.Cursor{Stage: statemachine.StageDiet, Week: 9}, nil))
}

// blockingModel 先发送一行，然后阻塞直到 ctx 取消
type blockingModel struct{}

func (blockingModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (blockingModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		if closed := sw.Send(schema.AssistantMessage("first line\n", nil), nil); closed {
			return
		}
		<-ctx.Done()
		sw.Send(nil, ctx.Err())
	}()
	return sr, nil
}

func TestSessionCancelAbortsStreamRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var units []string
	s, err := NewSession(Options{
		Profile:   scenarioProfile(t, 1),
		Transport: llm.NewTransport(blockingModel{}, llm.ProviderOpenAI, false),
		Renderer: domain.RendererFunc(func(ctx context.Context, unit string) error {
			units = append(units, unit)
			cancel()
			return nil
		}),
	})
	require.NoError(t, err)

	err = s.Run(ctx)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"first line\n"}, units)
	assert.Equal(t, statemachine.InitialCursor(), s.Cursor())
	assert.Empty(t, s.History())
}

func TestSessionRejectsEmptyReply(t *testing.T) {
	empty := llm.NewTransport(&emptyModel{}, llm.ProviderOpenAI, false)
	s, err := NewSession(Options{
		Profile:   scenarioProfile(t, 1),
		Transport: empty,
		Renderer:  &recordingRenderer{},
	})
	require.NoError(t, err)

	err = s.Step(context.Background())
	assert.ErrorIs(t, err, domain.ErrEmptyContent)
	assert.Equal(t, 0, s.Calls())
}

type emptyModel struct{}

func (emptyModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (emptyModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage("  ", nil)}), nil
}

func TestNewSessionValidatesOptions(t *testing.T) {
	transport := llm.NewTransport(&scriptedModel{}, llm.ProviderOpenAI, false)
	renderer := &recordingRenderer{}

	_, err := NewSession(Options{Transport: transport, Renderer: renderer})
	assert.ErrorIs(t, err, ErrMissingOption)

	_, err = NewSession(Options{Profile: scenarioProfile(t, 1), Renderer: renderer})
	assert.ErrorIs(t, err, ErrMissingOption)

	_, err = NewSession(Options{Profile: scenarioProfile(t, 1), Transport: transport})
	assert.ErrorIs(t, err, ErrMissingOption)

	bad := scenarioProfile(t, 1)
	bad.Timeframe = 0
	_, err = NewSession(Options{Profile: bad, Transport: transport, Renderer: renderer})
	assert.Error(t, err)
}
