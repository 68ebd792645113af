package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"k8s.io/klog/v2"

	"github.com/weibaohui/fitnessgpt/backend/config"
	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
	"github.com/weibaohui/fitnessgpt/backend/internal/eventbus"
	"github.com/weibaohui/fitnessgpt/backend/internal/model"
	"github.com/weibaohui/fitnessgpt/backend/internal/pkg/llm"
	"github.com/weibaohui/fitnessgpt/backend/internal/pkg/render"
	"github.com/weibaohui/fitnessgpt/backend/internal/repository"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/orchestrator"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/planner"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/prompt"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/statemachine"
)

const interruptedMsg = "服务重启，运行被中断，可从当前阶段恢复"

// ErrRunActive 运行排队或执行中，需先取消
var ErrRunActive = errors.New("run is queued or running, cancel it first")

// cancelAttempts 取消时与调度并发写状态的最大重试次数
const cancelAttempts = 3

// RunQueue 计划运行的执行队列，由 orchestrator 实现
type RunQueue interface {
	EnqueueJob(job *orchestrator.Job) error
	CancelRun(runID string) bool
}

// TransportFactory 根据 API Key 创建 LLM 传输通道
type TransportFactory func(cfg *config.Config, apiKey string) (llm.Transport, error)

type PlanService struct {
	cfg             *config.Config
	profiles        *ProfileService
	runRepo         repository.PlanRunRepository
	bus             *eventbus.PlanEventBus
	runStateMachine *statemachine.RunStateMachine
	composer        *prompt.Composer
	queue           RunQueue
	newTransport    TransportFactory

	liveMu sync.Mutex
	live   map[string]*render.Surface
}

func NewPlanService(cfg *config.Config, profiles *ProfileService, runRepo repository.PlanRunRepository, bus *eventbus.PlanEventBus) *PlanService {
	return &PlanService{
		cfg:             cfg,
		profiles:        profiles,
		runRepo:         runRepo,
		bus:             bus,
		runStateMachine: statemachine.NewRunStateMachine(),
		composer:        prompt.NewComposer(),
		newTransport:    llm.Select,
		live:            make(map[string]*render.Surface),
	}
}

// SetQueue 设置执行队列
// 用于解决循环依赖问题
func (s *PlanService) SetQueue(q RunQueue) {
	s.queue = q
}

// SetTransportFactory 替换传输通道的创建方式
func (s *PlanService) SetTransportFactory(f TransportFactory) {
	s.newTransport = f
}

// Start 读取画像、校验并创建新的运行，随后提交到队列
func (s *PlanService) Start(ctx context.Context) (*model.PlanRun, error) {
	values, err := s.profiles.Load(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := domain.ParseProfile(values)
	if err != nil {
		return nil, err
	}
	apiKey, err := s.profiles.Credential(ctx)
	if err != nil {
		return nil, err
	}

	run := &model.PlanRun{
		Status:     string(statemachine.RunStatusPending),
		Provider:   string(llm.ProviderFor(apiKey)),
		Timeframe:  profile.Timeframe,
		TotalCalls: statemachine.TotalCalls(profile.Timeframe),
		Profile:    values,
	}
	run.SetCursor(statemachine.InitialCursor())
	if err := s.runRepo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("创建计划运行失败: %w", err)
	}
	klog.V(6).Infof("创建计划运行: runID=%s, timeframe=%d, totalCalls=%d", run.ID, run.Timeframe, run.TotalCalls)

	if err := s.enqueue(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// enqueue 状态迁移 pending -> queued 并提交到队列，失败时回滚状态
func (s *PlanService) enqueue(ctx context.Context, run *model.PlanRun) error {
	if s.queue == nil {
		return orchestrator.ErrOrchestratorStopped
	}
	oldStatus := statemachine.RunStatus(run.Status)
	if err := s.runStateMachine.Transition(oldStatus, statemachine.RunStatusQueued, run.ID); err != nil {
		return fmt.Errorf("计划状态迁移失败: %w", err)
	}
	if err := s.runRepo.UpdateStatusFrom(ctx, run.ID, string(oldStatus), string(statemachine.RunStatusQueued), ""); err != nil {
		return fmt.Errorf("更新计划状态失败: %w", err)
	}
	run.Status = string(statemachine.RunStatusQueued)

	if err := s.queue.EnqueueJob(orchestrator.NewRunJob(run.ID, s.cfg.Planner.RunTimeout)); err != nil {
		if rbErr := s.runRepo.UpdateStatusFrom(ctx, run.ID, string(statemachine.RunStatusQueued), string(oldStatus), ""); rbErr != nil {
			klog.Errorf("回滚计划状态失败: runID=%s, to=%s, err=%v", run.ID, oldStatus, rbErr)
		}
		run.Status = string(oldStatus)
		return fmt.Errorf("计划入队失败: %w", err)
	}
	return nil
}

// ExecuteRun 执行计划运行（由编排器调用）
// 从持久化的游标与历史继续，逐阶段写回数据库
func (s *PlanService) ExecuteRun(ctx context.Context, runID string) error {
	klog.V(6).Infof("开始执行计划: runID=%s", runID)

	run, err := s.runRepo.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("获取计划失败: %w", err)
	}

	oldStatus := statemachine.RunStatus(run.Status)
	if oldStatus == statemachine.RunStatusCanceled {
		klog.V(6).Infof("计划已取消，跳过执行: runID=%s", runID)
		return nil
	}
	if err := s.runStateMachine.Transition(oldStatus, statemachine.RunStatusRunning, runID); err != nil {
		return fmt.Errorf("计划状态迁移失败: %w", err)
	}
	if err := s.runRepo.UpdateStatusFrom(ctx, runID, string(oldStatus), string(statemachine.RunStatusRunning), ""); err != nil {
		// 读取状态后被取消
		if errors.Is(err, repository.ErrStatusConflict) && s.isCanceled(ctx, runID) {
			klog.V(6).Infof("计划在调度时被取消，跳过执行: runID=%s", runID)
			return nil
		}
		return fmt.Errorf("更新计划状态失败: %w", err)
	}
	run.Status = string(statemachine.RunStatusRunning)

	runErr := s.runSession(ctx, run)
	return s.finish(run, runErr)
}

func (s *PlanService) runSession(ctx context.Context, run *model.PlanRun) error {
	profile, err := domain.ParseProfile(run.Profile)
	if err != nil {
		return err
	}
	apiKey, err := s.profiles.Credential(ctx)
	if err != nil {
		return err
	}
	transport, err := s.newTransport(s.cfg, apiKey)
	if err != nil {
		return err
	}

	turns, err := s.runRepo.Turns(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("读取对话历史失败: %w", err)
	}

	surface := s.openSurface(run)
	session, err := planner.NewSession(planner.Options{
		Profile:   profile,
		Composer:  s.composer,
		Transport: transport,
		Renderer:  s.liveRenderer(run, surface),
		Observer:  &runObserver{svc: s, run: run},
		RunID:     run.ID,
	})
	if err != nil {
		return err
	}
	if err := session.Restore(run.Cursor(), toMessages(turns)); err != nil {
		return fmt.Errorf("恢复计划游标失败: %w", err)
	}
	return session.Run(ctx)
}

// finish 根据执行结果更新最终状态并发布事件
// 运行期间被用户取消时保持 canceled 状态
func (s *PlanService) finish(run *model.PlanRun, runErr error) error {
	ctx := context.Background()
	defer s.closeSurface(run.ID)

	if s.isCanceled(ctx, run.ID) {
		klog.V(6).Infof("计划已被取消: runID=%s", run.ID)
		return nil
	}

	if runErr == nil {
		if err := s.transitionTo(ctx, run, statemachine.RunStatusSucceeded, ""); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) && s.isCanceled(ctx, run.ID) {
				klog.V(6).Infof("计划已被取消: runID=%s", run.ID)
				return nil
			}
			return err
		}
		s.publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventRunCompleted, RunID: run.ID, Calls: run.Calls, Total: run.TotalCalls})
		klog.V(6).Infof("计划生成完成: runID=%s, calls=%d", run.ID, run.Calls)
		return nil
	}

	stage := run.Cursor().Label()
	var stageErr *planner.StageError
	if errors.As(runErr, &stageErr) {
		stage = stageErr.Cursor.Label()
	}
	errMsg := fmt.Sprintf("阶段 %s 失败: %v", stage, runErr)
	if err := s.transitionTo(ctx, run, statemachine.RunStatusFailed, errMsg); err != nil {
		klog.Errorf("更新计划失败状态出错: runID=%s, err=%v", run.ID, err)
	}
	s.publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventStageFailed, RunID: run.ID, Stage: stage, Calls: run.Calls, Total: run.TotalCalls, Error: runErr.Error()})
	return runErr
}

func (s *PlanService) transitionTo(ctx context.Context, run *model.PlanRun, to statemachine.RunStatus, errMsg string) error {
	if err := s.runStateMachine.Transition(statemachine.RunStatus(run.Status), to, run.ID); err != nil {
		return err
	}
	if err := s.runRepo.UpdateStatusFrom(ctx, run.ID, run.Status, string(to), errMsg); err != nil {
		return fmt.Errorf("更新计划状态失败: %w", err)
	}
	run.Status = string(to)
	run.ErrorMsg = errMsg
	return nil
}

func (s *PlanService) isCanceled(ctx context.Context, runID string) bool {
	current, err := s.runRepo.Get(ctx, runID)
	return err == nil && statemachine.RunStatus(current.Status) == statemachine.RunStatusCanceled
}

// Resume 从失败或取消的阶段继续：failed/canceled -> pending -> queued
func (s *PlanService) Resume(ctx context.Context, runID string) (*model.PlanRun, error) {
	run, err := s.runRepo.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.runStateMachine.Transition(statemachine.RunStatus(run.Status), statemachine.RunStatusPending, runID); err != nil {
		return nil, fmt.Errorf("计划状态迁移失败: %w", err)
	}
	if err := s.runRepo.UpdateStatusFrom(ctx, runID, run.Status, string(statemachine.RunStatusPending), ""); err != nil {
		return nil, fmt.Errorf("更新计划状态失败: %w", err)
	}
	run.Status = string(statemachine.RunStatusPending)
	run.ErrorMsg = ""

	if err := s.enqueue(ctx, run); err != nil {
		return nil, err
	}
	klog.V(6).Infof("计划已恢复: runID=%s, stage=%s", runID, run.Cursor().Label())
	return run, nil
}

// Cancel 用户返回表单：标记取消、丢弃实时输出并中断正在进行的流读取
// 与调度器并发修改状态时重新读取后重试
func (s *PlanService) Cancel(ctx context.Context, runID string) error {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		run, err := s.runRepo.Get(ctx, runID)
		if err != nil {
			return err
		}
		err = s.cancel(ctx, run)
		if errors.Is(err, repository.ErrStatusConflict) {
			klog.V(6).Infof("取消时计划状态已变化，重试: runID=%s, attempt=%d", runID, attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("取消计划失败: %w", repository.ErrStatusConflict)
}

func (s *PlanService) cancel(ctx context.Context, run *model.PlanRun) error {
	runID := run.ID
	oldStatus := statemachine.RunStatus(run.Status)
	if oldStatus == statemachine.RunStatusCanceled {
		return nil
	}
	if err := s.runStateMachine.Transition(oldStatus, statemachine.RunStatusCanceled, runID); err != nil {
		return fmt.Errorf("计划状态迁移失败: %w", err)
	}
	if err := s.runRepo.UpdateStatusFrom(ctx, runID, string(oldStatus), string(statemachine.RunStatusCanceled), "用户取消"); err != nil {
		return err
	}
	s.discardSurface(runID)

	if oldStatus == statemachine.RunStatusRunning && s.queue != nil {
		if s.queue.CancelRun(runID) {
			klog.V(6).Infof("已中断运行中的计划: runID=%s", runID)
		} else {
			klog.Warningf("尝试取消运行中的计划，但编排器中未找到: runID=%s", runID)
		}
	}
	s.publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventRunCanceled, RunID: runID, Stage: run.Cursor().Label(), Calls: run.Calls, Total: run.TotalCalls})
	return nil
}

func (s *PlanService) Get(ctx context.Context, runID string) (*model.PlanRun, error) {
	return s.runRepo.Get(ctx, runID)
}

// Delete 删除未在排队或执行中的运行及其对话历史
func (s *PlanService) Delete(ctx context.Context, runID string) error {
	run, err := s.runRepo.Get(ctx, runID)
	if err != nil {
		return err
	}
	if statemachine.IsRunning(statemachine.RunStatus(run.Status)) {
		return ErrRunActive
	}
	if err := s.runRepo.Delete(ctx, runID); err != nil {
		return fmt.Errorf("删除计划失败: %w", err)
	}
	s.discardSurface(runID)
	klog.V(6).Infof("计划已删除: runID=%s", runID)
	return nil
}

// Preview 已渲染内容的 HTML 片段，执行中的运行取实时输出面
func (s *PlanService) Preview(ctx context.Context, runID string) (string, error) {
	run, err := s.runRepo.Get(ctx, runID)
	if err != nil {
		return "", err
	}

	s.liveMu.Lock()
	surface, ok := s.live[runID]
	s.liveMu.Unlock()
	if ok {
		return surface.HTML(), nil
	}

	surface = render.NewSurface()
	if err := surface.Render(ctx, run.Content); err != nil {
		return "", err
	}
	return surface.HTML(), nil
}

func (s *PlanService) List(ctx context.Context, limit int) ([]model.PlanRun, error) {
	return s.runRepo.List(ctx, limit)
}

// RecoverInterrupted 启动时将遗留的 queued/running 运行标记为失败，以便用户恢复
func (s *PlanService) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := s.runRepo.FailInterrupted(ctx, interruptedMsg)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		klog.V(6).Infof("启动时标记中断的计划: affected=%d", n)
	}
	return n, nil
}

// Watch 返回当前已渲染内容的快照并订阅后续事件
// 快照与订阅在同一把锁内完成，不会遗漏或重复渲染单元
func (s *PlanService) Watch(runID string, handler eventbus.PlanEventHandler) (string, func(), error) {
	run, err := s.runRepo.Get(context.Background(), runID)
	if err != nil {
		return "", nil, err
	}

	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	snapshot := run.Content
	if surface, ok := s.live[runID]; ok {
		snapshot = surface.Markdown()
	}
	unsubscribe := s.bus.SubscribeAll(func(ctx context.Context, event eventbus.PlanEvent) error {
		if event.RunID != runID {
			return nil
		}
		return handler(ctx, event)
	})
	return snapshot, unsubscribe, nil
}

// Subscribe 订阅某个运行的全部事件
func (s *PlanService) Subscribe(runID string, handler eventbus.PlanEventHandler) func() {
	return s.bus.SubscribeAll(func(ctx context.Context, event eventbus.PlanEvent) error {
		if event.RunID != runID {
			return nil
		}
		return handler(ctx, event)
	})
}

// openSurface 为运行创建实时输出面，已完成阶段的内容作为初始内容
func (s *PlanService) openSurface(run *model.PlanRun) *render.Surface {
	surface := render.NewSurface()
	if run.Content != "" {
		_ = surface.Render(context.Background(), run.Content)
	}
	s.liveMu.Lock()
	s.live[run.ID] = surface
	s.liveMu.Unlock()
	return surface
}

func (s *PlanService) closeSurface(runID string) {
	s.liveMu.Lock()
	delete(s.live, runID)
	s.liveMu.Unlock()
}

// discardSurface 清空并移除实时输出面，之后的快照只包含已持久化的阶段
func (s *PlanService) discardSurface(runID string) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if surface, ok := s.live[runID]; ok {
		surface.Reset()
		delete(s.live, runID)
	}
}

// liveRenderer 追加到实时输出面并发布渲染事件
func (s *PlanService) liveRenderer(run *model.PlanRun, surface *render.Surface) domain.Renderer {
	return domain.RendererFunc(func(ctx context.Context, unit string) error {
		s.liveMu.Lock()
		defer s.liveMu.Unlock()
		if err := surface.Render(ctx, unit); err != nil {
			return err
		}
		s.publishLocked(ctx, eventbus.PlanEvent{
			Type:  eventbus.PlanEventUnitRendered,
			RunID: run.ID,
			Stage: run.Cursor().Label(),
			Unit:  unit,
			Calls: run.Calls,
			Total: run.TotalCalls,
		})
		return nil
	})
}

func (s *PlanService) publish(ctx context.Context, event eventbus.PlanEvent) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.publishLocked(ctx, event)
}

func (s *PlanService) publishLocked(ctx context.Context, event eventbus.PlanEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		klog.Warningf("发布计划事件失败: runID=%s, type=%s, err=%v", event.RunID, event.Type, err)
	}
}

// runObserver 将阶段结果写回数据库
type runObserver struct {
	svc *PlanService
	run *model.PlanRun
}

func (o *runObserver) StageStarted(ctx context.Context, cursor statemachine.Cursor) {
	o.svc.publish(ctx, eventbus.PlanEvent{
		Type:  eventbus.PlanEventStageStarted,
		RunID: o.run.ID,
		Stage: cursor.Label(),
		Calls: o.run.Calls,
		Total: o.run.TotalCalls,
	})
}

func (o *runObserver) StageCompleted(ctx context.Context, result planner.StageResult) error {
	updated := *o.run
	updated.SetCursor(result.Next)
	updated.Calls = result.Call
	updated.Content = o.run.Content + result.Content
	if !strings.HasSuffix(updated.Content, "\n") {
		updated.Content += "\n"
	}

	turns := make([]model.PlanTurn, 0, len(result.Turns))
	for _, m := range result.Turns {
		turns = append(turns, model.PlanTurn{
			Role:      string(m.Role),
			Stage:     result.Cursor.Label(),
			Content:   m.Content,
			CreatedAt: time.Now(),
		})
	}
	if err := o.svc.runRepo.CompleteStage(ctx, &updated, turns); err != nil {
		return fmt.Errorf("保存阶段结果失败: %w", err)
	}
	*o.run = updated

	o.svc.publish(ctx, eventbus.PlanEvent{
		Type:  eventbus.PlanEventStageCompleted,
		RunID: o.run.ID,
		Stage: result.Cursor.Label(),
		Calls: o.run.Calls,
		Total: o.run.TotalCalls,
	})
	return nil
}

func (o *runObserver) StageFailed(ctx context.Context, cursor statemachine.Cursor, err error) {}

func toMessages(turns []model.PlanTurn) []*schema.Message {
	out := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, &schema.Message{Role: schema.RoleType(t.Role), Content: t.Content})
	}
	return out
}
