package subscriber

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/weibaohui/fitnessgpt/backend/internal/eventbus"
)

// PlanEventSubscriber 记录计划运行的阶段进度与耗时
type PlanEventSubscriber struct {
	mu      sync.Mutex
	started map[string]time.Time
	now     func() time.Time
}

func NewPlanEventSubscriber() *PlanEventSubscriber {
	return &PlanEventSubscriber{
		started: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *PlanEventSubscriber) Register(bus *eventbus.PlanEventBus) {
	if bus == nil {
		return
	}
	bus.Subscribe(eventbus.PlanEventStageStarted, s.handleStageStarted)
	bus.Subscribe(eventbus.PlanEventStageCompleted, s.handleStageCompleted)
	bus.Subscribe(eventbus.PlanEventStageFailed, s.handleFinished)
	bus.Subscribe(eventbus.PlanEventRunCompleted, s.handleFinished)
	bus.Subscribe(eventbus.PlanEventRunCanceled, s.handleFinished)
}

// Elapsed 返回运行从首个阶段开始至今的耗时，未在运行时返回 false
func (s *PlanEventSubscriber) Elapsed(runID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.started[runID]
	if !ok {
		return 0, false
	}
	return s.now().Sub(start), true
}

func (s *PlanEventSubscriber) handleStageStarted(ctx context.Context, event eventbus.PlanEvent) error {
	if event.RunID == "" {
		return fmt.Errorf("运行ID为空")
	}
	s.mu.Lock()
	if _, ok := s.started[event.RunID]; !ok {
		s.started[event.RunID] = s.now()
	}
	s.mu.Unlock()
	klog.V(6).Infof("计划阶段开始: runID=%s, stage=%s, progress=%d/%d", event.RunID, event.Stage, event.Calls, event.Total)
	return nil
}

func (s *PlanEventSubscriber) handleStageCompleted(ctx context.Context, event eventbus.PlanEvent) error {
	klog.V(6).Infof("计划阶段完成: runID=%s, stage=%s, progress=%d/%d", event.RunID, event.Stage, event.Calls, event.Total)
	return nil
}

func (s *PlanEventSubscriber) handleFinished(ctx context.Context, event eventbus.PlanEvent) error {
	elapsed, _ := s.Elapsed(event.RunID)
	s.mu.Lock()
	delete(s.started, event.RunID)
	s.mu.Unlock()

	switch event.Type {
	case eventbus.PlanEventRunCompleted:
		klog.V(6).Infof("计划运行完成: runID=%s, calls=%d, elapsed=%v", event.RunID, event.Calls, elapsed)
	case eventbus.PlanEventRunCanceled:
		klog.V(6).Infof("计划运行已取消: runID=%s, stage=%s, elapsed=%v", event.RunID, event.Stage, elapsed)
	default:
		klog.Warningf("计划运行失败: runID=%s, stage=%s, calls=%d/%d, error=%s", event.RunID, event.Stage, event.Calls, event.Total, event.Error)
	}
	return nil
}
