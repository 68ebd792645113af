package subscriber

import (
	"context"
	"testing"
	"time"

	"github.com/weibaohui/fitnessgpt/backend/internal/eventbus"
)

func TestPlanEventSubscriberTracksElapsed(t *testing.T) {
	bus := eventbus.NewPlanEventBus()
	s := NewPlanEventSubscriber()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }
	s.Register(bus)

	ctx := context.Background()
	if err := bus.Publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventStageStarted, RunID: "run-1", Stage: "introduction", Total: 12}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	current = base.Add(3 * time.Second)
	_ = bus.Publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventStageStarted, RunID: "run-1", Stage: "exercise-overview", Calls: 1, Total: 12})

	elapsed, ok := s.Elapsed("run-1")
	if !ok || elapsed != 3*time.Second {
		t.Fatalf("expected 3s elapsed from first stage, got %v %v", elapsed, ok)
	}

	_ = bus.Publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventRunCompleted, RunID: "run-1", Calls: 12, Total: 12})
	if _, ok := s.Elapsed("run-1"); ok {
		t.Fatal("finished run should be forgotten")
	}
}

func TestPlanEventSubscriberRejectsEmptyRunID(t *testing.T) {
	bus := eventbus.NewPlanEventBus()
	NewPlanEventSubscriber().Register(bus)

	if err := bus.Publish(context.Background(), eventbus.PlanEvent{Type: eventbus.PlanEventStageStarted}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestRegisterNilBus(t *testing.T) {
	NewPlanEventSubscriber().Register(nil)
}
