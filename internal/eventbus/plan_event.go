package eventbus

type PlanEventType string

const (
	PlanEventStageStarted   PlanEventType = "StageStarted"
	PlanEventUnitRendered   PlanEventType = "UnitRendered"
	PlanEventStageCompleted PlanEventType = "StageCompleted"
	PlanEventStageFailed    PlanEventType = "StageFailed"
	PlanEventRunCompleted   PlanEventType = "RunCompleted"
	PlanEventRunCanceled    PlanEventType = "RunCanceled"
)

type PlanEvent struct {
	Type  PlanEventType `json:"type"`
	RunID string        `json:"run_id"`
	Stage string        `json:"stage,omitempty"` // 子阶段名，如 exercise-week2
	Unit  string        `json:"unit,omitempty"`  // 渲染单元
	Calls int           `json:"calls"`
	Total int           `json:"total"`
	Error string        `json:"error,omitempty"`
}

func (e PlanEvent) EventType() PlanEventType {
	return e.Type
}

// Terminal 事件之后该运行不会再有后续事件（除非被恢复）
func (e PlanEvent) Terminal() bool {
	switch e.Type {
	case PlanEventRunCompleted, PlanEventRunCanceled, PlanEventStageFailed:
		return true
	}
	return false
}

type PlanEventHandler = Handler[PlanEvent]
type PlanEventBus = Bus[PlanEventType, PlanEvent]

func NewPlanEventBus() *PlanEventBus {
	return NewBus[PlanEventType, PlanEvent]()
}
