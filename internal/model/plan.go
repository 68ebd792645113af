package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/weibaohui/fitnessgpt/backend/internal/service/statemachine"
)

// PlanRun 一次计划生成运行
type PlanRun struct {
	ID          string            `json:"id" gorm:"primaryKey;size:36"`
	Status      string            `json:"status" gorm:"size:50;default:pending;index"` // pending, queued, running, succeeded, failed, canceled
	Provider    string            `json:"provider" gorm:"size:50"`
	Stage       string            `json:"stage" gorm:"size:50"`
	Week        int               `json:"week" gorm:"default:1"`
	IntroGiven  bool              `json:"intro_given"`
	Timeframe   int               `json:"timeframe"`
	Calls       int               `json:"calls" gorm:"default:0"`
	TotalCalls  int               `json:"total_calls"`
	Profile     map[string]string `json:"profile,omitempty" gorm:"serializer:json;type:text"`
	Content     string            `json:"content,omitempty" gorm:"type:text"`
	ErrorMsg    string            `json:"error_msg" gorm:"size:1000"`
	StartedAt   *time.Time        `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Turns       []PlanTurn        `json:"turns,omitempty" gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

// TableName 指定表名
func (PlanRun) TableName() string {
	return "plan_runs"
}

// BeforeCreate GORM 钩子：未指定 ID 时生成 UUID
func (r *PlanRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Cursor 返回持久化的流水线游标
func (r *PlanRun) Cursor() statemachine.Cursor {
	return statemachine.Cursor{
		Stage:      statemachine.Stage(r.Stage),
		Week:       r.Week,
		IntroGiven: r.IntroGiven,
	}
}

// SetCursor 更新游标列
func (r *PlanRun) SetCursor(c statemachine.Cursor) {
	r.Stage = string(c.Stage)
	r.Week = c.Week
	r.IntroGiven = c.IntroGiven
}

// PlanTurn 持久化的对话历史，Seq 从 0 开始递增
type PlanTurn struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	RunID     string    `json:"run_id" gorm:"size:36;not null;uniqueIndex:idx_plan_turns_run_seq"`
	Seq       int       `json:"seq" gorm:"not null;uniqueIndex:idx_plan_turns_run_seq"`
	Role      string    `json:"role" gorm:"size:20;not null"`
	Stage     string    `json:"stage" gorm:"size:64"`
	Content   string    `json:"content" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定表名
func (PlanTurn) TableName() string {
	return "plan_turns"
}
