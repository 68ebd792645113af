package repository

import (
	"context"
	"errors"

	"github.com/weibaohui/fitnessgpt/backend/internal/model"
)

// ErrNotFound 记录不存在错误
var ErrNotFound = errors.New("record not found")

// ErrStatusConflict 状态已被其它写入方修改
var ErrStatusConflict = errors.New("run status changed concurrently")

// ProfileRepository 画像键值缓存，不做任何校验
type ProfileRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetMany 在一个事务中写入多个键
	SetMany(ctx context.Context, values map[string]string) error
	All(ctx context.Context) (map[string]string, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// PlanRunRepository 计划运行与对话历史
type PlanRunRepository interface {
	Create(ctx context.Context, run *model.PlanRun) error
	Get(ctx context.Context, id string) (*model.PlanRun, error)
	List(ctx context.Context, limit int) ([]model.PlanRun, error)
	// UpdateStatusFrom 仅当当前状态为 from 时写入 to，否则返回 ErrStatusConflict
	UpdateStatusFrom(ctx context.Context, id, from, to, errMsg string) error

	// CompleteStage 在一个事务中追加本阶段的历史并更新运行的游标与内容
	CompleteStage(ctx context.Context, run *model.PlanRun, turns []model.PlanTurn) error
	Turns(ctx context.Context, runID string) ([]model.PlanTurn, error)

	// FailInterrupted 将 queued/running 的运行标记为失败，用于进程重启后恢复
	FailInterrupted(ctx context.Context, reason string) (int64, error)
	Delete(ctx context.Context, id string) error
}
