package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/weibaohui/fitnessgpt/backend/internal/model"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/statemachine"
)

type planRunRepository struct {
	db *gorm.DB
}

// NewPlanRunRepository 创建计划运行仓储
func NewPlanRunRepository(db *gorm.DB) PlanRunRepository {
	return &planRunRepository{db: db}
}

func (r *planRunRepository) Create(ctx context.Context, run *model.PlanRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// Get 获取运行（不含历史）
func (r *planRunRepository) Get(ctx context.Context, id string) (*model.PlanRun, error) {
	var run model.PlanRun
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

// List 按创建时间倒序列出运行，列表不返回正文
func (r *planRunRepository) List(ctx context.Context, limit int) ([]model.PlanRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []model.PlanRun
	err := r.db.WithContext(ctx).
		Omit("content", "profile").
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// UpdateStatusFrom 以 status = from 为条件更新状态与错误信息，并维护开始/结束时间
func (r *planRunRepository) UpdateStatusFrom(ctx context.Context, id, from, to, errMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":    to,
		"error_msg": errMsg,
	}
	switch statemachine.RunStatus(to) {
	case statemachine.RunStatusRunning:
		updates["started_at"] = &now
		updates["completed_at"] = nil
	case statemachine.RunStatusSucceeded, statemachine.RunStatusFailed, statemachine.RunStatusCanceled:
		updates["completed_at"] = &now
	}

	result := r.db.WithContext(ctx).Model(&model.PlanRun{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&model.PlanRun{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (r *planRunRepository) CompleteStage(ctx context.Context, run *model.PlanRun, turns []model.PlanTurn) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next int64
		if err := tx.Model(&model.PlanTurn{}).Where("run_id = ?", run.ID).Count(&next).Error; err != nil {
			return err
		}
		for i := range turns {
			turns[i].ID = 0
			turns[i].RunID = run.ID
			turns[i].Seq = int(next) + i
		}
		if len(turns) > 0 {
			if err := tx.Create(&turns).Error; err != nil {
				return err
			}
		}
		return tx.Model(&model.PlanRun{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
			"stage":       run.Stage,
			"week":        run.Week,
			"intro_given": run.IntroGiven,
			"calls":       run.Calls,
			"content":     run.Content,
		}).Error
	})
}

// Turns 按顺序返回运行的历史
func (r *planRunRepository) Turns(ctx context.Context, runID string) ([]model.PlanTurn, error) {
	var turns []model.PlanTurn
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("seq ASC").Find(&turns).Error
	return turns, err
}

func (r *planRunRepository) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&model.PlanRun{}).
		Where("status IN ?", []string{string(statemachine.RunStatusQueued), string(statemachine.RunStatusRunning)}).
		Updates(map[string]interface{}{
			"status":       string(statemachine.RunStatusFailed),
			"error_msg":    reason,
			"completed_at": &now,
		})
	return result.RowsAffected, result.Error
}

func (r *planRunRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", id).Delete(&model.PlanTurn{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.PlanRun{}).Error
	})
}
