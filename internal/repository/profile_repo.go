package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weibaohui/fitnessgpt/backend/internal/model"
)

type profileRepository struct {
	db *gorm.DB
}

// NewProfileRepository 创建画像仓储
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

// Get 读取单个键，不存在时 ok 为 false
func (r *profileRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var entry model.ProfileEntry
	err := r.db.WithContext(ctx).Where("`key` = ?", key).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return entry.Value, true, nil
}

// Set 写入单个键（存在则覆盖）
func (r *profileRepository) Set(ctx context.Context, key, value string) error {
	return upsertEntry(r.db.WithContext(ctx), key, value)
}

func (r *profileRepository) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, value := range values {
			if err := upsertEntry(tx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertEntry(db *gorm.DB, key, value string) error {
	entry := model.ProfileEntry{Key: key, Value: value}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
}

func (r *profileRepository) All(ctx context.Context) (map[string]string, error) {
	var entries []model.ProfileEntry
	if err := r.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out, nil
}

func (r *profileRepository) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Where("`key` = ?", key).Delete(&model.ProfileEntry{}).Error
}

// Clear 清空全部缓存（包括 API Key）
func (r *profileRepository) Clear(ctx context.Context) error {
	return r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.ProfileEntry{}).Error
}
