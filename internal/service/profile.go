package service

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/weibaohui/fitnessgpt/backend/config"
	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
	"github.com/weibaohui/fitnessgpt/backend/internal/model"
	"github.com/weibaohui/fitnessgpt/backend/internal/repository"
)

type ProfileService struct {
	cfg  *config.Config
	repo repository.ProfileRepository
}

func NewProfileService(cfg *config.Config, repo repository.ProfileRepository) *ProfileService {
	return &ProfileService{cfg: cfg, repo: repo}
}

// FormSchema 返回表单字段定义
func (s *ProfileService) FormSchema() []domain.FormField {
	return domain.FormFields
}

// Load 读取已缓存的表单取值（不含 API Key），用于预填表单
func (s *ProfileService) Load(ctx context.Context) (domain.Values, error) {
	all, err := s.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取画像失败: %w", err)
	}
	values := make(domain.Values, len(all))
	for k, v := range all {
		if k == domain.CredentialKey {
			continue
		}
		values[k] = v
	}
	return values, nil
}

// Save 写入表单取值；只保存已知字段，未知键记录日志后忽略
// 与浏览器端缓存一致，这里不做校验
func (s *ProfileService) Save(ctx context.Context, values domain.Values) error {
	toSave := make(map[string]string, len(values))
	for k, v := range values {
		if !domain.IsKnownKey(k) {
			klog.Warningf("忽略未知画像字段: %s", k)
			continue
		}
		if k == domain.CredentialKey {
			if err := s.SetCredential(ctx, v); err != nil {
				return err
			}
			continue
		}
		toSave[k] = strings.TrimSpace(v)
	}
	if err := s.repo.SetMany(ctx, toSave); err != nil {
		return fmt.Errorf("保存画像失败: %w", err)
	}
	klog.V(6).Infof("画像已保存: fields=%d", len(toSave))
	return nil
}

// Profile 读取并校验画像
func (s *ProfileService) Profile(ctx context.Context) (*domain.Profile, error) {
	values, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return domain.ParseProfile(values)
}

// SetCredential 保存用户输入的 API Key，空值表示删除
func (s *ProfileService) SetCredential(ctx context.Context, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return s.repo.Delete(ctx, domain.CredentialKey)
	}
	if err := s.repo.Set(ctx, domain.CredentialKey, apiKey); err != nil {
		return fmt.Errorf("保存 API Key 失败: %w", err)
	}
	klog.V(6).Infof("API Key 已保存: %s", model.MaskSecret(apiKey))
	return nil
}

// Credential 返回生效的 API Key：用户输入优先，其次是配置中的默认值
func (s *ProfileService) Credential(ctx context.Context) (string, error) {
	stored, ok, err := s.repo.Get(ctx, domain.CredentialKey)
	if err != nil {
		return "", err
	}
	if ok && strings.TrimSpace(stored) != "" {
		return strings.TrimSpace(stored), nil
	}
	if s.cfg != nil && strings.TrimSpace(s.cfg.LLM.APIKey) != "" {
		return strings.TrimSpace(s.cfg.LLM.APIKey), nil
	}
	return "", domain.ErrNoCredential
}

// MaskedCredential 脱敏后的 API Key，未配置时为空
func (s *ProfileService) MaskedCredential(ctx context.Context) string {
	key, err := s.Credential(ctx)
	if err != nil {
		return ""
	}
	return model.MaskSecret(key)
}

// Clear 清空画像与 API Key
func (s *ProfileService) Clear(ctx context.Context) error {
	if err := s.repo.Clear(ctx); err != nil {
		return fmt.Errorf("清空画像失败: %w", err)
	}
	klog.V(6).Infof("画像已清空")
	return nil
}
