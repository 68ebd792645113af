package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/weibaohui/fitnessgpt/backend/internal/pkg/render"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/statemachine"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	ExportText     ExportFormat = "txt"
	ExportMarkdown ExportFormat = "md"
	ExportHTML     ExportFormat = "html"
)

var ErrPlanNotReady = errors.New("plan is not completed yet")

// ExportFile 导出的文件
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ParseExportFormat 解析导出格式，空值默认为纯文本
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", ExportText:
		return ExportText, nil
	case ExportMarkdown:
		return ExportMarkdown, nil
	case ExportHTML:
		return ExportHTML, nil
	}
	return "", fmt.Errorf("unsupported export format: %q", s)
}

// Export 导出已完成的计划
func (s *PlanService) Export(ctx context.Context, runID string, format ExportFormat) (*ExportFile, error) {
	run, err := s.runRepo.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if statemachine.RunStatus(run.Status) != statemachine.RunStatusSucceeded {
		return nil, ErrPlanNotReady
	}

	base := "fitness-plan-" + shortID(run.ID)
	switch format {
	case ExportHTML:
		doc, err := render.Document(fmt.Sprintf("%d-Week Fitness Plan", run.Timeframe), run.Content)
		if err != nil {
			return nil, err
		}
		return &ExportFile{Filename: base + ".html", ContentType: "text/html; charset=utf-8", Data: doc}, nil
	case ExportMarkdown:
		return &ExportFile{Filename: base + ".md", ContentType: "text/markdown; charset=utf-8", Data: []byte(run.Content)}, nil
	default:
		return &ExportFile{Filename: base + ".txt", ContentType: "text/plain; charset=utf-8", Data: []byte(run.Content)}, nil
	}
}

// ShareURL 生成预填内容的社交分享链接，包含固定话题标签与产品链接
func (s *PlanService) ShareURL(ctx context.Context, runID string) (string, error) {
	run, err := s.runRepo.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	if statemachine.RunStatus(run.Status) != statemachine.RunStatusSucceeded {
		return "", ErrPlanNotReady
	}
	return BuildShareURL(s.cfg.Share.IntentURL, s.cfg.Share.ProductURL, s.cfg.Share.Hashtags, run.Timeframe)
}

// BuildShareURL 拼接分享链接
func BuildShareURL(intentURL, productURL string, hashtags []string, weeks int) (string, error) {
	u, err := url.Parse(intentURL)
	if err != nil {
		return "", fmt.Errorf("invalid share intent url: %w", err)
	}
	q := u.Query()
	q.Set("text", fmt.Sprintf("I just got my personalized %d-week diet and exercise plan from FitnessGPT!", weeks))
	if productURL != "" {
		q.Set("url", productURL)
	}
	if len(hashtags) > 0 {
		q.Set("hashtags", strings.Join(hashtags, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
