package render

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/glamour"
	"k8s.io/klog/v2"

	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
)

// Terminal 使用 glamour 将渲染单元输出到终端
type Terminal struct {
	out      io.Writer
	renderer *glamour.TermRenderer
}

var _ domain.Renderer = (*Terminal)(nil)

// NewTerminal 创建终端渲染器；style 为空时自动选择明暗主题
func NewTerminal(out io.Writer, style string, wordWrap int) (*Terminal, error) {
	if wordWrap <= 0 {
		wordWrap = 80
	}
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(wordWrap)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStylePath(style))
	}

	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, fmt.Errorf("create terminal renderer: %w", err)
	}
	return &Terminal{out: out, renderer: r}, nil
}

func (t *Terminal) Render(ctx context.Context, unit string) error {
	rendered, err := t.renderer.Render(unit)
	if err != nil {
		// 渲染失败时退回原文输出
		klog.Warningf("终端渲染失败，输出原文: %v", err)
		rendered = unit
	}
	_, err = io.WriteString(t.out, rendered)
	return err
}

// Tee 依次调用多个渲染器，任一失败即返回
func Tee(renderers ...domain.Renderer) domain.Renderer {
	return domain.RendererFunc(func(ctx context.Context, unit string) error {
		for _, r := range renderers {
			if r == nil {
				continue
			}
			if err := r.Render(ctx, unit); err != nil {
				return err
			}
		}
		return nil
	})
}
