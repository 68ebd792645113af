package render

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
)

// Surface 追加式输出面
// 保存 markdown 原文，并把每个渲染单元单独转换为 HTML 追加
type Surface struct {
	mu       sync.Mutex
	md       goldmark.Markdown
	markdown strings.Builder
	html     bytes.Buffer
	units    int
}

var _ domain.Renderer = (*Surface)(nil)

// NewSurface 创建支持 GFM 表格的输出面
func NewSurface() *Surface {
	return &Surface{md: newMarkdown()}
}

func newMarkdown() goldmark.Markdown {
	return goldmark.New(goldmark.WithExtensions(extension.GFM))
}

// Render 追加一个渲染单元
func (s *Surface) Render(ctx context.Context, unit string) error {
	if unit == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.md.Convert([]byte(unit), &s.html); err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	s.markdown.WriteString(unit)
	s.units++
	return nil
}

// Markdown 已渲染内容的 markdown 原文，用于纯文本导出
func (s *Surface) Markdown() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markdown.String()
}

// HTML 逐单元渲染得到的 HTML 片段
func (s *Surface) HTML() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.html.String()
}

// Units 已追加的渲染单元数
func (s *Surface) Units() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units
}

// Reset 丢弃当前输出面内容（返回表单重新生成时使用）
func (s *Surface) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markdown.Reset()
	s.html.Reset()
	s.units = 0
}

// Document 将完整 markdown 一次性渲染为独立 HTML 页面
// 跨单元的表格在这里才能完整渲染
func Document(title, markdown string) ([]byte, error) {
	var body bytes.Buffer
	if err := newMarkdown().Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&buf, "<title>%s</title>\n", html.EscapeString(title))
	buf.WriteString("</head>\n<body>\n")
	buf.Write(body.Bytes())
	buf.WriteString("</body>\n</html>\n")
	return buf.Bytes(), nil
}
