package domain

import (
	"context"
	"errors"
)

// Renderer 渲染输出面：每次追加一个完整的 markdown 渲染单元
type Renderer interface {
	Render(ctx context.Context, unit string) error
}

// RendererFunc 允许普通函数作为 Renderer 使用
type RendererFunc func(ctx context.Context, unit string) error

func (f RendererFunc) Render(ctx context.Context, unit string) error {
	return f(ctx, unit)
}

// 错误定义
var (
	ErrEmptyContent = errors.New("empty content")
	ErrNoCredential = errors.New("no api credential configured")
)
