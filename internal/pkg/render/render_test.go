package render

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
)

func TestSurfaceAppendsUnits(t *testing.T) {
	s := NewSurface()
	ctx := context.Background()

	require.NoError(t, s.Render(ctx, "## Exercise Plan\n"))
	require.NoError(t, s.Render(ctx, "- **Squats** 3x10\n"))
	require.NoError(t, s.Render(ctx, ""))

	assert.Equal(t, "## Exercise Plan\n- **Squats** 3x10\n", s.Markdown())
	assert.Contains(t, s.HTML(), "<h2>Exercise Plan</h2>")
	assert.Contains(t, s.HTML(), "<strong>Squats</strong>")
	assert.Equal(t, 2, s.Units())

	s.Reset()
	assert.Empty(t, s.Markdown())
	assert.Empty(t, s.HTML())
	assert.Equal(t, 0, s.Units())
}

func TestDocumentRendersTables(t *testing.T) {
	doc, err := Document("Plan <1>", "| Day | Focus |\n|-----|-------|\n| 1 | Legs |\n")
	require.NoError(t, err)

	out := string(doc)
	assert.Contains(t, out, "<title>Plan &lt;1&gt;</title>")
	assert.Contains(t, out, "<table>")
	assert.Contains(t, out, "<td>Legs</td>")
}

func TestTerminalWritesRenderedOutput(t *testing.T) {
	var buf bytes.Buffer
	term, err := NewTerminal(&buf, "notty", 60)
	require.NoError(t, err)

	require.NoError(t, term.Render(context.Background(), "# Week 1\n"))
	assert.Contains(t, buf.String(), "Week 1")
}

func TestTeeStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	var seen []string
	first := domain.RendererFunc(func(ctx context.Context, unit string) error {
		seen = append(seen, "first:"+unit)
		return nil
	})
	failing := domain.RendererFunc(func(ctx context.Context, unit string) error {
		return boom
	})
	last := domain.RendererFunc(func(ctx context.Context, unit string) error {
		seen = append(seen, "last:"+unit)
		return nil
	})

	err := Tee(first, nil, failing, last).Render(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first:x"}, seen)
}
