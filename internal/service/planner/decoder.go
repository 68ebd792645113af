package planner

import "strings"

// LineDecoder 将流式文本片段重新组装为整行
// 只输出以换行结尾的完整行，末尾不完整的一行留在缓冲区，避免渲染半截 markdown
type LineDecoder struct {
	buf strings.Builder
}

// NewLineDecoder 创建解码器
func NewLineDecoder() *LineDecoder {
	return &LineDecoder{}
}

// Feed 追加一个片段；若缓冲区中出现换行，返回所有完整行（包含最后一个换行符）
func (d *LineDecoder) Feed(fragment string) (string, bool) {
	if fragment == "" {
		return "", false
	}
	d.buf.WriteString(fragment)

	s := d.buf.String()
	idx := strings.LastIndexByte(s, '\n')
	if idx < 0 {
		return "", false
	}

	unit, tail := s[:idx+1], s[idx+1:]
	d.buf.Reset()
	d.buf.WriteString(tail)
	return unit, true
}

// Flush 取出剩余的不完整行并清空缓冲区
func (d *LineDecoder) Flush() (string, bool) {
	tail := d.buf.String()
	d.buf.Reset()
	return tail, tail != ""
}

// Reset 丢弃缓冲内容
func (d *LineDecoder) Reset() {
	d.buf.Reset()
}
