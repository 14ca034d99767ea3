package transform

import (
	"strings"

	"github.com/lk2023060901/llm-bridge/internal/ai/stream"
)

// ThinkMatcher 从文本流中提取内联推理标签包裹的内容。
// 标签只在流首窗口内识别：一旦确认流不是以 open tag 开头，
// 后续所有文本原样放行，不再缓冲。
type ThinkMatcher struct {
	openTag  string
	closeTag string
	position int // open tag 允许出现的最大起始偏移
	index    int // 已定性的字符数
	pending  string
	inside   bool
	noOpen   bool
}

// NewThinkMatcher 创建匹配器，tag 为空时使用 think
func NewThinkMatcher(tag string) *ThinkMatcher {
	if tag == "" {
		tag = "think"
	}
	return &ThinkMatcher{
		openTag:  "<" + tag + ">",
		closeTag: "</" + tag + ">",
	}
}

// Update 送入一段文本增量，返回已定性的块。
// 尚无法定性的前缀保留在内部缓冲，等待后续增量或 Final。
func (m *ThinkMatcher) Update(text string) []stream.Chunk {
	if text == "" {
		return nil
	}
	if m.noOpen && !m.inside {
		m.index += len(text)
		return []stream.Chunk{stream.TextChunk{Text: text}}
	}

	m.pending += text
	if m.inside {
		return m.drainInside()
	}
	return m.drainOutside()
}

// Final 流结束时冲刷缓冲。未闭合的推理内容按推理块放出，
// 不完整的 open tag 前缀按普通文本放出。
func (m *ThinkMatcher) Final() []stream.Chunk {
	out := m.pending
	m.pending = ""
	m.index += len(out)
	if out == "" {
		return nil
	}
	if m.inside {
		return []stream.Chunk{stream.ReasoningChunk{Text: out}}
	}
	return []stream.Chunk{stream.TextChunk{Text: out}}
}

func (m *ThinkMatcher) drainOutside() []stream.Chunk {
	if m.index <= m.position {
		if strings.HasPrefix(m.pending, m.openTag) {
			m.inside = true
			m.index += len(m.openTag)
			m.pending = m.pending[len(m.openTag):]
			return m.drainInside()
		}
		if len(m.pending) < len(m.openTag) && strings.HasPrefix(m.openTag, m.pending) {
			// 尚不能排除 open tag，继续缓冲
			return nil
		}
	}

	m.noOpen = true
	out := m.pending
	m.index += len(out)
	m.pending = ""
	if out == "" {
		return nil
	}
	return []stream.Chunk{stream.TextChunk{Text: out}}
}

func (m *ThinkMatcher) drainInside() []stream.Chunk {
	if idx := strings.Index(m.pending, m.closeTag); idx >= 0 {
		var chunks []stream.Chunk
		if idx > 0 {
			chunks = append(chunks, stream.ReasoningChunk{Text: m.pending[:idx]})
		}
		rest := m.pending[idx+len(m.closeTag):]
		m.index += len(m.pending)
		m.pending = ""
		m.inside = false
		m.noOpen = true
		if rest != "" {
			chunks = append(chunks, stream.TextChunk{Text: rest})
		}
		return chunks
	}

	// 末尾可能是 close tag 的前缀，留在缓冲里
	hold := m.closeTagSuffixLen()
	emit := m.pending[:len(m.pending)-hold]
	m.pending = m.pending[len(m.pending)-hold:]
	m.index += len(emit)
	if emit == "" {
		return nil
	}
	return []stream.Chunk{stream.ReasoningChunk{Text: emit}}
}

func (m *ThinkMatcher) closeTagSuffixLen() int {
	max := len(m.closeTag) - 1
	if max > len(m.pending) {
		max = len(m.pending)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(m.pending, m.closeTag[:l]) {
			return l
		}
	}
	return 0
}
