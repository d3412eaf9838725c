package chunks

import (
	"fmt"
	"strings"
)

// SegmentConfig controls how extracted document text is split into chunks.
type SegmentConfig struct {
	// TargetSize is the character count at which a segment is closed.
	TargetSize int
	// MaxSize caps a segment; longer paragraphs are split at sentence boundaries.
	MaxSize int
	// MinSize merges a trailing short segment into its predecessor.
	MinSize int
}

// DefaultSegmentConfig returns defaults tuned for per-chunk analysis prompts.
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		TargetSize: 4000,
		MaxSize:    6000,
		MinSize:    500,
	}
}

// Segment is one piece of a segmented document.
type Segment struct {
	Title       string
	SourceRange string
	Content     string
}

// SegmentText splits text by paragraph into segments no longer than cfg.MaxSize.
func SegmentText(text string, cfg SegmentConfig) []Segment {
	if cfg.TargetSize <= 0 || cfg.MaxSize <= 0 {
		cfg = DefaultSegmentConfig()
	}
	if cfg.TargetSize > cfg.MaxSize {
		cfg.TargetSize = cfg.MaxSize
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	type piece struct {
		text  string
		index int
	}
	pieces := make([]piece, 0, len(paragraphs))
	for i, p := range paragraphs {
		if len(p) <= cfg.MaxSize {
			pieces = append(pieces, piece{text: p, index: i + 1})
			continue
		}
		for _, part := range splitSentences(p, cfg.MaxSize) {
			pieces = append(pieces, piece{text: part, index: i + 1})
		}
	}

	var out []Segment
	var buf []string
	size := 0
	first, last := 0, 0
	flush := func() {
		if len(buf) == 0 {
			return
		}
		content := strings.Join(buf, "\n\n")
		out = append(out, Segment{
			Title:       titleFor(content, len(out)+1),
			SourceRange: paragraphRange(first, last),
			Content:     content,
		})
		buf = buf[:0]
		size = 0
	}
	for _, p := range pieces {
		if size > 0 && size+len(p.text)+2 > cfg.MaxSize {
			flush()
		}
		if size == 0 {
			first = p.index
		}
		buf = append(buf, p.text)
		size += len(p.text) + 2
		last = p.index
		if size >= cfg.TargetSize {
			flush()
		}
	}
	flush()

	if n := len(out); n > 1 && len(out[n-1].Content) < cfg.MinSize &&
		len(out[n-2].Content)+len(out[n-1].Content)+2 <= cfg.MaxSize {
		prev := out[n-2]
		prev.Content += "\n\n" + out[n-1].Content
		prev.SourceRange = mergeRanges(prev.SourceRange, out[n-1].SourceRange)
		out = append(out[:n-2], prev)
	}
	return out
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitSentences(paragraph string, maxSize int) []string {
	var out []string
	var b strings.Builder
	for _, sentence := range strings.SplitAfter(paragraph, ". ") {
		if b.Len() > 0 && b.Len()+len(sentence) > maxSize {
			out = append(out, strings.TrimSpace(b.String()))
			b.Reset()
		}
		for len(sentence) > maxSize {
			out = append(out, strings.TrimSpace(sentence[:maxSize]))
			sentence = sentence[maxSize:]
		}
		b.WriteString(sentence)
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

func titleFor(content string, n int) string {
	line := strings.TrimSpace(strings.SplitN(content, "\n", 2)[0])
	line = strings.TrimLeft(line, "# ")
	const maxTitle = 80
	if line == "" {
		return fmt.Sprintf("Sezione %d", n)
	}
	if r := []rune(line); len(r) > maxTitle {
		return string(r[:maxTitle])
	}
	return line
}

func paragraphRange(first, last int) string {
	if first == last {
		return fmt.Sprintf("par. %d", first)
	}
	return fmt.Sprintf("par. %d-%d", first, last)
}

func mergeRanges(a, b string) string {
	start := strings.TrimPrefix(a, "par. ")
	if i := strings.Index(start, "-"); i >= 0 {
		start = start[:i]
	}
	end := strings.TrimPrefix(b, "par. ")
	if i := strings.LastIndex(end, "-"); i >= 0 {
		end = end[i+1:]
	}
	if start == end {
		return "par. " + start
	}
	return "par. " + start + "-" + end
}
