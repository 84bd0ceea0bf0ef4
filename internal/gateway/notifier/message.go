package notifier

import (
	"strings"
	"time"
)

const maxStructuredMessageLen = 3800

// StructuredMessage is the uniform push format: a headline plus detail
// lines rendered as one code block.
type StructuredMessage struct {
	Icon      string
	Title     string
	Lines     []string
	Timestamp time.Time
}

// RenderMarkdown produces the Markdown body, truncated to the
// transport's safe length.
func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	header := strings.TrimSpace(m.Icon + " " + m.Title)
	if header != "" {
		b.WriteString(header + "\n\n")
	}
	if lines := sanitizeLines(m.Lines); len(lines) > 0 {
		b.WriteString("```\n")
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(sanitize(line))
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("at " + m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxStructuredMessageLen {
		body = body[:maxStructuredMessageLen] + "..."
	}
	return body
}

func sanitizeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "```", "'''")
	return s
}
