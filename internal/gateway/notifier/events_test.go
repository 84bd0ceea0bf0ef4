package notifier

import (
	"sync"
	"testing"
	"time"

	"skipper/internal/orchestrator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (c *capturingNotifier) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *capturingNotifier) last() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return "", false
	}
	return c.sent[len(c.sent)-1], true
}

func TestEventSinkDeliversRenderedEvent(t *testing.T) {
	rec := &capturingNotifier{}
	sink := NewEventSink(rec)

	sink.Publish(orchestrator.Event{
		Kind:  "run_failed",
		RunID: "run-9",
		Stage: "train",
	})

	require.Eventually(t, func() bool {
		_, ok := rec.last()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	msg, _ := rec.last()
	assert.Contains(t, msg, "Run failed")
	assert.Contains(t, msg, "run: run-9")
	assert.Contains(t, msg, "stage: train")
}

func TestRenderEventUnknownKindFallsBack(t *testing.T) {
	msg := renderEvent(orchestrator.Event{Kind: "run_resumed", RunID: "run-1"})
	assert.Equal(t, "run_resumed", msg.Title)
}

func TestRenderMarkdownEscapesCodeFences(t *testing.T) {
	msg := StructuredMessage{
		Title: "Job exhausted retries",
		Lines: []string{"detail: payload ```injection```"},
	}
	body := msg.RenderMarkdown()
	assert.Contains(t, body, "'''injection'''")
}
