package notifier

import (
	"time"

	"skipper/internal/logger"
	"skipper/internal/orchestrator"
)

// EventSink formats run/job milestones and pushes them through a
// TextNotifier. Publishing never blocks the orchestrator: delivery
// happens on a separate goroutine and failures are only logged.
type EventSink struct {
	notifier TextNotifier
}

func NewEventSink(n TextNotifier) *EventSink {
	if n == nil {
		n = Nop{}
	}
	return &EventSink{notifier: n}
}

func (s *EventSink) Publish(evt orchestrator.Event) {
	msg := renderEvent(evt)
	go func() {
		if err := s.notifier.SendText(msg.RenderMarkdown()); err != nil {
			logger.Warnf("notifier: pushing %s for run %s failed: %v", evt.Kind, evt.RunID, err)
		}
	}()
}

func renderEvent(evt orchestrator.Event) StructuredMessage {
	msg := StructuredMessage{Timestamp: time.Now()}
	lines := []string{"run: " + evt.RunID}
	if evt.Stage != "" {
		lines = append(lines, "stage: "+string(evt.Stage))
	}
	if evt.JobID != "" {
		lines = append(lines, "job: "+evt.JobID)
	}
	if evt.Message != "" {
		lines = append(lines, "detail: "+evt.Message)
	}

	switch evt.Kind {
	case "run_completed":
		msg.Icon = "✅"
		msg.Title = "Run completed"
	case "run_failed":
		msg.Icon = "❌"
		msg.Title = "Run failed"
	case "run_cancelled":
		msg.Icon = "🛑"
		msg.Title = "Run cancelled"
	case "job_failed":
		msg.Icon = "⚠️"
		msg.Title = "Job exhausted retries"
	default:
		msg.Icon = "ℹ️"
		msg.Title = evt.Kind
	}
	msg.Lines = lines
	return msg
}
