package notifier

// TextNotifier is a minimal text notification interface. It is
// intentionally small so components can depend on it without importing
// concrete implementations (e.g. Telegram).
type TextNotifier interface {
	SendText(text string) error
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) SendText(string) error { return nil }
