// Package notify delivers notifications produced by notification steps.
// Delivery is best-effort: a failed send never fails the originating step.
package notify

import (
	"context"
	"log/slog"
)

// Notification is a rendered message ready for delivery on a channel.
type Notification struct {
	Channel    string         `json:"channel"`
	Recipients []string       `json:"recipients"`
	Subject    string         `json:"subject,omitempty"`
	Template   string         `json:"template,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Notifier sends a notification on its channel.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the
// default sink when no channel-specific notifier is registered.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, msg Notification) error {
	n.logger.InfoContext(ctx, "notification dispatched",
		"channel", msg.Channel,
		"recipients", msg.Recipients,
		"subject", msg.Subject,
		"template", msg.Template)
	return nil
}

// Registry routes notifications to channel-specific notifiers,
// falling back to a default notifier for unknown channels.
type Registry struct {
	channels map[string]Notifier
	fallback Notifier
}

func NewRegistry(fallback Notifier) *Registry {
	return &Registry{
		channels: make(map[string]Notifier),
		fallback: fallback,
	}
}

// Register binds a notifier to a channel name, replacing any previous binding.
func (r *Registry) Register(channel string, n Notifier) {
	r.channels[channel] = n
}

func (r *Registry) Send(ctx context.Context, msg Notification) error {
	if n, ok := r.channels[msg.Channel]; ok {
		return n.Send(ctx, msg)
	}
	return r.fallback.Send(ctx, msg)
}
