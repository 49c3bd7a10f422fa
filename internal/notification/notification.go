package notification

import (
	"context"
	"log/slog"
)

const (
	// KindVerificationCode carries a one-time SMS verification code.
	KindVerificationCode = "verification_code"
)

// Message describes an outbound notification.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// NotifierFunc adapts a plain function into a Notifier.
type NotifierFunc func(ctx context.Context, message Message) error

// Send calls f.
func (f NotifierFunc) Send(ctx context.Context, message Message) error {
	return f(ctx, message)
}

// LoggerNotifier is the development SMS sink: it writes messages to the logger
// instead of a carrier.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("destination", Mask(message.Destination)),
		slog.String("body", message.Body),
	)
	return nil
}

// Mask hides all but the last four characters of a destination.
func Mask(destination string) string {
	if len(destination) <= 4 {
		return destination
	}
	masked := make([]byte, len(destination))
	for i := range destination {
		if i < len(destination)-4 && destination[i] != '+' {
			masked[i] = '*'
		} else {
			masked[i] = destination[i]
		}
	}
	return string(masked)
}
