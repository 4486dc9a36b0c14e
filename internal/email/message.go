package email

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"
)

// Message is a single outbound HTML email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// CodeMessage builds the passcode email for addr.
func CodeMessage(addr, code string, expiry time.Duration) Message {
	return Message{
		To:      addr,
		Subject: "Your Verification OTP",
		HTML: fmt.Sprintf(
			`<p><strong>Your OTP is: %s</strong></p><p>It expires in %d minutes.</p>`,
			html.EscapeString(code), int(expiry.Minutes()),
		),
	}
}

// LogSender writes messages to the logger instead of delivering them.
// Intended for local development only.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("email not delivered (log provider)", "to", msg.To, "subject", msg.Subject)
	return nil
}
