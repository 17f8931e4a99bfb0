package notifications

import (
	"context"

	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/db"
)

// Message is a rendered email ready to be sent.
type Message struct {
	To          string
	Subject     string
	HTMLBody    string
	Attachments []db.Attachment
}

// Sender delivers emails. Failures are not retried by the caller.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// LogSender logs emails instead of sending them (for development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	s.logger.Info("logging email (development mode)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.HTMLBody)),
		zap.Int("attachments", len(msg.Attachments)),
	)
	return nil
}
