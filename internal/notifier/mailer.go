package notifier

import (
	"context"

	"shop-core/internal/util"

	"go.uber.org/zap"
)

// Mailer delivers buyer-facing email. Failures are logged by callers and
// never block the transaction that triggered them.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer is the default delivery path when no SMTP relay is configured:
// it records the message and succeeds.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a log-only mailer
func NewLogMailer() *LogMailer {
	return &LogMailer{logger: util.GetLogger()}
}

func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.logger.Info("Email queued",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_len", len(body)))
	return nil
}
