package notify

import (
	"context"
	"log/slog"
)

// Log writes notifications to the logger instead of delivering them.
type Log struct {
	logger *slog.Logger
}

var _ Notifier = (*Log)(nil)

// NewLog creates a logging notifier.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) PaymentCredited(_ context.Context, userID string, units, balance int64) error {
	text, err := renderCredited(units, balance)
	if err != nil {
		return err
	}
	l.logger.Info("notification", "user_id", userID, "text", text)
	return nil
}

func (l *Log) AnswerPreCheckout(_ context.Context, queryID, errMessage string) error {
	l.logger.Info("pre-checkout answered", "query_id", queryID, "ok", errMessage == "", "error_message", errMessage)
	return nil
}
