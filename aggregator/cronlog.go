package aggregator

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's internal messages to slog. Routine scheduling chatter goes to debug.
type cronLogger struct {
	log *slog.Logger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
