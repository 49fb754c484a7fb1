package observability

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronLogger adapts a zap logger to the cron.Logger interface so the poll
// trigger's recovered panics and skipped runs land in the service log.
type CronLogger struct {
	logger *zap.SugaredLogger
}

var _ cron.Logger = (*CronLogger)(nil)

func NewCronLogger(logger *zap.Logger) *CronLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CronLogger{logger: logger.Sugar()}
}

func (l *CronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
