package channel

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

type zapWaLogger struct {
	logger *zap.SugaredLogger
}

// NewWaLogger bridges the whatsmeow logger interface onto zap.
func NewWaLogger(logger *zap.Logger, module string) waLog.Logger {
	return &zapWaLogger{logger: logger.Named(module).Sugar()}
}

func (l *zapWaLogger) Warnf(msg string, args ...interface{})  { l.logger.Warnf(msg, args...) }
func (l *zapWaLogger) Errorf(msg string, args ...interface{}) { l.logger.Errorf(msg, args...) }
func (l *zapWaLogger) Infof(msg string, args ...interface{})  { l.logger.Infof(msg, args...) }
func (l *zapWaLogger) Debugf(msg string, args ...interface{}) { l.logger.Debugf(msg, args...) }

func (l *zapWaLogger) Sub(module string) waLog.Logger {
	return &zapWaLogger{logger: l.logger.Named(fmt.Sprint(module))}
}
