package sql

import (
	"strings"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Option configures a Store.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sends migration progress to l instead of discarding it.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// gooseLogger adapts a zap logger to goose.Logger.
type gooseLogger struct {
	log *zap.SugaredLogger
}

var _ goose.Logger = gooseLogger{}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.log.Infof(strings.TrimSuffix(format, "\n"), v...)
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.log.Fatalf(strings.TrimSuffix(format, "\n"), v...)
}

func migrationLogger(l *zap.Logger) goose.Logger {
	if l == nil {
		return goose.NopLogger()
	}
	return gooseLogger{log: l.Sugar()}
}
