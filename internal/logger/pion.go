package logger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// PionFactory adapts DefaultLogger to pion's logging.LoggerFactory.
// Pion scopes ("ice", "dtls", "pc", ...) become the "scope" attribute.
type PionFactory struct {
	// Base overrides DefaultLogger when set.
	Base *slog.Logger
}

// NewPionFactory returns a factory logging through DefaultLogger.
func NewPionFactory() *PionFactory {
	return &PionFactory{}
}

func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	base := f.Base
	if base == nil {
		base = DefaultLogger
	}
	return &pionLogger{l: base.With("component", "webrtc", "scope", scope)}
}

// pion's trace level is mapped below debug so it only shows with a custom handler level.
const levelTrace = slog.LevelDebug - 4

type pionLogger struct {
	l *slog.Logger
}

func (p *pionLogger) log(lvl slog.Level, msg string) {
	p.l.Log(context.Background(), lvl, msg)
}

func (p *pionLogger) Trace(msg string)                  { p.log(levelTrace, msg) }
func (p *pionLogger) Tracef(format string, args ...any) { p.log(levelTrace, fmt.Sprintf(format, args...)) }
func (p *pionLogger) Debug(msg string)                  { p.log(slog.LevelDebug, msg) }
func (p *pionLogger) Debugf(format string, args ...any) { p.log(slog.LevelDebug, fmt.Sprintf(format, args...)) }
func (p *pionLogger) Info(msg string)                   { p.log(slog.LevelInfo, msg) }
func (p *pionLogger) Infof(format string, args ...any)  { p.log(slog.LevelInfo, fmt.Sprintf(format, args...)) }
func (p *pionLogger) Warn(msg string)                   { p.log(slog.LevelWarn, msg) }
func (p *pionLogger) Warnf(format string, args ...any)  { p.log(slog.LevelWarn, fmt.Sprintf(format, args...)) }
func (p *pionLogger) Error(msg string)                  { p.log(slog.LevelError, msg) }
func (p *pionLogger) Errorf(format string, args ...any) { p.log(slog.LevelError, fmt.Sprintf(format, args...)) }
