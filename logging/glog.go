package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/goliatone/go-logger/glog"
)

// Config selects the go-logger output.
type Config struct {
	Level  string
	Format string // "json" or "console"
	Writer io.Writer
}

// New builds a go-logger backed Logger.
func New(cfg Config) Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stderr
	}
	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "" {
		level = "info"
	}
	opts := []glog.Option{glog.WithWriter(out), glog.WithLevel(level)}
	if strings.EqualFold(cfg.Format, "json") {
		opts = append(opts, glog.WithLoggerTypeJSON())
	}
	return Wrap(glog.NewLogger(opts...))
}

// Wrap adapts a glog.Logger. glog reads trailing args as key/value
// attributes, so messages are formatted here and structured data only
// travels through WithFields.
func Wrap(l glog.Logger) Logger {
	if l == nil {
		return NewConsole(nil)
	}
	return glogAdapter{logger: l}
}

type glogAdapter struct {
	logger glog.Logger
}

func (l glogAdapter) Trace(msg string, args ...any) { l.logger.Trace(sprintf(msg, args)) }
func (l glogAdapter) Debug(msg string, args ...any) { l.logger.Debug(sprintf(msg, args)) }
func (l glogAdapter) Info(msg string, args ...any)  { l.logger.Info(sprintf(msg, args)) }
func (l glogAdapter) Warn(msg string, args ...any)  { l.logger.Warn(sprintf(msg, args)) }
func (l glogAdapter) Error(msg string, args ...any) { l.logger.Error(sprintf(msg, args)) }
func (l glogAdapter) Fatal(msg string, args ...any) { l.logger.Fatal(sprintf(msg, args)) }

func (l glogAdapter) WithContext(ctx context.Context) Logger {
	return glogAdapter{logger: l.logger.WithContext(ctx)}
}

func (l glogAdapter) WithFields(fields map[string]any) Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogAdapter{logger: fl.WithFields(fields)}
	}
	return l
}
