// Package logging defines the logging contract shared by the engine and
// its collaborators, a go-logger backed implementation and a plain
// console fallback.
package logging

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// Logger is the runtime logging contract. Messages are printf templates.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger is implemented by loggers that carry structured fields.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// Field names that scope a console line to a batch and stage.
const (
	FieldBatchID = "batch_id"
	FieldStageID = "stage_id"
)

// Console writes one line per entry. Batch and stage fields lead the
// message so a single batch can be followed with grep:
//
//	2026-03-15T10:30:00Z INFO  [b-1 #3] advanced to Cottura to_stage=4
type Console struct {
	mu     *sync.Mutex
	out    io.Writer
	now    func() time.Time
	fields map[string]any
}

// NewConsole writes to stdout when out is nil.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{mu: &sync.Mutex{}, out: out, now: time.Now}
}

func (c *Console) Trace(msg string, args ...any) { c.write("TRACE", msg, args) }
func (c *Console) Debug(msg string, args ...any) { c.write("DEBUG", msg, args) }
func (c *Console) Info(msg string, args ...any)  { c.write("INFO", msg, args) }
func (c *Console) Warn(msg string, args ...any)  { c.write("WARN", msg, args) }
func (c *Console) Error(msg string, args ...any) { c.write("ERROR", msg, args) }
func (c *Console) Fatal(msg string, args ...any) { c.write("FATAL", msg, args) }

// WithContext is a no-op; the console has nothing to read from ctx.
func (c *Console) WithContext(context.Context) Logger {
	if c == nil {
		return NewConsole(nil)
	}
	return c
}

func (c *Console) WithFields(fields map[string]any) Logger {
	if c == nil {
		c = NewConsole(nil)
	}
	cp := *c
	cp.fields = maps.Clone(c.fields)
	if cp.fields == nil {
		cp.fields = make(map[string]any, len(fields))
	}
	maps.Copy(cp.fields, fields)
	return &cp
}

func (c *Console) write(level, msg string, args []any) {
	if c == nil {
		c = NewConsole(nil)
	}
	var b strings.Builder
	b.WriteString(c.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, " %-5s ", level)
	if scope := c.scope(); scope != "" {
		b.WriteString("[" + scope + "] ")
	}
	b.WriteString(strings.TrimSpace(sprintf(msg, args)))
	for _, k := range slices.Sorted(maps.Keys(c.fields)) {
		if k == FieldBatchID || k == FieldStageID {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, c.fields[k])
	}
	b.WriteByte('\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.out, b.String())
}

func (c *Console) scope() string {
	batchID, hasBatch := c.fields[FieldBatchID]
	stageID, hasStage := c.fields[FieldStageID]
	switch {
	case hasBatch && hasStage:
		return fmt.Sprintf("%v #%v", batchID, stageID)
	case hasBatch:
		return fmt.Sprint(batchID)
	case hasStage:
		return fmt.Sprintf("#%v", stageID)
	}
	return ""
}

func sprintf(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Normalize returns logger, or a stdout Console when it is nil.
func Normalize(logger Logger) Logger {
	if logger == nil {
		return NewConsole(nil)
	}
	return logger
}

// WithFields attaches fields when logger supports them.
func WithFields(logger Logger, fields map[string]any) Logger {
	logger = Normalize(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}

// Nop discards everything.
type Nop struct{}

func (Nop) Trace(string, ...any) {}
func (Nop) Debug(string, ...any) {}
func (Nop) Info(string, ...any)  {}
func (Nop) Warn(string, ...any)  {}
func (Nop) Error(string, ...any) {}
func (Nop) Fatal(string, ...any) {}

func (n Nop) WithContext(context.Context) Logger { return n }

func (n Nop) WithFields(map[string]any) Logger { return n }
