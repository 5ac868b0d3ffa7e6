// Package cron runs recurring housekeeping jobs on robfig/cron. Jobs go
// through a runner.Handler so each run gets retries and a timeout, and a
// failed run never removes the job from the schedule.
package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-curd/runner"
)

// Logger is the slice of logging.Logger the scheduler writes to.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Job is the unit of work a schedule runs. ctx is cancelled on Stop.
type Job func(ctx context.Context) error

// JobConfig controls how a job is scheduled and retried.
type JobConfig struct {
	Name       string
	Expression string
	MaxRetries int
	Timeout    time.Duration
}

// Five field expressions plus descriptors such as @daily and @every 1h.
var parser = rcron.NewParser(rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Validate reports whether expr is a schedule the scheduler accepts.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Scheduler owns a robfig cron instance and the entries added to it.
type Scheduler struct {
	mu       sync.Mutex
	cron     *rcron.Cron
	location *time.Location
	logger   Logger
	onError  func(error)
	verbose  bool

	ctx     context.Context
	cancel  context.CancelFunc
	entries map[rcron.EntryID]*Entry
}

type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithLogger(l Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithErrorHandler is called once per failed run, after retries.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Scheduler) {
		s.onError = fn
	}
}

// WithVerbose forwards robfig/cron scheduling chatter to the logger.
func WithVerbose(verbose bool) Option {
	return func(s *Scheduler) {
		s.verbose = verbose
	}
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		logger:   nopLogger{},
		entries:  make(map[rcron.EntryID]*Entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	clog := &cronLogger{logger: s.logger, verbose: s.verbose}
	s.cron = rcron.New(
		rcron.WithLocation(s.location),
		rcron.WithParser(parser),
		rcron.WithLogger(clog),
		rcron.WithChain(rcron.Recover(clog), rcron.SkipIfStillRunning(clog)),
	)
	return s
}

// ScheduleCron adds a recurring job. The job only fires once Start was
// called.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job Job) (*Entry, error) {
	if job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}
	if err := Validate(cfg.Expression); err != nil {
		return nil, err
	}
	schedule, _ := parser.Parse(cfg.Expression)

	h := runner.NewHandler(
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithTimeout(cfg.Timeout),
		runner.WithLogger(s.logger),
	)
	e := &Entry{
		scheduler:  s,
		schedule:   schedule,
		name:       cfg.Name,
		expression: cfg.Expression,
		status:     StatusScheduled,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.id = s.cron.Schedule(schedule, rcron.FuncJob(func() { s.execute(e, h, job) }))
	s.entries[e.id] = e
	return e, nil
}

func (s *Scheduler) execute(e *Entry, h *runner.Handler, job Job) {
	if !e.begin() {
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	err := h.Run(ctx, job)
	e.finish(err, time.Now().In(s.location))
	if err == nil {
		return
	}
	s.logger.Error("cron job %s failed: %v", e.label(), err)
	if s.onError != nil {
		s.onError(err)
	}
}

// Start begins firing entries. Jobs run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	return nil
}

// Stop cancels running jobs, waits for them until ctx is done and marks
// every entry stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.cancel()
	entries := s.entries
	s.entries = make(map[rcron.EntryID]*Entry)
	s.mu.Unlock()

	var err error
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		err = ctx.Err()
	}
	for id, e := range entries {
		s.cron.Remove(id)
		e.terminate(StatusStopped)
	}
	return err
}

// Entries returns the live entries ordered by id.
func (s *Scheduler) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.cron.Entries() {
		if entry, ok := s.entries[e.ID]; ok {
			out = append(out, entry)
		}
	}
	return out
}

func (s *Scheduler) remove(id rcron.EntryID) {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		s.cron.Remove(id)
	}
}

// cronLogger adapts Logger to robfig/cron's key/value logger.
type cronLogger struct {
	logger  Logger
	verbose bool
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	if l.verbose {
		l.logger.Info("cron: %s", withPairs(msg, keysAndValues))
	}
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	line := withPairs(msg, keysAndValues)
	if err != nil {
		line = fmt.Sprintf("%s: %v", line, err)
	}
	l.logger.Error("cron: %s", line)
}

func withPairs(msg string, keysAndValues []any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return b.String()
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
