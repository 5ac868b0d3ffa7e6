package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/engine"
	"github.com/goliatone/go-curd/logging"
	"github.com/goliatone/go-curd/normalize"
	"github.com/goliatone/go-curd/router"
)

// DefaultConfidenceThreshold is used when no threshold is configured.
const DefaultConfidenceThreshold = 0.6

// Executor dispatches interpretations to intent handlers.
type Executor struct {
	engine      *engine.Engine
	interpreter Interpreter
	mux         *router.Mux[Handler]
	logger      logging.Logger
	now         func() time.Time
	location    *time.Location
	threshold   float64
	autoAdvance bool
}

type Option func(*Executor)

func WithInterpreter(i Interpreter) Option {
	return func(x *Executor) {
		x.interpreter = i
	}
}

// WithConfidenceThreshold sets the minimum confidence below which no
// action is taken.
func WithConfidenceThreshold(t float64) Option {
	return func(x *Executor) {
		if t >= 0 && t <= 1 {
			x.threshold = t
		}
	}
}

// WithAutoAdvance makes log intents try an advance after a successful write.
func WithAutoAdvance(enabled bool) Option {
	return func(x *Executor) {
		x.autoAdvance = enabled
	}
}

func WithLogger(l logging.Logger) Option {
	return func(x *Executor) {
		x.logger = logging.Normalize(l)
	}
}

// WithClock sets the reference time for relative spoken times and dates.
func WithClock(now func() time.Time) Option {
	return func(x *Executor) {
		if now != nil {
			x.now = now
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(x *Executor) {
		if loc != nil {
			x.location = loc
		}
	}
}

// NewExecutor registers the built-in intent handlers.
func NewExecutor(e *engine.Engine, opts ...Option) (*Executor, error) {
	if e == nil {
		return nil, fmt.Errorf("voice executor requires an engine")
	}
	x := &Executor{
		engine:    e,
		mux:       router.NewMux[Handler](),
		logger:    logging.Nop{},
		now:       time.Now,
		location:  normalize.DefaultLocation,
		threshold: DefaultConfidenceThreshold,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(x)
		}
	}
	x.registerDefaults()
	return x, nil
}

// Register adds a handler for intent. Patterns such as "log_#" are
// matched when no exact registration exists.
func (x *Executor) Register(intent string, h Handler) router.Subscription {
	return x.mux.Add(intent, h)
}

// HandleText interprets text and handles the result.
func (x *Executor) HandleText(ctx context.Context, s Session, text string) Payload {
	if x.interpreter == nil {
		return failure(IntentUnknown, curd.Result{Code: CodeInterpreterFailed, Message: "no interpreter configured"})
	}
	in, err := x.interpreter.Interpret(ctx, text)
	if err != nil {
		x.logger.Warn("interpret %q failed: %v", text, err)
		return failure(IntentUnknown, curd.Result{Code: CodeInterpreterFailed, Message: err.Error()})
	}
	if in.Text == "" {
		in.Text = text
	}
	return x.Handle(ctx, s, in)
}

// Handle runs the handler of in.Intent. Unknown intents and low
// confidence produce a clarification payload without touching the batch.
func (x *Executor) Handle(ctx context.Context, s Session, in Interpretation) Payload {
	req := Request{Session: s, Interpretation: in}
	if err := curd.ValidateMessage(req); err != nil {
		return x.clarify(in)
	}
	if in.Intent == IntentUnknown || in.Confidence < x.threshold {
		return x.clarify(in)
	}
	handlers := x.mux.Get(in.Intent)
	if len(handlers) == 0 {
		return x.clarify(in)
	}

	x.log(s.BatchID).Debug("dispatching %s", curd.GetMessageType(req))
	p, err := x.call(ctx, handlers[0], req)
	if err != nil {
		return x.errorPayload(in.Intent, s.BatchID, err)
	}
	if p.Intent == "" {
		p.Intent = in.Intent
	}
	if p.BatchID == "" {
		p.BatchID = s.BatchID
	}
	return p
}

var errHandlerPanicked = errors.New("intent handler panicked", errors.CategoryInternal).
	WithTextCode(CodeHandlerPanicked)

func (x *Executor) call(ctx context.Context, h Handler, req Request) (p Payload, err error) {
	err = errHandlerPanicked
	defer curd.MakePanicHandler(x.logPanic)("voice."+req.Interpretation.Intent, map[string]any{
		"batch_id": req.Session.BatchID,
	})
	p, err = h.Query(ctx, req)
	return p, err
}

func (x *Executor) logPanic(funcName string, err any, stack []byte, fields ...map[string]any) {
	l := x.logger
	if len(fields) > 0 {
		l = logging.WithFields(l, fields[0])
	}
	l.Error("recovered from panic in %s: %v\n%s", funcName, err, stack)
}

func (x *Executor) clarify(in Interpretation) Payload {
	x.logger.Debug("clarification needed for intent %q at confidence %.2f", in.Intent, in.Confidence)
	p := failure(in.Intent, curd.Result{
		Code:    CodeNeedsClarification,
		Message: "utterance not understood",
	})
	if p.Intent == "" {
		p.Intent = IntentUnknown
	}
	p.NeedsClarification = true
	p.Suggestions = []string{IntentStatus, IntentAdvance, IntentInstructions, IntentHelp}
	return p
}

func (x *Executor) errorPayload(intent, batchID string, err error) Payload {
	res := curd.ResultOf(err)
	x.log(batchID).Debug("intent %s failed: %s", intent, res.Code)
	p := failure(intent, res)
	p.BatchID = batchID
	return p
}

func (x *Executor) log(batchID string) logging.Logger {
	return logging.WithFields(x.logger, map[string]any{"batch_id": batchID})
}

func failure(intent string, res curd.Result) Payload {
	res.Success = false
	return Payload{Intent: intent, Result: res}
}
