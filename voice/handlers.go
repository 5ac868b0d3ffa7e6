package voice

import (
	"context"
	"sort"
	"strings"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/engine"
	"github.com/goliatone/go-curd/normalize"
)

func (x *Executor) registerDefaults() {
	handlers := map[string]func(context.Context, Request) (Payload, error){
		IntentStatus:         x.status,
		IntentStartBatch:     x.startBatch,
		IntentAdvance:        x.advance,
		IntentLogPH:          x.logPH,
		IntentLogTemperature: x.logTemperature,
		IntentLogTime:        x.logTime,
		IntentLogDate:        x.logDate,
		IntentLogValue:       x.logValue,
		"log_#":              x.logNamedValue,
		IntentPause:          x.pause,
		IntentResume:         x.resume,
		IntentInstructions:   x.instructions,
		IntentHelp:           x.help,
		IntentGoodbye:        x.goodbye,
		IntentTimer:          x.timer,
		IntentQueryInput:     x.queryInput,
	}
	for intent, fn := range handlers {
		x.Register(intent, HandlerFunc(fn))
	}
}

func (x *Executor) status(ctx context.Context, req Request) (Payload, error) {
	snap, err := x.engine.Status(ctx, req.Session.BatchID)
	if err != nil {
		return Payload{}, err
	}
	p := success(req, nil)
	fill(&p, snap)
	return p, nil
}

func (x *Executor) startBatch(ctx context.Context, req Request) (Payload, error) {
	in := req.Interpretation
	start := engine.StartRequest{Alerts: req.Session.Alerts}
	start.RecipeID, _ = in.Entity("recipe", "cheese")
	start.Volume = reading(in, normalize.Volume, "volume", "liters")
	start.Temperature = reading(in, normalize.Temperature, "temperature")
	start.PH = reading(in, normalize.PH, "ph")

	res, err := x.engine.Start(ctx, start)
	if err != nil {
		return Payload{}, err
	}
	p := success(req, map[string]any{"recipe_id": res.Batch.RecipeID})
	p.BatchID = res.Batch.ID
	p.AlertScheduled = res.Alert.Scheduled
	p.AlertPermissionNeeded = res.Alert.PermissionNeeded
	x.describe(ctx, &p, res.Batch.ID)
	return p, nil
}

func reading(in Interpretation, parse func(string) (float64, bool), names ...string) *float64 {
	raw, ok := in.Entity(names...)
	if !ok {
		return nil
	}
	v, ok := parse(raw)
	if !ok {
		return nil
	}
	return &v
}

func (x *Executor) advance(ctx context.Context, req Request) (Payload, error) {
	res, err := x.engine.Advance(ctx, engine.AdvanceRequest{
		BatchID: req.Session.BatchID,
		Alerts:  req.Session.Alerts,
	})
	if err != nil {
		return Payload{}, err
	}
	p := success(req, advanceDetails(res))
	applyAdvance(&p, res)
	x.describe(ctx, &p, req.Session.BatchID)
	return p, nil
}

func advanceDetails(res *engine.AdvanceResult) map[string]any {
	details := map[string]any{
		"from_stage": res.FromStage,
		"to_stage":   res.ToStage,
	}
	if res.LoopExit != "" {
		details["loop_exit"] = res.LoopExit
	}
	return details
}

func applyAdvance(p *Payload, res *engine.AdvanceResult) {
	p.Advanced = true
	p.Completed = res.Completed
	p.AlertScheduled = res.AlertScheduled
	p.AlertPermissionNeeded = res.AlertPermissionNeeded
}

func (x *Executor) logPH(ctx context.Context, req Request) (Payload, error) {
	raw, _ := req.Interpretation.Entity("ph", "value")
	v, ok := normalize.PH(raw)
	if !ok {
		return Payload{}, unparsed("ph", raw)
	}
	return x.logNumber(ctx, req, "ph", v)
}

func (x *Executor) logTemperature(ctx context.Context, req Request) (Payload, error) {
	raw, _ := req.Interpretation.Entity("temperature", "value")
	v, ok := normalize.Temperature(raw)
	if !ok {
		return Payload{}, unparsed("temperature", raw)
	}
	return x.logNumber(ctx, req, "temperature", v)
}

func (x *Executor) logValue(ctx context.Context, req Request) (Payload, error) {
	key, ok := req.Interpretation.Entity("key", "input")
	if !ok {
		return Payload{}, curd.NewError(curd.ErrMissingFields, "which value should be logged", map[string]any{
			"missing_fields": []string{"key"},
		})
	}
	return x.logParsedNumber(ctx, req, strings.ToLower(key))
}

// logNamedValue handles "log_<key>" intents the interpreter may emit for
// inputs without a dedicated intent.
func (x *Executor) logNamedValue(ctx context.Context, req Request) (Payload, error) {
	key := strings.TrimPrefix(req.Interpretation.Intent, "log_")
	return x.logParsedNumber(ctx, req, key)
}

func (x *Executor) logParsedNumber(ctx context.Context, req Request, key string) (Payload, error) {
	raw, _ := req.Interpretation.Entity("value", key)
	v, ok := normalize.Number(raw)
	if !ok {
		return Payload{}, unparsed(key, raw)
	}
	return x.logNumber(ctx, req, key, v)
}

func (x *Executor) logNumber(ctx context.Context, req Request, key string, v float64) (Payload, error) {
	res, err := x.engine.LogValue(ctx, req.Session.BatchID, key, v)
	if err != nil {
		return Payload{}, err
	}
	return x.afterLog(ctx, req, res), nil
}

func (x *Executor) logTime(ctx context.Context, req Request) (Payload, error) {
	raw, _ := req.Interpretation.Entity("time", "value")
	hhmm, ok := normalize.SpokenTimeIn(raw, x.now(), x.location)
	if !ok {
		return Payload{}, unparsed("time", raw)
	}
	res, err := x.engine.LogTimeValue(ctx, req.Session.BatchID, "time", hhmm)
	if err != nil {
		return Payload{}, err
	}
	return x.afterLog(ctx, req, res), nil
}

func (x *Executor) logDate(ctx context.Context, req Request) (Payload, error) {
	raw, _ := req.Interpretation.Entity("date", "value")
	ymd, ok := normalize.SpokenDateIn(raw, x.now(), x.location)
	if !ok {
		return Payload{}, unparsed("date", raw)
	}
	res, err := x.engine.LogDateValue(ctx, req.Session.BatchID, "date", ymd)
	if err != nil {
		return Payload{}, err
	}
	return x.afterLog(ctx, req, res), nil
}

// afterLog reports the write and, with auto advance on, the outcome of a
// separate advance attempt. A failed advance does not undo the write.
func (x *Executor) afterLog(ctx context.Context, req Request, res *engine.LogResult) Payload {
	p := success(req, nil)
	p.Logged = &LoggedValue{Key: res.Entry.Key, Value: res.Entry.Value.Raw()}
	if res.Batch.MaturationEndDate != "" {
		p.Result.Details = map[string]any{"maturation_end_date": res.Batch.MaturationEndDate}
	}

	if x.autoAdvance {
		adv, err := x.engine.Advance(ctx, engine.AdvanceRequest{
			BatchID: req.Session.BatchID,
			Alerts:  req.Session.Alerts,
		})
		outcome := curd.ResultOf(err)
		if err == nil {
			outcome.Details = advanceDetails(adv)
			applyAdvance(&p, adv)
		}
		p.Advance = &outcome
	}
	x.describe(ctx, &p, req.Session.BatchID)
	return p
}

func (x *Executor) pause(ctx context.Context, req Request) (Payload, error) {
	reason, _ := req.Interpretation.Entity("reason")
	b, err := x.engine.Pause(ctx, req.Session.BatchID, reason)
	if err != nil {
		return Payload{}, err
	}
	p := success(req, nil)
	p.Status = b.Status
	return p, nil
}

func (x *Executor) resume(ctx context.Context, req Request) (Payload, error) {
	if _, err := x.engine.Resume(ctx, req.Session.BatchID); err != nil {
		return Payload{}, err
	}
	p := success(req, nil)
	x.describe(ctx, &p, req.Session.BatchID)
	return p, nil
}

func (x *Executor) instructions(ctx context.Context, req Request) (Payload, error) {
	snap, err := x.engine.Status(ctx, req.Session.BatchID)
	if err != nil {
		return Payload{}, err
	}
	p := success(req, nil)
	p.Status = snap.Status
	p.Stage = stageView(snap)
	return p, nil
}

func (x *Executor) help(ctx context.Context, req Request) (Payload, error) {
	p := success(req, nil)
	if req.Session.BatchID != "" {
		if snap, err := x.engine.Status(ctx, req.Session.BatchID); err == nil {
			p.Stage = stageView(snap)
			p.Suggestions = snap.AllowedUtterances
		}
	}
	if len(p.Suggestions) == 0 {
		p.Suggestions = x.intents()
	}
	return p, nil
}

func (x *Executor) intents() []string {
	var out []string
	for _, pattern := range x.mux.Patterns() {
		if !strings.ContainsAny(pattern, "*#") {
			out = append(out, pattern)
		}
	}
	return out
}

func (x *Executor) goodbye(_ context.Context, req Request) (Payload, error) {
	p := success(req, nil)
	p.EndSession = true
	return p, nil
}

func (x *Executor) timer(ctx context.Context, req Request) (Payload, error) {
	snap, err := x.engine.Status(ctx, req.Session.BatchID)
	if err != nil {
		return Payload{}, err
	}
	p := success(req, nil)
	p.Status = snap.Status
	p.Timers = snap.Timers
	p.Due = snap.DueReminders
	return p, nil
}

func (x *Executor) queryInput(ctx context.Context, req Request) (Payload, error) {
	snap, err := x.engine.Status(ctx, req.Session.BatchID)
	if err != nil {
		return Payload{}, err
	}
	p := success(req, nil)
	name, ok := req.Interpretation.Entity("input", "ingredient")
	if !ok {
		p.Doses = snap.Doses
		return p, nil
	}
	name = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
	qty, known := snap.Doses[name]
	if !known {
		names := make([]string, 0, len(snap.Doses))
		for k := range snap.Doses {
			names = append(names, k)
		}
		sort.Strings(names)
		return Payload{}, curd.NewError(curd.ErrValidationFailed, "unknown ingredient "+name, map[string]any{
			"input": name,
			"known": names,
		})
	}
	p.Doses = map[string]float64{name: qty}
	return p, nil
}

// describe attaches the current stage to p. A failed read leaves p as is;
// the primary action already succeeded.
func (x *Executor) describe(ctx context.Context, p *Payload, batchID string) {
	snap, err := x.engine.Status(ctx, batchID)
	if err != nil {
		x.log(batchID).Warn("status after %s failed: %v", p.Intent, err)
		return
	}
	fill(p, snap)
}

func fill(p *Payload, snap *engine.Snapshot) {
	p.BatchID = snap.BatchID
	p.Status = snap.Status
	p.Stage = stageView(snap)
	p.Doses = snap.Doses
	p.Timers = snap.Timers
	p.Due = snap.DueReminders
}

func stageView(snap *engine.Snapshot) *StageView {
	return &StageView{
		ID:                snap.StageID,
		Name:              snap.StageName,
		Kind:              string(snap.StageKind),
		Instructions:      snap.Instructions,
		RequiredInputs:    snap.RequiredInputs,
		MissingInputs:     snap.MissingInputs,
		AllowedUtterances: snap.AllowedUtterances,
	}
}

func success(req Request, details map[string]any) Payload {
	return Payload{
		Intent:  req.Interpretation.Intent,
		Result:  curd.OK(details),
		BatchID: req.Session.BatchID,
	}
}

func unparsed(field, raw string) error {
	return curd.NewError(curd.ErrMissingFields, "could not understand "+field, map[string]any{
		"missing_fields": []string{field},
		"heard":          raw,
	})
}
