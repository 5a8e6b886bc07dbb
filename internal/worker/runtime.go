package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vnmchuo/llm-relay/internal/engine"
	"github.com/vnmchuo/llm-relay/internal/job"
	"github.com/vnmchuo/llm-relay/internal/notify"
	"github.com/vnmchuo/llm-relay/internal/store"
)

// ErrJobNotFound reports a dispatched job id with no record in the
// store. It is a processing error, not a crash; the worker returns to
// idle afterwards.
var ErrJobNotFound = errors.New("job not found")

// Config carries everything one worker needs: its identity, the backend
// configuration for every engine, and the shared-store connection
// parameters. Workers share no memory with the pool; all state flows
// through the store and the two message channels.
type Config struct {
	ID      string
	Engines []engine.Config
	Store   store.Options
	Channel string // notification channel, defaults to notify.DefaultChannel
	Logger  *slog.Logger
}

type runtime struct {
	id        string
	st        store.Store
	reg       *engine.Registry
	pub       *notify.Publisher
	logger    *slog.Logger
	responses chan<- Response
	state     Status
}

// Run executes the worker loop until the context is cancelled, the
// command channel closes, or a terminate command arrives. The response
// channel is closed when the runtime returns. An uncaught fault is
// reported to the pool with a best-effort final message first; the
// crashed worker's claim stays persisted so a restart under the same id
// resumes the job.
func Run(ctx context.Context, cfg Config, commands <-chan Command, responses chan<- Response) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	logger = logger.With("worker_id", cfg.ID)

	defer close(responses)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker fault", "panic", r)
			select {
			case responses <- Response{Action: ResponseError, Message: fmt.Sprint(r)}:
			default:
			}
		}
	}()

	w := &runtime{
		id:        cfg.ID,
		logger:    logger,
		responses: responses,
		state:     StatusInitializing,
	}
	w.reg = engine.NewRegistry(cfg.Engines, logger)
	if w.reg.Len() == 0 {
		logger.Warn("no usable engines configured; every backend job will fail")
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		logger.Error("failed to connect to store", "error", err)
		select {
		case responses <- Response{Action: ResponseError, Message: err.Error()}:
		default:
		}
		return
	}
	defer st.Close()
	w.st = st
	w.pub = notify.NewPublisher(st, cfg.Channel)

	resume := w.restore(ctx)

	w.respond(Response{Action: ResponseReady})

	if resume != "" {
		w.process(ctx, resume)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			switch {
			case cmd.JobID != "":
				w.process(ctx, cmd.JobID)
			case cmd.Action == ActionStatus:
				w.respond(Response{Action: ResponseStatus, State: w.state})
			case cmd.Action == ActionTerminate:
				w.setStatus(ctx, StatusTerminating)
				w.respond(Response{Action: ResponseTerminate})
				return
			default:
				w.logger.Warn("unknown command", "action", cmd.Action)
				w.respond(Response{Action: ResponseUnknown, Payload: cmd})
			}
		}
	}
}

func (w *runtime) respond(r Response) {
	w.responses <- r
}

func (w *runtime) setStatus(ctx context.Context, s Status) {
	w.state = s
	if err := w.st.Set(ctx, StatusKey(w.id), strconv.Itoa(int(s))); err != nil {
		w.logger.Error("failed to persist status", "status", s.String(), "error", err)
	}
}

// restore reads the persisted status from a previous life. A worker that
// died while busy resumes its claimed job; busy with no recorded claim
// is an inconsistent state left by a crash between writes and is
// repaired by resetting to idle.
func (w *runtime) restore(ctx context.Context) string {
	raw, err := w.st.Get(ctx, StatusKey(w.id))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Error("failed to read persisted status", "error", err)
		}
		w.setStatus(ctx, StatusIdle)
		return ""
	}
	status, err := ParseStatus(raw)
	if err != nil {
		w.logger.Error("invalid persisted status, resetting to idle", "value", raw)
		w.setStatus(ctx, StatusIdle)
		return ""
	}
	if status != StatusBusy {
		w.setStatus(ctx, StatusIdle)
		return ""
	}

	claimed, err := w.st.Get(ctx, JobKey(w.id))
	if err != nil || claimed == "" {
		w.logger.Error("busy status with no claimed job, resetting to idle")
		w.setStatus(ctx, StatusIdle)
		return ""
	}

	w.logger.Info("resuming claimed job", "job_id", claimed)
	return claimed
}

func (w *runtime) process(ctx context.Context, jobID string) {
	w.setStatus(ctx, StatusBusy)
	// The claim is persisted before any work happens so a crashed worker
	// can resume this job on restart.
	if err := w.st.Set(ctx, JobKey(w.id), jobID); err != nil {
		w.logger.Error("failed to persist claim", "job_id", jobID, "error", err)
	}

	err := w.execute(ctx, jobID)
	if err != nil && ctx.Err() != nil {
		// Shut down mid-job: leave status and claim in place so the next
		// startup resumes this job.
		w.logger.Warn("interrupted during processing, leaving claim for resume", "job_id", jobID)
		return
	}

	w.setStatus(ctx, StatusIdle)
	if serr := w.st.Set(ctx, JobKey(w.id), ""); serr != nil {
		w.logger.Error("failed to clear claim", "error", serr)
	}

	if err != nil {
		w.logger.Error("job processing failed", "job_id", jobID, "error", err)
		w.respond(Response{Action: ResponseError, Job: jobID, Message: err.Error()})
		return
	}
	w.logger.Info("job completed", "job_id", jobID)
	w.respond(Response{Action: ResponseComplete, Job: jobID})
}

func (w *runtime) execute(ctx context.Context, jobID string) error {
	keys, err := w.st.Keys(ctx, job.KeyPrefix(jobID))
	if err != nil {
		return fmt.Errorf("failed to look up job %s: %w", jobID, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	raw, err := w.st.Get(ctx, keys[0])
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	var j job.Job
	if err := j.UnmarshalBinary([]byte(raw)); err != nil {
		return fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}

	if j.Data.ChannelID != "" {
		typing := notify.Event{Type: notify.SendTyping, JobID: j.ID, ChannelID: j.Data.ChannelID}
		if perr := w.pub.Publish(ctx, typing); perr != nil {
			w.logger.Warn("failed to publish typing event", "error", perr)
		}
	}

	tracer := otel.Tracer("llm-relay/worker")
	ctx, span := tracer.Start(ctx, "worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", j.ID),
		attribute.String("engine", j.Engine),
		attribute.String("action", string(j.Data.Action)),
	)

	res, err := w.run(ctx, &j)
	if err != nil {
		w.notifyFailure(ctx, &j, err)
		return err
	}
	if res != nil {
		w.notifyResult(ctx, &j, res)
	}
	return nil
}

func (w *runtime) run(ctx context.Context, j *job.Job) (*engine.Result, error) {
	req := &engine.Request{
		Prompt: j.Data.Prompt,
		Input:  j.Data.Input,
		Model:  j.Data.Model,
	}
	for _, m := range j.Data.Messages {
		req.Messages = append(req.Messages, engine.Message{Role: m.Role, Content: m.Content})
	}

	switch j.Data.Action {
	case job.ActionChat:
		return w.reg.Execute(j.Engine, func(e engine.Engine) (*engine.Result, error) {
			return e.Chat(ctx, req)
		})
	case job.ActionGenerate:
		return w.reg.Execute(j.Engine, func(e engine.Engine) (*engine.Result, error) {
			return e.Generate(ctx, req)
		})
	case job.ActionEmbed:
		return w.reg.Execute(j.Engine, func(e engine.Engine) (*engine.Result, error) {
			return e.Embed(ctx, req)
		})
	case job.ActionStatus:
		ev := w.routedEvent(j)
		ev.Content = fmt.Sprintf("worker %s is %s, engines: %s", w.id, w.state, strings.Join(w.reg.Names(), ", "))
		return nil, w.pub.Publish(ctx, ev)
	case job.ActionTerminate:
		ev := w.routedEvent(j)
		ev.Content = fmt.Sprintf("worker %s acknowledging terminate request", w.id)
		return nil, w.pub.Publish(ctx, ev)
	default:
		return nil, fmt.Errorf("unknown job action %q", j.Data.Action)
	}
}

// routedEvent picks the event type from the routing fields: a message id
// means a threaded reply, a channel id a channel post, otherwise a DM.
func (w *runtime) routedEvent(j *job.Job) notify.Event {
	ev := notify.Event{
		JobID:     j.ID,
		ChannelID: j.Data.ChannelID,
		UserID:    j.Data.UserID,
		MessageID: j.Data.MessageID,
	}
	switch {
	case j.Data.MessageID != "":
		ev.Type = notify.ReplyMessage
	case j.Data.ChannelID != "":
		ev.Type = notify.SendChannel
	default:
		ev.Type = notify.SendUser
	}
	return ev
}

func (w *runtime) notifyResult(ctx context.Context, j *job.Job, res *engine.Result) {
	ev := w.routedEvent(j)
	if len(res.Embedding) > 0 {
		if data, err := json.Marshal(res.Embedding); err == nil {
			ev.Content = string(data)
		}
	} else {
		ev.Content = res.Content
	}
	if err := w.pub.Publish(ctx, ev); err != nil {
		w.logger.Error("failed to publish result", "job_id", j.ID, "error", err)
	}
}

func (w *runtime) notifyFailure(ctx context.Context, j *job.Job, cause error) {
	ev := w.routedEvent(j)
	ev.Error = cause.Error()
	ev.Content = "Sorry, I could not complete that request."
	if err := w.pub.Publish(ctx, ev); err != nil {
		w.logger.Error("failed to publish failure", "job_id", j.ID, "error", err)
	}
}
