package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-relay/internal/engine"
	"github.com/vnmchuo/llm-relay/internal/history"
	"github.com/vnmchuo/llm-relay/internal/job"
	"github.com/vnmchuo/llm-relay/internal/store"
	"github.com/vnmchuo/llm-relay/internal/worker"
)

// Config sizes the pool and carries what each spawned worker needs.
type Config struct {
	Min     int
	Max     int
	Engines []engine.Config
	Store   store.Options
	Channel string
	Logger  *slog.Logger
}

// handle is the pool's in-process view of one worker: a command channel
// in, lifecycle signals out. The pool owns it exclusively for the
// worker's lifetime.
type handle struct {
	id       string
	commands chan worker.Command
	cancel   context.CancelFunc
	done     chan struct{}
}

// Pool owns the set of live workers, accepts jobs, and keeps idle
// workers fed. It is constructed once at startup and passed by
// reference to every collaborator that needs it.
type Pool struct {
	cfg     Config
	st      store.Store
	history history.Store
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
	closing bool
	wg      sync.WaitGroup

	// Serializes assignment passes; see AssignAvailableWorkers.
	assignMu sync.Mutex
	// Jobs handed to a worker whose claim may not be persisted yet,
	// keyed by job id. Guarded by assignMu.
	dispatched map[string]time.Time
}

// dispatchGrace bounds how long a dispatched job is excluded from
// reassignment before the worker's persisted claim must take over.
const dispatchGrace = 30 * time.Second

func New(st store.Store, hist history.Store, cfg Config) *Pool {
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.Max > 0 && cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if hist == nil {
		hist = history.NewNoopStore()
	}
	return &Pool{
		cfg:        cfg,
		st:         st,
		history:    hist,
		logger:     cfg.Logger.With("component", "pool"),
		handles:    make(map[string]*handle),
		dispatched: make(map[string]time.Time),
	}
}

// AddWorker spawns a worker runtime under the given id, or a fresh uuid
// when the id is empty. Registering an id that already exists is a
// no-op returning the same id.
func (p *Pool) AddWorker(id string) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return "", errors.New("pool is shutting down")
	}
	if _, ok := p.handles[id]; ok {
		p.mu.Unlock()
		return id, nil
	}
	if p.cfg.Max > 0 && len(p.handles) >= p.cfg.Max {
		p.mu.Unlock()
		return "", fmt.Errorf("worker pool at capacity (%d)", p.cfg.Max)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		id:       id,
		commands: make(chan worker.Command, 8),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.handles[id] = h
	p.mu.Unlock()

	responses := make(chan worker.Response, 16)
	wcfg := worker.Config{
		ID:      id,
		Engines: p.cfg.Engines,
		Store:   p.cfg.Store,
		Channel: p.cfg.Channel,
		Logger:  p.cfg.Logger,
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		defer close(h.done)
		worker.Run(ctx, wcfg, h.commands, responses)
	}()
	go func() {
		defer p.wg.Done()
		p.watch(h, responses)
	}()

	p.logger.Info("worker added", "worker_id", id)
	return id, nil
}

// watch consumes one worker's responses until its runtime exits. A
// runtime that exits without being asked to is respawned under the same
// id, so its startup recovery path resumes any claimed job.
func (p *Pool) watch(h *handle, responses <-chan worker.Response) {
	for resp := range responses {
		p.handleResponse(h.id, resp)
	}

	p.mu.Lock()
	registered := p.handles[h.id] == h
	closing := p.closing
	if registered {
		delete(p.handles, h.id)
	}
	p.mu.Unlock()

	if registered && !closing {
		p.logger.Error("worker exited unexpectedly, respawning", "worker_id", h.id)
		// Avoid a tight loop when the runtime fails immediately, e.g. on
		// a store outage.
		time.Sleep(time.Second)
		if _, err := p.AddWorker(h.id); err != nil {
			p.logger.Error("failed to respawn worker", "worker_id", h.id, "error", err)
		}
	}
}

func (p *Pool) handleResponse(workerID string, resp worker.Response) {
	switch resp.Action {
	case worker.ResponseReady:
		p.logger.Info("worker ready", "worker_id", workerID)
		p.assignInBackground()
	case worker.ResponseComplete:
		p.finishJob(workerID, resp.Job, "")
	case worker.ResponseError:
		p.logger.Error("worker reported error", "worker_id", workerID, "message", resp.Message)
		if resp.Job != "" {
			p.finishJob(workerID, resp.Job, resp.Message)
		}
	case worker.ResponseStatus:
		p.logger.Info("worker status", "worker_id", workerID, "state", resp.State.String())
	case worker.ResponseTerminate:
		p.logger.Info("worker terminating", "worker_id", workerID)
	default:
		p.logger.Warn("unexpected worker response", "worker_id", workerID, "action", resp.Action)
	}
}

// finishJob deletes the finished job's record, writes a history row,
// and kicks another assignment pass. Failed jobs are terminal: the
// record is deleted rather than requeued, and the failure notification
// has already been published by the worker.
func (p *Pool) finishJob(workerID, jobID, errMsg string) {
	ctx := context.Background()

	rec := &history.Record{JobID: jobID, WorkerID: workerID, Outcome: history.OutcomeCompleted}
	if errMsg != "" {
		rec.Outcome = history.OutcomeFailed
		rec.Error = errMsg
	}

	keys, err := p.st.Keys(ctx, job.KeyPrefix(jobID))
	if err != nil {
		p.logger.Error("failed to look up finished job", "job_id", jobID, "error", err)
	}
	if len(keys) > 0 {
		if raw, gerr := p.st.Get(ctx, keys[0]); gerr == nil {
			var j job.Job
			if uerr := j.UnmarshalBinary([]byte(raw)); uerr == nil {
				rec.Engine = j.Engine
				rec.Action = string(j.Data.Action)
				rec.RequesterID = j.Data.UserID
				rec.LatencyMs = time.Now().UnixMilli() - j.CreatedAt
			}
		}
		if derr := p.st.Del(ctx, keys...); derr != nil {
			p.logger.Error("failed to delete finished job", "job_id", jobID, "error", derr)
		}
	}

	if err := p.history.Record(ctx, rec); err != nil {
		p.logger.Error("failed to record job history", "job_id", jobID, "error", err)
	}

	p.logger.Info("job finished", "job_id", jobID, "worker_id", workerID, "outcome", string(rec.Outcome))
	p.assignInBackground()
}

// assignInBackground runs an assignment pass without blocking the
// caller, with logged-not-propagated errors.
func (p *Pool) assignInBackground() {
	go func() {
		if err := p.AssignAvailableWorkers(context.Background()); err != nil {
			p.logger.Error("assignment pass failed", "error", err)
		}
	}()
}

// AddJob persists the job, then kicks an assignment pass in the
// background. A persistence failure is logged and returned; retrying is
// the caller's responsibility.
func (p *Pool) AddJob(ctx context.Context, data job.Payload, engineName string, priority int) (*job.Job, error) {
	j := job.New(data, engineName, priority)
	raw, err := j.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	if err := p.st.Set(ctx, j.Key(), string(raw)); err != nil {
		p.logger.Error("failed to persist job", "job_id", j.ID, "error", err)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	p.logger.Info("job added", "job_id", j.ID, "engine", engineName, "priority", priority, "action", string(data.Action))
	p.assignInBackground()
	return j, nil
}

// AssignAvailableWorkers feeds every idle worker at most one pending
// job, in priority-then-creation order. It is safe to invoke repeatedly
// and concurrently: passes serialize on an internal mutex, claimed and
// recently-dispatched jobs are excluded, and each worker's claim is
// re-checked right before dispatch. Decisions are made on a best-effort
// snapshot; the single pool process is the only assigner.
func (p *Pool) AssignAvailableWorkers(ctx context.Context) error {
	p.assignMu.Lock()
	defer p.assignMu.Unlock()

	keys, err := p.st.Keys(ctx, job.Namespace+":*")
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}
	pending := job.SortListByKeys(keys)
	if len(pending) == 0 {
		return nil
	}

	now := time.Now()
	for id, at := range p.dispatched {
		if now.Sub(at) > dispatchGrace {
			delete(p.dispatched, id)
		}
	}

	ids := p.Keys()

	// A job claimed by some worker may still have its record pending
	// deletion; never hand those out again.
	claimed := make(map[string]bool)
	for _, id := range ids {
		cur, err := p.st.Get(ctx, worker.JobKey(id))
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				p.logger.Error("failed to read worker claim", "worker_id", id, "error", err)
			}
			continue
		}
		if cur != "" {
			claimed[cur] = true
		}
	}

	for _, id := range ids {
		raw, err := p.st.Get(ctx, worker.StatusKey(id))
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				p.logger.Error("failed to read worker status", "worker_id", id, "error", err)
			}
			continue
		}
		status, err := worker.ParseStatus(raw)
		if err != nil || status != worker.StatusIdle {
			continue
		}

		var pick *job.ParsedKey
		for i := range pending {
			if claimed[pending[i].JobID] {
				continue
			}
			if _, sent := p.dispatched[pending[i].JobID]; sent {
				continue
			}
			pick = &pending[i]
			break
		}
		if pick == nil {
			return nil
		}

		// Re-check right before dispatch: a concurrent pass may have fed
		// this worker between the status read and now.
		cur, err := p.st.Get(ctx, worker.JobKey(id))
		if err == nil && cur != "" {
			claimed[cur] = true
			continue
		}

		h := p.handleFor(id)
		if h == nil {
			continue
		}
		select {
		case h.commands <- worker.Command{JobID: pick.JobID}:
			claimed[pick.JobID] = true
			p.dispatched[pick.JobID] = now
			p.logger.Info("job dispatched", "job_id", pick.JobID, "worker_id", id)
		default:
			p.logger.Warn("worker command buffer full, skipping dispatch", "worker_id", id)
		}
	}
	return nil
}

// GetJobs returns the pending jobs in assignment order.
func (p *Pool) GetJobs(ctx context.Context) ([]*job.Job, error) {
	keys, err := p.st.Keys(ctx, job.Namespace+":*")
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	sorted := job.SortListByKeys(keys)
	jobs := make([]*job.Job, 0, len(sorted))
	for _, pk := range sorted {
		raw, err := p.st.Get(ctx, pk.Key)
		if err != nil {
			// Deleted between listing and load.
			continue
		}
		var j job.Job
		if err := j.UnmarshalBinary([]byte(raw)); err != nil {
			p.logger.Warn("skipping undecodable job record", "key", pk.Key)
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// GetWorkerStatus reads the persisted status for a worker id. Unknown
// ids return store.ErrNotFound.
func (p *Pool) GetWorkerStatus(ctx context.Context, id string) (worker.Status, error) {
	raw, err := p.st.Get(ctx, worker.StatusKey(id))
	if err != nil {
		return 0, err
	}
	return worker.ParseStatus(raw)
}

// Initialize re-attaches workers recorded in the store by a previous
// run, so their claimed jobs resume, then tops the pool up to the
// configured minimum.
func (p *Pool) Initialize(ctx context.Context) error {
	keys, err := p.st.Keys(ctx, "worker:*:status")
	if err != nil {
		return fmt.Errorf("failed to discover workers: %w", err)
	}
	for _, key := range keys {
		parts := strings.Split(key, ":")
		if len(parts) != 3 || parts[1] == "" {
			p.logger.Warn("skipping malformed worker key", "key", key)
			continue
		}
		if _, err := p.AddWorker(parts[1]); err != nil {
			p.logger.Error("failed to re-attach worker", "worker_id", parts[1], "error", err)
		}
	}

	for p.WorkerCount() < p.cfg.Min {
		if _, err := p.AddWorker(""); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}
	return nil
}

// Shutdown terminates every worker. In-flight jobs are not requeued
// here; their claims stay persisted and resume on the next Initialize.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	handles := make([]*handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		select {
		case h.commands <- worker.Command{Action: worker.ActionTerminate}:
		default:
		}
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown timed out waiting for workers")
		return ctx.Err()
	}

	p.mu.Lock()
	p.handles = make(map[string]*handle)
	p.mu.Unlock()

	p.logger.Info("pool shut down")
	return nil
}

// RemoveWorker drops the handle and stops its runtime. Store state is
// untouched; a later Initialize may re-attach the same identity.
func (p *Pool) RemoveWorker(id string) {
	p.mu.Lock()
	h, ok := p.handles[id]
	if ok {
		delete(p.handles, id)
	}
	p.mu.Unlock()

	if ok {
		h.cancel()
		p.logger.Info("worker removed", "worker_id", id)
	}
}

func (p *Pool) HasWorker(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handles[id]
	return ok
}

func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Keys returns the registered worker ids, sorted for determinism.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.handles))
	for id := range p.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Pool) handleFor(id string) *handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[id]
}
