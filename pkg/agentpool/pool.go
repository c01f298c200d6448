// Package agentpool admits and tracks concurrent agent invocations. A pool
// bounds total concurrency with a global permit semaphore and concurrency
// within each pipeline stage with a lazily-created per-stage semaphore, and
// records one TaskTracker per submission.
package agentpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/palettelabs/tokenpipe/internal/metrics"
	"github.com/palettelabs/tokenpipe/pkg/token"
)

// Status is a tracker's position in its submission lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrShutdown is returned for submissions arriving after Shutdown.
var ErrShutdown = errors.New("agent pool is shut down")

// TimeoutError reports a submission that exceeded its per-submission budget.
// The in-flight agent call is canceled and its eventual output discarded.
type TimeoutError struct {
	ID      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("submission %s timed out after %s", e.ID, e.Timeout)
}

// TaskTracker records the lifecycle of one submission. Trackers are mutated
// only under the pool's lock; TaskStatus returns copies.
type TaskTracker struct {
	ID          string
	TaskID      string
	Stage       token.Stage
	AgentType   string
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
	Err         string
	Result      []token.TokenResult
}

const (
	defaultMaxConcurrency       = 10
	defaultMaxStageConcurrency  = 3
	defaultShutdownPollInterval = 10 * time.Millisecond
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// MaxConcurrency bounds concurrent submissions across all stages.
	MaxConcurrency int

	// MaxStageConcurrency bounds concurrent submissions within one stage.
	MaxStageConcurrency int

	// ShutdownPollInterval is how often Shutdown(wait=true) re-checks the
	// active count while draining.
	ShutdownPollInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.MaxConcurrency < 0 {
		return errors.New("max concurrency must be greater than 0")
	}
	if c.MaxStageConcurrency == 0 {
		c.MaxStageConcurrency = defaultMaxStageConcurrency
	}
	if c.MaxStageConcurrency < 0 {
		return errors.New("max stage concurrency must be greater than 0")
	}
	if c.ShutdownPollInterval == 0 {
		c.ShutdownPollInterval = defaultShutdownPollInterval
	}
	return nil
}

// Pool is the admission controller. The global semaphore and the per-stage
// semaphores are plain buffered channels; a held permit is a struct{} in the
// channel and release closures drain it, so permits cannot leak past a
// function exit.
type Pool struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	sem chan struct{}

	stageMu   sync.RWMutex
	stageSems map[token.Stage]chan struct{}

	mu        sync.Mutex
	trackers  map[string]*TaskTracker
	active    int
	completed int
	failed    int
	shutdown  bool
}

func New(cfg *Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Pool{
		log:       cfg.Logger,
		cfg:       cfg,
		clock:     cfg.Clock,
		sem:       make(chan struct{}, cfg.MaxConcurrency),
		stageSems: make(map[token.Stage]chan struct{}),
		trackers:  make(map[string]*TaskTracker),
	}, nil
}

// SubmissionID is the tracker key for one agent invocation. A task fans out
// to several extract agents, so the task ID alone cannot key the map.
func SubmissionID(task *token.PipelineTask, agent token.Agent) string {
	return fmt.Sprintf("%s/%s/%s", task.TaskID, agent.StageName(), agent.AgentType())
}

// Submit runs agent.Process(task) under the pool's admission control and
// returns its tokens. timeout of 0 means no per-submission budget. Submit
// blocks while the global or stage permit is exhausted; both permits are
// released on every exit path.
func (p *Pool) Submit(ctx context.Context, agent token.Agent, task *token.PipelineTask, timeout time.Duration) ([]token.TokenResult, error) {
	tr := &TaskTracker{
		ID:        SubmissionID(task, agent),
		TaskID:    task.TaskID,
		Stage:     agent.StageName(),
		AgentType: agent.AgentType(),
		Status:    StatusPending,
	}

	p.mu.Lock()
	if p.shutdown {
		tr.Status = StatusFailed
		tr.Err = ErrShutdown.Error()
		tr.CompletedAt = p.clock.Now()
		p.failed++
		p.trackers[tr.ID] = tr
		p.mu.Unlock()
		metrics.PoolSubmissions.WithLabelValues(metrics.ResultFailure).Inc()
		return nil, ErrShutdown
	}
	p.trackers[tr.ID] = tr
	p.mu.Unlock()

	releaseGlobal, ok := acquire(ctx, p.sem)
	if !ok {
		return nil, p.failPending(tr, fmt.Errorf("acquiring global permit: %w", ctx.Err()))
	}
	defer releaseGlobal()

	releaseStage, ok := acquire(ctx, p.stageSem(agent.StageName()))
	if !ok {
		return nil, p.failPending(tr, fmt.Errorf("acquiring %s stage permit: %w", agent.StageName(), ctx.Err()))
	}
	defer releaseStage()

	p.mu.Lock()
	tr.Status = StatusRunning
	tr.StartedAt = p.clock.Now()
	p.active++
	p.mu.Unlock()
	metrics.PoolActive.Inc()
	defer metrics.PoolActive.Dec()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	type outcome struct {
		tokens []token.TokenResult
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		tokens, err := agent.Process(runCtx, task)
		resCh <- outcome{tokens: tokens, err: err}
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timeoutCh = p.clock.After(timeout)
	}

	select {
	case out := <-resCh:
		if out.err != nil {
			p.finishRunning(tr, nil, out.err)
			metrics.PoolSubmissions.WithLabelValues(metrics.ResultFailure).Inc()
			return nil, out.err
		}
		tokens := out.tokens
		if tokens == nil {
			// An agent reporting success with no output still records an
			// empty result, not an absent one.
			tokens = []token.TokenResult{}
		}
		p.finishRunning(tr, tokens, nil)
		metrics.PoolSubmissions.WithLabelValues(metrics.ResultSuccess).Inc()
		return tokens, nil

	case <-timeoutCh:
		cancel()
		terr := &TimeoutError{ID: tr.ID, Timeout: timeout}
		p.finishRunning(tr, nil, terr)
		metrics.PoolSubmissions.WithLabelValues(metrics.ResultTimeout).Inc()
		p.log.Warn("pool: submission timed out", "id", tr.ID, "timeout", timeout)
		return nil, terr

	case <-ctx.Done():
		err := fmt.Errorf("submission canceled: %w", ctx.Err())
		p.finishRunning(tr, nil, err)
		metrics.PoolSubmissions.WithLabelValues(metrics.ResultAborted).Inc()
		return nil, err
	}
}

// failPending marks a tracker that never reached RUNNING as failed. The
// failure counter still increments; the active counter was never touched.
func (p *Pool) failPending(tr *TaskTracker, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tr.Status != StatusPending {
		return err
	}
	tr.Status = StatusFailed
	tr.Err = err.Error()
	tr.CompletedAt = p.clock.Now()
	p.failed++
	metrics.PoolSubmissions.WithLabelValues(metrics.ResultFailure).Inc()
	return err
}

// finishRunning moves a RUNNING tracker to its terminal status and settles
// the counters. The status guard makes the transition idempotent, so a late
// agent return after a timeout cannot double-count or resurrect the tracker.
func (p *Pool) finishRunning(tr *TaskTracker, tokens []token.TokenResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tr.Status != StatusRunning {
		return
	}
	p.active--
	tr.CompletedAt = p.clock.Now()
	if err != nil {
		tr.Status = StatusFailed
		tr.Err = err.Error()
		p.failed++
		return
	}
	tr.Status = StatusCompleted
	tr.Result = tokens
	p.completed++
}

// stageSem returns the stage's permit semaphore, creating it on first use.
// Double-checked under the RW lock so two first-use submissions cannot
// create duplicate semaphores for one stage.
func (p *Pool) stageSem(stage token.Stage) chan struct{} {
	p.stageMu.RLock()
	sem, ok := p.stageSems[stage]
	p.stageMu.RUnlock()
	if ok {
		return sem
	}

	p.stageMu.Lock()
	defer p.stageMu.Unlock()
	if sem, ok := p.stageSems[stage]; ok {
		return sem
	}
	sem = make(chan struct{}, p.cfg.MaxStageConcurrency)
	p.stageSems[stage] = sem
	return sem
}

func acquire(ctx context.Context, sem chan struct{}) (release func(), ok bool) {
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	case <-ctx.Done():
		return nil, false
	}
}

// Stats is a point-in-time snapshot of the pool's counters.
type Stats struct {
	ActiveCount         int
	CompletedCount      int
	FailedCount         int
	TrackedCount        int
	MaxConcurrency      int
	MaxStageConcurrency int
	ShuttingDown        bool
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ActiveCount:         p.active,
		CompletedCount:      p.completed,
		FailedCount:         p.failed,
		TrackedCount:        len(p.trackers),
		MaxConcurrency:      p.cfg.MaxConcurrency,
		MaxStageConcurrency: p.cfg.MaxStageConcurrency,
		ShuttingDown:        p.shutdown,
	}
}

// TaskStatus returns a copy of the tracker for the given submission ID.
func (p *Pool) TaskStatus(id string) (TaskTracker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, ok := p.trackers[id]
	if !ok {
		return TaskTracker{}, false
	}
	return *tr, true
}

// ClearCompleted removes trackers in a terminal status and returns how many
// were removed. Counters are unaffected.
func (p *Pool) ClearCompleted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, tr := range p.trackers {
		if tr.Status == StatusCompleted || tr.Status == StatusFailed {
			delete(p.trackers, id)
			removed++
		}
	}
	return removed
}

// Reset clears all trackers and counters and lifts a previous shutdown.
// It refuses to run while submissions are active.
func (p *Pool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active > 0 {
		return fmt.Errorf("cannot reset pool with %d active submissions", p.active)
	}
	p.trackers = make(map[string]*TaskTracker)
	p.completed = 0
	p.failed = 0
	p.shutdown = false
	return nil
}

// Shutdown stops the pool accepting new submissions. With wait set it polls
// until every active submission has settled or ctx is done.
func (p *Pool) Shutdown(ctx context.Context, wait bool) error {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	if !wait {
		return nil
	}
	for {
		p.mu.Lock()
		active := p.active
		p.mu.Unlock()
		if active == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown interrupted with %d active submissions: %w", active, ctx.Err())
		case <-p.clock.After(p.cfg.ShutdownPollInterval):
		}
	}
}
