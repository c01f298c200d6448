// Package pipeline drives the fixed design-token extraction sequence:
// preprocess, extract (fanned out across all configured extraction agents),
// aggregate, validate, generate. The coordinator owns the results of a run;
// agents are external collaborators reached only through the token.Agent
// capability, optionally gated by a circuit breaker and admission-controlled
// by an agent pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/palettelabs/tokenpipe/internal/metrics"
	"github.com/palettelabs/tokenpipe/pkg/agentpool"
	"github.com/palettelabs/tokenpipe/pkg/circuitbreaker"
	"github.com/palettelabs/tokenpipe/pkg/token"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Preprocessor token.Agent
	Extractors   []token.Agent
	Aggregator   token.Agent
	Validator    token.Agent
	Generator    token.Agent

	// FailOnPartialExtraction fails the whole run when any single extraction
	// agent fails. When false, tokens from succeeding agents are merged and
	// carried forward and failing agents are reported per-agent only.
	FailOnPartialExtraction bool

	// Breaker, when set, gates every Execute call: an open breaker fails the
	// run before any agent is invoked, and each run's outcome is recorded as
	// one breaker call.
	Breaker *circuitbreaker.CircuitBreaker

	// Pool, when set, routes every agent invocation through its admission
	// control. AgentTimeout is the per-invocation budget (0 = none) and is
	// honored with or without a pool.
	Pool         *agentpool.Pool
	AgentTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Preprocessor == nil {
		return errors.New("preprocessor agent is required")
	}
	if len(c.Extractors) == 0 {
		return errors.New("at least one extraction agent is required")
	}
	for i, agent := range c.Extractors {
		if agent == nil {
			return fmt.Errorf("extraction agent %d is nil", i)
		}
	}
	if c.Aggregator == nil {
		return errors.New("aggregator agent is required")
	}
	if c.Validator == nil {
		return errors.New("validator agent is required")
	}
	if c.Generator == nil {
		return errors.New("generator agent is required")
	}
	if c.AgentTimeout < 0 {
		return errors.New("agent timeout must not be negative")
	}
	return nil
}

// Coordinator executes pipeline runs. It is safe for concurrent use; the
// only mutable state it owns is the lifetime run counters.
type Coordinator struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	mu         sync.Mutex
	successful int
	failed     int
}

func New(cfg *Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Coordinator{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
	}, nil
}

// Execute runs the full stage sequence for one task. Stage failures are
// captured in the returned PipelineResult and never surface as a returned
// error; the error return is reserved for unusable input.
func (c *Coordinator) Execute(ctx context.Context, task *token.PipelineTask) (*PipelineResult, error) {
	if task == nil {
		return nil, errors.New("task is required")
	}

	res := &PipelineResult{
		TaskID:       task.TaskID,
		StageResults: make(map[token.Stage]*StageResult),
	}

	var breakerDone func(error)
	if c.cfg.Breaker != nil {
		done, rejected := c.cfg.Breaker.Allow()
		if rejected != nil {
			c.log.Warn("pipeline: run rejected by breaker", "task", task.TaskID, "error", rejected)
			res.Errors = append(res.Errors, rejected.Error())
			c.recordRun(false)
			return res, nil
		}
		breakerDone = done
	}

	c.run(ctx, task, res)

	if res.Success {
		if breakerDone != nil {
			breakerDone(nil)
		}
		c.recordRun(true)
		c.log.Info("pipeline: run succeeded", "task", task.TaskID, "tokens", len(res.Tokens))
		return res, nil
	}

	if breakerDone != nil {
		breakerDone(errors.New(strings.Join(res.Errors, "; ")))
	}
	c.recordRun(false)
	c.log.Warn("pipeline: run failed", "task", task.TaskID, "errors", res.Errors)
	return res, nil
}

// run drives the stage sequence and fills res. A failed stage stops the
// sequence; later stages never run.
func (c *Coordinator) run(ctx context.Context, task *token.PipelineTask, res *PipelineResult) {
	sr := c.runAgent(ctx, c.cfg.Preprocessor, task, nil)
	res.StageResults[token.StagePreprocess] = sr
	if !sr.Success {
		res.Errors = append(res.Errors, sr.Err.Error())
		return
	}
	current := sr.Tokens

	extractSR, ok := c.runExtract(ctx, task, res, current)
	res.StageResults[token.StageExtract] = extractSR
	if !ok {
		return
	}
	current = extractSR.Tokens

	for _, agent := range []token.Agent{c.cfg.Aggregator, c.cfg.Validator, c.cfg.Generator} {
		sr := c.runAgent(ctx, agent, task, current)
		res.StageResults[agent.StageName()] = sr
		if !sr.Success {
			res.Errors = append(res.Errors, sr.Err.Error())
			return
		}
		current = sr.Tokens
	}

	res.Tokens = current
	res.Success = true
}

// runExtract fans the task out to every extraction agent concurrently and
// collects one isolated StageResult per agent in configured order. The
// returned StageResult summarizes the stage; ok reports whether the run may
// continue under the partial-extraction policy.
func (c *Coordinator) runExtract(ctx context.Context, task *token.PipelineTask, res *PipelineResult, input []token.TokenResult) (*StageResult, bool) {
	start := c.clock.Now()

	agentResults := make([]*StageResult, len(c.cfg.Extractors))
	var wg sync.WaitGroup
	for i, agent := range c.cfg.Extractors {
		i, agent := i, agent
		wg.Add(1)
		go func() {
			defer wg.Done()
			agentResults[i] = c.runAgent(ctx, agent, task, input)
		}()
	}
	wg.Wait()
	res.AgentResults = agentResults

	merged := []token.TokenResult{}
	var failures []error
	for _, ar := range agentResults {
		if ar.Success {
			merged = append(merged, ar.Tokens...)
			continue
		}
		failures = append(failures, ar.Err)
	}

	sr := &StageResult{
		Stage:    token.StageExtract,
		Duration: c.clock.Since(start),
	}

	if len(failures) > 0 && c.cfg.FailOnPartialExtraction {
		sr.Err = &PartialExtractionError{
			Failed: len(failures),
			Total:  len(c.cfg.Extractors),
			Errors: failures,
		}
		for _, err := range failures {
			res.Errors = append(res.Errors, err.Error())
		}
		metrics.StageFailures.WithLabelValues(string(token.StageExtract)).Inc()
		return sr, false
	}

	sr.Success = true
	sr.Tokens = merged
	return sr, true
}

// runAgent executes one agent invocation and captures its outcome in an
// isolated StageResult. The previous stage's tokens travel on a copy of the
// task; the caller's task is never mutated.
func (c *Coordinator) runAgent(ctx context.Context, agent token.Agent, task *token.PipelineTask, input []token.TokenResult) *StageResult {
	start := c.clock.Now()
	staged := task.WithStageInput(input)

	var tokens []token.TokenResult
	var err error
	if c.cfg.Pool != nil {
		tokens, err = c.cfg.Pool.Submit(ctx, agent, staged, c.cfg.AgentTimeout)
	} else {
		runCtx := ctx
		if c.cfg.AgentTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, c.cfg.AgentTimeout)
			defer cancel()
		}
		tokens, err = agent.Process(runCtx, staged)
	}

	sr := &StageResult{
		Stage:     agent.StageName(),
		AgentType: agent.AgentType(),
		Duration:  c.clock.Since(start),
	}
	if err != nil {
		sr.Err = &AgentExecutionError{Stage: agent.StageName(), AgentType: agent.AgentType(), Err: err}
		metrics.StageFailures.WithLabelValues(string(agent.StageName())).Inc()
		c.log.Warn("pipeline: stage agent failed", "task", task.TaskID, "stage", agent.StageName(), "agent", agent.AgentType(), "error", err)
		return sr
	}
	if tokens == nil {
		tokens = []token.TokenResult{}
	}
	sr.Success = true
	sr.Tokens = tokens
	return sr
}

// HealthReport maps each distinct configured agent to its health check
// outcome. Healthy is the logical AND of all entries.
type HealthReport struct {
	Healthy bool
	Agents  map[string]bool
}

// HealthCheck probes every distinct configured agent.
func (c *Coordinator) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, Agents: make(map[string]bool)}
	for _, agent := range c.distinctAgents() {
		healthy := agent.HealthCheck(ctx)
		report.Agents[agent.AgentType()] = healthy
		if !healthy {
			report.Healthy = false
		}
	}
	return report
}

// distinctAgents returns the configured agents deduplicated by agent type;
// one agent may serve more than one stage.
func (c *Coordinator) distinctAgents() []token.Agent {
	all := make([]token.Agent, 0, len(c.cfg.Extractors)+4)
	all = append(all, c.cfg.Preprocessor)
	all = append(all, c.cfg.Extractors...)
	all = append(all, c.cfg.Aggregator, c.cfg.Validator, c.cfg.Generator)

	seen := make(map[string]struct{}, len(all))
	distinct := make([]token.Agent, 0, len(all))
	for _, agent := range all {
		if _, ok := seen[agent.AgentType()]; ok {
			continue
		}
		seen[agent.AgentType()] = struct{}{}
		distinct = append(distinct, agent)
	}
	return distinct
}

// Stats reports lifetime Execute outcomes across the coordinator.
type Stats struct {
	Successful int
	Failed     int
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Successful: c.successful, Failed: c.failed}
}

func (c *Coordinator) recordRun(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.successful++
		metrics.PipelineRuns.WithLabelValues(metrics.ResultSuccess).Inc()
		return
	}
	c.failed++
	metrics.PipelineRuns.WithLabelValues(metrics.ResultFailure).Inc()
}
