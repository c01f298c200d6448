// tokenpipe-demo wires stub agents into a full pipeline and runs a single
// extraction task (or a small batch) against them. It exists to exercise the
// orchestration end to end without a real vision backend: breaker, pool,
// fan-out, and metrics all behave exactly as they would in production.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/palettelabs/tokenpipe/internal/metrics"
	"github.com/palettelabs/tokenpipe/pkg/agentpool"
	"github.com/palettelabs/tokenpipe/pkg/circuitbreaker"
	"github.com/palettelabs/tokenpipe/pkg/pipeline"
	"github.com/palettelabs/tokenpipe/pkg/token"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	ImageURL      string
	Tasks         int
	MaxParallel   int
	FailOnPartial bool
	AgentTimeout  time.Duration
	MetricsAddr   string
	Verbose       bool
	ShowVersion   bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config {
	cfg := &config{}
	flag.StringVar(&cfg.ImageURL, "image-url", "https://example.com/mockup.png", "image to extract tokens from")
	flag.IntVar(&cfg.Tasks, "tasks", 1, "number of tasks to run as a batch")
	flag.IntVar(&cfg.MaxParallel, "max-parallel", 2, "batch execution concurrency")
	flag.BoolVar(&cfg.FailOnPartial, "fail-on-partial", false, "fail the run when any extraction agent fails")
	flag.DurationVar(&cfg.AgentTimeout, "agent-timeout", 30*time.Second, "per-agent invocation budget (0 = none)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "prometheus metrics listen address (empty = disabled)")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable debug logging")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	flag.Parse()
	return cfg
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

func run() error {
	cfg := loadConfig()

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	breaker, err := circuitbreaker.New(&circuitbreaker.Config{
		Name:             "demo-vision-backend",
		Logger:           log,
		Clock:            clockwork.NewRealClock(),
		FailureThreshold: 3,
		RecoveryTimeout:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create breaker: %w", err)
	}

	pool, err := agentpool.New(&agentpool.Config{
		Logger:              log,
		MaxConcurrency:      8,
		MaxStageConcurrency: 4,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent pool: %w", err)
	}

	coordinator, err := pipeline.New(&pipeline.Config{
		Logger:       log,
		Preprocessor: &demoAgent{agentType: "preprocessor", stage: token.StagePreprocess},
		Extractors: []token.Agent{
			&demoAgent{agentType: "color-extractor", stage: token.StageExtract, emit: demoColorTokens},
			&demoAgent{agentType: "typography-extractor", stage: token.StageExtract, emit: demoTypographyTokens},
		},
		Aggregator:              &demoAgent{agentType: "aggregator", stage: token.StageAggregate},
		Validator:               &demoAgent{agentType: "validator", stage: token.StageValidate},
		Generator:               &demoAgent{agentType: "generator", stage: token.StageGenerate},
		FailOnPartialExtraction: cfg.FailOnPartial,
		Breaker:                 breaker,
		Pool:                    pool,
		AgentTimeout:            cfg.AgentTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	report := coordinator.HealthCheck(context.Background())
	log.Info("health check", "healthy", report.Healthy, "agents", len(report.Agents))

	tasks := make([]*token.PipelineTask, 0, cfg.Tasks)
	for i := 0; i < cfg.Tasks; i++ {
		tasks = append(tasks, &token.PipelineTask{
			TaskID:     uuid.NewString(),
			ImageURL:   cfg.ImageURL,
			TokenTypes: []token.TokenType{token.TokenTypeColor, token.TokenTypeTypography},
			CreatedAt:  time.Now(),
		})
	}

	results, err := coordinator.ExecuteBatch(context.Background(), tasks, cfg.MaxParallel)
	if err != nil {
		return fmt.Errorf("batch execution failed: %w", err)
	}

	for _, res := range results {
		printResult(res)
	}

	stats := coordinator.Stats()
	log.Info("done",
		"successful", stats.Successful,
		"failed", stats.Failed,
		"pool_completed", pool.Stats().CompletedCount,
		"breaker_state", breaker.State(),
	)

	return pool.Shutdown(context.Background(), true)
}

// printResult renders a PipelineResult as JSON on stdout. StageResult holds
// error values, so it is flattened into a printable view first.
func printResult(res *pipeline.PipelineResult) {
	type stageView struct {
		Stage    string  `json:"stage"`
		Success  bool    `json:"success"`
		Error    string  `json:"error,omitempty"`
		Tokens   int     `json:"tokens"`
		Duration float64 `json:"duration_ms"`
	}
	view := struct {
		TaskID  string              `json:"task_id"`
		Success bool                `json:"success"`
		Tokens  []token.TokenResult `json:"tokens"`
		Stages  []stageView         `json:"stages"`
		Errors  []string            `json:"errors,omitempty"`
	}{
		TaskID:  res.TaskID,
		Success: res.Success,
		Tokens:  res.Tokens,
		Errors:  res.Errors,
	}
	for _, stage := range token.Stages() {
		sr, ok := res.StageResults[stage]
		if !ok {
			continue
		}
		sv := stageView{
			Stage:    string(stage),
			Success:  sr.Success,
			Tokens:   len(sr.Tokens),
			Duration: float64(sr.Duration.Microseconds()) / 1000,
		}
		if sr.Err != nil {
			sv.Error = sr.Err.Error()
		}
		view.Stages = append(view.Stages, sv)
	}

	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render result: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

// demoAgent is a stand-in for a real extraction backend: it sleeps briefly
// and emits fixed tokens (or passes its stage input through when emit is
// unset).
type demoAgent struct {
	agentType string
	stage     token.Stage
	emit      func(task *token.PipelineTask) []token.TokenResult
}

func (a *demoAgent) AgentType() string {
	return a.agentType
}

func (a *demoAgent) StageName() token.Stage {
	return a.stage
}

func (a *demoAgent) Process(ctx context.Context, task *token.PipelineTask) ([]token.TokenResult, error) {
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if a.emit != nil {
		return a.emit(task), nil
	}
	return task.StageInput(), nil
}

func (a *demoAgent) HealthCheck(ctx context.Context) bool {
	return true
}

func demoColorTokens(task *token.PipelineTask) []token.TokenResult {
	return []token.TokenResult{
		{
			TokenType:   token.TokenTypeColor,
			Name:        "primary",
			Path:        []string{"color", "brand", "primary"},
			W3CType:     "color",
			Value:       "#4F46E5",
			Description: "Primary brand color sampled from the hero section",
			Confidence:  0.94,
			Metadata:    map[string]any{"source_image": task.ImageURL},
		},
		{
			TokenType:  token.TokenTypeColor,
			Name:       "surface",
			Path:       []string{"color", "background", "surface"},
			W3CType:    "color",
			Value:      "#F9FAFB",
			Confidence: 0.88,
		},
	}
}

func demoTypographyTokens(task *token.PipelineTask) []token.TokenResult {
	return []token.TokenResult{
		{
			TokenType: token.TokenTypeTypography,
			Name:      "heading-1",
			Path:      []string{"typography", "heading", "1"},
			W3CType:   "typography",
			Value: map[string]any{
				"fontFamily": "Inter",
				"fontSize":   "32px",
				"fontWeight": 700,
				"lineHeight": 1.25,
			},
			Confidence: 0.81,
		},
	}
}
