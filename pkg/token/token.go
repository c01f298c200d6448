// Package token defines the domain types shared by the pipeline coordinator
// and the agent pool: tasks, extracted design tokens, and the Agent
// capability that all extraction, aggregation, validation, and generation
// workers implement.
package token

import (
	"context"
	"maps"
	"time"
)

// Stage identifies one phase of the fixed pipeline sequence.
type Stage string

const (
	StagePreprocess Stage = "preprocess"
	StageExtract    Stage = "extract"
	StageAggregate  Stage = "aggregate"
	StageValidate   Stage = "validate"
	StageGenerate   Stage = "generate"
)

func (s Stage) String() string {
	return string(s)
}

// Stages returns the pipeline stage sequence in execution order.
func Stages() []Stage {
	return []Stage{StagePreprocess, StageExtract, StageAggregate, StageValidate, StageGenerate}
}

// TokenType is an extraction category a caller can request.
type TokenType string

const (
	TokenTypeColor      TokenType = "color"
	TokenTypeTypography TokenType = "typography"
	TokenTypeSpacing    TokenType = "spacing"
	TokenTypeShadow     TokenType = "shadow"
	TokenTypeBorder     TokenType = "border"
	TokenTypeGradient   TokenType = "gradient"
)

// StageInputKey is the task Context key under which the coordinator hands a
// stage the token list produced by the previous stage.
const StageInputKey = "tokenpipe.stage_input"

// PipelineTask is one unit of extraction work submitted by a caller.
// It is immutable for the duration of a run; the coordinator never writes
// to a caller's task (see WithStageInput).
type PipelineTask struct {
	TaskID     string
	ImageURL   string
	TokenTypes []TokenType
	Priority   int
	Context    map[string]any
	CreatedAt  time.Time
}

// WithStageInput returns a shallow copy of the task whose Context is a clone
// of the original with tokens stored under StageInputKey. The original task
// and its Context are left untouched.
func (t *PipelineTask) WithStageInput(tokens []TokenResult) *PipelineTask {
	copied := *t
	ctx := make(map[string]any, len(t.Context)+1)
	maps.Copy(ctx, t.Context)
	ctx[StageInputKey] = tokens
	copied.Context = ctx
	return &copied
}

// StageInput returns the token list handed to this task's stage by the
// coordinator, or nil when the task carries none (first stage, or a task
// submitted directly to a pool).
func (t *PipelineTask) StageInput() []TokenResult {
	if t.Context == nil {
		return nil
	}
	tokens, _ := t.Context[StageInputKey].([]TokenResult)
	return tokens
}

// TokenResult is one extracted design token. Instances are immutable once
// returned by an agent; stages produce new lists rather than editing tokens
// in place.
type TokenResult struct {
	TokenType   TokenType
	Name        string
	Path        []string
	W3CType     string
	Value       any
	Description string
	Reference   string
	Confidence  float64
	Extensions  map[string]any
	Metadata    map[string]any
}

// Agent is the capability implemented by every pipeline worker. Process
// performs the stage's work for one task and returns the tokens it produced;
// it reports failure by returning an error. HealthCheck reports whether the
// agent's backing dependency is currently usable.
type Agent interface {
	AgentType() string
	StageName() Stage
	Process(ctx context.Context, task *PipelineTask) ([]TokenResult, error)
	HealthCheck(ctx context.Context) bool
}
