package pipeline

import (
	"time"

	"github.com/palettelabs/tokenpipe/pkg/token"
)

// StageResult is the outcome of one stage execution. For the extract stage
// the coordinator additionally records one StageResult per extraction agent
// (see PipelineResult.AgentResults).
type StageResult struct {
	Stage     token.Stage
	AgentType string
	Success   bool
	Err       error
	Tokens    []token.TokenResult
	Duration  time.Duration
}

// PipelineResult is the terminal artifact of one Execute call.
type PipelineResult struct {
	TaskID  string
	Success bool

	// Tokens is the final merged token list: the generate stage's output on
	// a successful run.
	Tokens []token.TokenResult

	// StageResults holds one entry per stage that ran, keyed by stage name.
	// The extract entry summarizes the whole fan-out.
	StageResults map[token.Stage]*StageResult

	// AgentResults holds one isolated StageResult per extraction agent, in
	// the order the agents were configured.
	AgentResults []*StageResult

	// Errors lists run-failing error messages in the order they occurred.
	Errors []string
}
