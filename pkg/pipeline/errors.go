package pipeline

import (
	"fmt"
	"strings"

	"github.com/palettelabs/tokenpipe/pkg/token"
)

// AgentExecutionError wraps any error an agent returns from Process,
// attributing it to the stage and agent that produced it.
type AgentExecutionError struct {
	Stage     token.Stage
	AgentType string
	Err       error
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("agent %s failed in %s stage: %v", e.AgentType, e.Stage, e.Err)
}

func (e *AgentExecutionError) Unwrap() error {
	return e.Err
}

// PartialExtractionError aggregates per-agent extract failures when the
// fail-on-partial-extraction policy is enabled. Any single failing agent
// raises it, regardless of how many of the others succeeded.
type PartialExtractionError struct {
	Failed int
	Total  int
	Errors []error
}

func (e *PartialExtractionError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("extraction failed for %d of %d agents: %s", e.Failed, e.Total, strings.Join(msgs, "; "))
}

func (e *PartialExtractionError) Unwrap() []error {
	return e.Errors
}
