package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"
	"github.com/palettelabs/tokenpipe/pkg/token"
)

// ExecuteBatch runs independent tasks with execution concurrency bounded by
// maxParallel and returns one PipelineResult per task, in input order. A
// failing task never aborts its siblings: per-task failures are folded into
// that task's PipelineResult exactly as in Execute.
func (c *Coordinator) ExecuteBatch(ctx context.Context, tasks []*token.PipelineTask, maxParallel int) ([]*PipelineResult, error) {
	if maxParallel <= 0 {
		return nil, errors.New("max parallel must be greater than 0")
	}
	for i, task := range tasks {
		if task == nil {
			return nil, fmt.Errorf("task %d is nil", i)
		}
	}
	if len(tasks) == 0 {
		return []*PipelineResult{}, nil
	}

	pool := pond.NewResultPool[*PipelineResult](maxParallel)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for _, task := range tasks {
		task := task
		group.SubmitErr(func() (*PipelineResult, error) {
			return c.Execute(ctx, task)
		})
	}

	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("batch execution: %w", err)
	}
	return results, nil
}
