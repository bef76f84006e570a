package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/events"
)

// Executor runs tool calls requested by the model.
type Executor interface {
	ExecuteCall(ctx context.Context, md events.EventMetadata, call Call, registry Registry) (*Result, error)
	ExecuteCalls(ctx context.Context, md events.EventMetadata, calls []Call, registry Registry) ([]*Result, error)
}

// DefaultExecutor executes calls with per-call timeouts, retry with
// exponential backoff, and bounded parallelism. Tool failures become
// error results; only context cancellation surfaces as an error.
type DefaultExecutor struct {
	config engine.ToolConfig
}

func NewDefaultExecutor(config engine.ToolConfig) *DefaultExecutor {
	return &DefaultExecutor{config: config}
}

func (e *DefaultExecutor) ExecuteCall(ctx context.Context, md events.EventMetadata, call Call, registry Registry) (*Result, error) {
	start := time.Now()

	events.PublishEventToContext(ctx, events.NewToolCallExecuteEvent(md, events.ToolCall{
		ID:    call.ID,
		Name:  call.Name,
		Input: string(call.Arguments),
	}))

	result := e.run(ctx, call, registry)
	result.ID = call.ID
	result.Duration = time.Since(start)

	events.PublishEventToContext(ctx, events.NewToolCallExecutionResultEvent(md, events.ToolResult{
		ID:     call.ID,
		Result: result.ValueJSON(),
		Error:  result.Error,
	}))

	if result.Error != "" {
		log.Warn().Str("tool", call.Name).Str("tool_id", call.ID).
			Str("error", result.Error).Msg("tool execution failed")
	} else {
		log.Debug().Str("tool", call.Name).Str("tool_id", call.ID).
			Dur("duration", result.Duration).Msg("tool executed")
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (e *DefaultExecutor) run(ctx context.Context, call Call, registry Registry) *Result {
	tool, err := registry.Get(call.Name)
	if err != nil {
		return &Result{Error: fmt.Sprintf("tool not found: %s", call.Name)}
	}
	if !e.config.IsToolAllowed(call.Name) {
		return &Result{Error: fmt.Sprintf("tool not allowed: %s", call.Name)}
	}
	return e.runWithRetry(ctx, call, tool)
}

func (e *DefaultExecutor) runWithRetry(ctx context.Context, call Call, tool *Tool) *Result {
	var lastErr error
	retries := 0

	for attempt := 0; attempt <= e.config.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.config.Retry.BackoffBase
			for i := 1; i < attempt; i++ {
				backoff = time.Duration(float64(backoff) * e.config.Retry.BackoffFactor)
			}
			select {
			case <-ctx.Done():
				return &Result{Error: "cancelled during retry backoff", Retries: retries}
			case <-time.After(backoff):
			}
			retries++
		}

		value, err := e.invokeOnce(ctx, call, tool)
		if err == nil {
			return &Result{Value: value, Retries: retries}
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	if retries > 0 {
		return &Result{Error: fmt.Sprintf("execution failed after %d retries: %v", retries, lastErr), Retries: retries}
	}
	return &Result{Error: lastErr.Error()}
}

// invokeOnce runs a single attempt so the per-attempt timeout is released
// as soon as the attempt ends.
func (e *DefaultExecutor) invokeOnce(ctx context.Context, call Call, tool *Tool) (interface{}, error) {
	if e.config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ExecutionTimeout)
		defer cancel()
	}
	return tool.Invoke(ctx, call.Arguments)
}

func (e *DefaultExecutor) ExecuteCalls(ctx context.Context, md events.EventMetadata, calls []Call, registry Registry) ([]*Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	if len(calls) == 1 || e.config.MaxParallelTools <= 1 {
		results := make([]*Result, 0, len(calls))
		for _, call := range calls {
			result, err := e.ExecuteCall(ctx, md, call, registry)
			results = append(results, result)
			if err != nil {
				return results, err
			}
		}
		return results, nil
	}

	results := make([]*Result, len(calls))
	errs := make([]error, len(calls))
	sem := make(chan struct{}, e.config.MaxParallelTools)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(index int, c Call) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[index], errs[index] = e.ExecuteCall(ctx, md, c, registry)
		}(i, call)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
