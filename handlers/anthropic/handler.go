// Package anthropic provides an illustrative task.Definition that sends a
// prompt through the Anthropic Messages API. It is a consumer of package
// task, never the reverse: the executor knows nothing about this package.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nimbusflow/reactor/resilience"
	"github.com/nimbusflow/reactor/task"
)

// MessagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a fake without a network round trip.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the handler's default model and sampling parameters,
// plus the resilience primitives it runs every call through.
type Options struct {
	Model          string
	MaxTokens      int64
	Temperature    float64
	CircuitBreaker *resilience.CircuitBreaker
	Retry          resilience.RetryConfig
}

// Prompt is the task.Context.Input shape this handler expects: a single
// user turn plus an optional system prompt.
type Prompt struct {
	System string
	User   string
}

// NewDefinition builds a task.Definition of type taskType that calls client
// for every attempt, wrapped in opts.CircuitBreaker (if set) and retried
// per opts.Retry independent of the executor's own retry loop — the
// circuit breaker is evaluated inside the handler so a tripped breaker
// reports errs.CircuitOpen to the executor as a normal handler failure,
// which then follows the task's own RetryPolicy.
func NewDefinition(taskType string, client MessagesClient, opts Options) task.Definition {
	handler := func(ctx context.Context, tctx *task.Context) (any, error) {
		prompt, ok := tctx.Input.(Prompt)
		if !ok {
			return nil, errors.New("anthropic handler: input must be a Prompt")
		}
		call := func(ctx context.Context) (*sdk.Message, error) {
			params := sdk.MessageNewParams{
				Model:     sdk.Model(opts.Model),
				MaxTokens: opts.MaxTokens,
				Messages: []sdk.MessageParam{
					sdk.NewUserMessage(sdk.NewTextBlock(prompt.User)),
				},
			}
			if prompt.System != "" {
				params.System = []sdk.TextBlockParam{{Text: prompt.System}}
			}
			if opts.Temperature > 0 {
				params.Temperature = sdk.Float(opts.Temperature)
			}
			return client.New(ctx, params)
		}

		attempt := func(ctx context.Context) (*sdk.Message, error) {
			if opts.CircuitBreaker != nil {
				return resilience.Execute(ctx, opts.CircuitBreaker, call)
			}
			return call(ctx)
		}
		msg, err := resilience.Retry(ctx, opts.Retry, attempt)
		if err != nil {
			return nil, fmt.Errorf("anthropic messages.new: %w", err)
		}
		return extractText(msg), nil
	}

	return task.Definition{
		Type:    taskType,
		Handler: handler,
	}
}

func extractText(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}
