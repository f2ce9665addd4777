// Package openai provides an illustrative task.Definition that sends a
// prompt through the OpenAI Chat Completions API. Like package anthropic,
// it is a consumer of package task, not a dependency of it.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/nimbusflow/reactor/resilience"
	"github.com/nimbusflow/reactor/task"
)

// ChatClient captures the subset of the OpenAI SDK used here.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// Options configures the handler's default model and the resilience
// primitives every call runs through.
type Options struct {
	Model          string
	CircuitBreaker *resilience.CircuitBreaker
	Retry          resilience.RetryConfig
}

// Prompt is the task.Context.Input shape this handler expects.
type Prompt struct {
	System string
	User   string
}

// NewDefinition builds a task.Definition of type taskType backed by client.
func NewDefinition(taskType string, client ChatClient, opts Options) task.Definition {
	handler := func(ctx context.Context, tctx *task.Context) (any, error) {
		prompt, ok := tctx.Input.(Prompt)
		if !ok {
			return nil, errors.New("openai handler: input must be a Prompt")
		}

		call := func(ctx context.Context) (*openai.ChatCompletion, error) {
			messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
			if prompt.System != "" {
				messages = append(messages, openai.SystemMessage(prompt.System))
			}
			messages = append(messages, openai.UserMessage(prompt.User))
			return client.New(ctx, openai.ChatCompletionNewParams{
				Model:    opts.Model,
				Messages: messages,
			})
		}

		attempt := func(ctx context.Context) (*openai.ChatCompletion, error) {
			if opts.CircuitBreaker != nil {
				return resilience.Execute(ctx, opts.CircuitBreaker, call)
			}
			return call(ctx)
		}
		resp, err := resilience.Retry(ctx, opts.Retry, attempt)
		if err != nil {
			return nil, fmt.Errorf("openai chat.completions.new: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("openai handler: empty response")
		}
		return resp.Choices[0].Message.Content, nil
	}

	return task.Definition{
		Type:    taskType,
		Handler: handler,
	}
}
