// Package bedrock provides an illustrative task.Definition that sends a
// prompt through the AWS Bedrock Converse API.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nimbusflow/reactor/resilience"
	"github.com/nimbusflow/reactor/task"
)

// RuntimeClient captures the subset of the Bedrock runtime client used
// here, matching *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the handler's default model and resilience
// primitives.
type Options struct {
	ModelID        string
	CircuitBreaker *resilience.CircuitBreaker
	Retry          resilience.RetryConfig
}

// Prompt is the task.Context.Input shape this handler expects.
type Prompt struct {
	System string
	User   string
}

// NewDefinition builds a task.Definition of type taskType backed by
// client's Converse API.
func NewDefinition(taskType string, client RuntimeClient, opts Options) task.Definition {
	handler := func(ctx context.Context, tctx *task.Context) (any, error) {
		prompt, ok := tctx.Input.(Prompt)
		if !ok {
			return nil, errors.New("bedrock handler: input must be a Prompt")
		}

		call := func(ctx context.Context) (*bedrockruntime.ConverseOutput, error) {
			input := &bedrockruntime.ConverseInput{
				ModelId: &opts.ModelID,
				Messages: []brtypes.Message{
					{
						Role: brtypes.ConversationRoleUser,
						Content: []brtypes.ContentBlock{
							&brtypes.ContentBlockMemberText{Value: prompt.User},
						},
					},
				},
			}
			if prompt.System != "" {
				input.System = []brtypes.SystemContentBlock{
					&brtypes.SystemContentBlockMemberText{Value: prompt.System},
				}
			}
			return client.Converse(ctx, input)
		}

		attempt := func(ctx context.Context) (*bedrockruntime.ConverseOutput, error) {
			if opts.CircuitBreaker != nil {
				return resilience.Execute(ctx, opts.CircuitBreaker, call)
			}
			return call(ctx)
		}
		out, err := resilience.Retry(ctx, opts.Retry, attempt)
		if err != nil {
			return nil, fmt.Errorf("bedrock converse: %w", err)
		}
		return extractText(out), nil
	}

	return task.Definition{
		Type:    taskType,
		Handler: handler,
	}
}

func extractText(out *bedrockruntime.ConverseOutput) string {
	if out == nil {
		return ""
	}
	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var text string
	for _, block := range msgOutput.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}
	return text
}
