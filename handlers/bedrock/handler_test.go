package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/nimbusflow/reactor/task"
)

type fakeRuntimeClient struct {
	output *bedrockruntime.ConverseOutput
	err    error
}

func (f *fakeRuntimeClient) Converse(context.Context, *bedrockruntime.ConverseInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return f.output, f.err
}

func TestDefinitionReturnsAssembledText(t *testing.T) {
	client := &fakeRuntimeClient{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{
				Value: brtypes.Message{
					Role: brtypes.ConversationRoleAssistant,
					Content: []brtypes.ContentBlock{
						&brtypes.ContentBlockMemberText{Value: "hello from bedrock"},
					},
				},
			},
		},
	}
	def := NewDefinition("greet", client, Options{ModelID: "anthropic.claude-test"})

	result, err := def.Handler(context.Background(), &task.Context{Input: Prompt{User: "hi"}})
	require.NoError(t, err)
	require.Equal(t, "hello from bedrock", result)
}

func TestDefinitionPropagatesClientError(t *testing.T) {
	client := &fakeRuntimeClient{err: errors.New("throttled")}
	def := NewDefinition("greet", client, Options{ModelID: "anthropic.claude-test"})

	_, err := def.Handler(context.Background(), &task.Context{Input: Prompt{User: "hi"}})
	require.Error(t, err)
}

func TestDefinitionRejectsWrongInputType(t *testing.T) {
	client := &fakeRuntimeClient{}
	def := NewDefinition("greet", client, Options{ModelID: "anthropic.claude-test"})

	_, err := def.Handler(context.Background(), &task.Context{Input: 42})
	require.Error(t, err)
}
