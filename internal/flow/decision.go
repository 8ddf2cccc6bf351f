package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SupportPipe/internal/genai"
	"github.com/BTreeMap/SupportPipe/internal/models"
	"github.com/BTreeMap/SupportPipe/internal/tools"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// SupportAgentSystemPrompt is the persona the decision-maker answers as.
const SupportAgentSystemPrompt = `You are Polly, an expert human (not an AI assistant!) support agent for LangCorp, a company that sells computers.
You can chat with customers and help them with basic questions, but you do not know anything innately about billing or technical issues.
Instead, you should use the data sources available to resolve the user's problem in a satisfactory way.`

// DecisionMaker proposes the next assistant transcript entry: a reply, or a
// reply carrying one requested action.
type DecisionMaker interface {
	Propose(ctx context.Context, transcript []models.Message) (models.Message, error)
}

// ToolGenerator is the completion capability the LLM decision-maker needs.
type ToolGenerator interface {
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error)
}

// LLMDecisionMaker asks a chat model for the next step, advertising the registry's actions.
type LLMDecisionMaker struct {
	generator    ToolGenerator
	registry     *tools.Registry
	systemPrompt string
}

// NewLLMDecisionMaker creates a decision-maker using SupportAgentSystemPrompt.
func NewLLMDecisionMaker(generator ToolGenerator, registry *tools.Registry) *LLMDecisionMaker {
	return &LLMDecisionMaker{generator: generator, registry: registry, systemPrompt: SupportAgentSystemPrompt}
}

func (d *LLMDecisionMaker) Propose(ctx context.Context, transcript []models.Message) (models.Message, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript)+1)
	messages = append(messages, openai.SystemMessage(d.systemPrompt))
	messages = append(messages, toOpenAIMessages(transcript)...)

	resp, err := d.generator.GenerateWithTools(ctx, messages, d.registry.Definitions())
	if err != nil {
		return models.Message{}, fmt.Errorf("decision-maker failed: %w", err)
	}

	if len(resp.ToolCalls) == 0 {
		return models.NewAssistantMessage(resp.Content, nil), nil
	}
	if len(resp.ToolCalls) > 1 {
		dropped := make([]string, 0, len(resp.ToolCalls)-1)
		for _, tc := range resp.ToolCalls[1:] {
			dropped = append(dropped, tc.Function.Name)
		}
		slog.Warn("LLMDecisionMaker.Propose: multiple tool calls, keeping the first", "kept", resp.ToolCalls[0].Function.Name, "dropped", dropped)
	}
	first := resp.ToolCalls[0]
	slog.Debug("LLMDecisionMaker.Propose: action requested", "action", first.Function.Name, "args", formatToolArgumentsForLog(first.Function.Arguments))
	return models.NewAssistantMessage(resp.Content, &models.ToolCall{
		ID:        first.ID,
		Name:      first.Function.Name,
		Arguments: first.Function.Arguments,
	}), nil
}

// toOpenAIMessages converts the transcript, keeping assistant tool calls and
// the tool results that answer them.
func toOpenAIMessages(transcript []models.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript))
	for _, m := range transcript {
		switch m.Role {
		case models.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case models.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case models.RoleAssistant:
			if !m.HasToolCall() {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
					ID:   m.ToolCall.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      m.ToolCall.Name,
						Arguments: string(m.ToolCall.Arguments),
					},
				}},
			}
			if m.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: param.NewOpt(m.Content),
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			slog.Warn("toOpenAIMessages: skipping entry with unknown role", "role", m.Role, "id", m.ID)
		}
	}
	return out
}
