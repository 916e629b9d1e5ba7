// Package openai implements the oracle contracts on top of the OpenAI Chat
// Completions API. It mirrors the Anthropic adapter so deployments can swap
// providers without touching engine wiring.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tessera-ai/tessera/features/oracle/prompts"
	"github.com/tessera-ai/tessera/runtime/oracle"
	"github.com/tessera-ai/tessera/runtime/state"
)

const (
	defaultClassifyTokens = 16
	defaultPlanTokens     = 2048
	defaultAnswerTokens   = 4096
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// adapter. It is satisfied by *sdk.ChatCompletionService so callers can
	// pass either a real client or a fake in tests.
	ChatClient interface {
		New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI oracle.
	Options struct {
		// Model is the model identifier for planning and synthesis.
		// Required.
		Model string
		// ClassifierModel is the model used for classification.
		// Defaults to Model.
		ClassifierModel string
		// Temperature applies to planning and synthesis calls.
		Temperature float64
		// MaxAnswerTokens caps the synthesized answer.
		MaxAnswerTokens int64
	}

	// Oracle implements oracle.Classifier, oracle.Planner, and
	// oracle.Synthesizer via Chat Completions.
	Oracle struct {
		chat         ChatClient
		model        string
		classifier   string
		temp         float64
		answerTokens int64
	}
)

// New builds an OpenAI-backed oracle from the provided chat client.
func New(chat ChatClient, opts Options) (*Oracle, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	classifier := opts.ClassifierModel
	if classifier == "" {
		classifier = opts.Model
	}
	answerTokens := opts.MaxAnswerTokens
	if answerTokens <= 0 {
		answerTokens = defaultAnswerTokens
	}
	return &Oracle{
		chat:         chat,
		model:        opts.Model,
		classifier:   classifier,
		temp:         opts.Temperature,
		answerTokens: answerTokens,
	}, nil
}

// NewFromAPIKey constructs an oracle using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Oracle, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, opts)
}

// Classify asks the model for the query's complexity label.
func (o *Oracle) Classify(ctx context.Context, query string) (state.Complexity, error) {
	reply, err := o.complete(ctx, o.classifier, prompts.ClassifySystem, prompts.Classify(query), defaultClassifyTokens, 0)
	if err != nil {
		return "", fmt.Errorf("openai classify: %w", err)
	}
	complexity, err := oracle.ParseComplexity(prompts.NormalizeLabel(reply))
	if err != nil {
		return "", fmt.Errorf("openai classify: %w", err)
	}
	return complexity, nil
}

// Plan asks the model for a task plan and decodes its JSON reply.
func (o *Oracle) Plan(ctx context.Context, req oracle.PlanRequest) ([]oracle.ProposedTask, error) {
	reply, err := o.complete(ctx, o.model, prompts.PlanSystem, prompts.Plan(req), defaultPlanTokens, o.temp)
	if err != nil {
		return nil, fmt.Errorf("openai plan: %w", err)
	}
	tasks, err := prompts.ParseTasks(reply)
	if err != nil {
		return nil, fmt.Errorf("openai plan: %w", err)
	}
	return tasks, nil
}

// Synthesize asks the model for the final answer.
func (o *Oracle) Synthesize(ctx context.Context, st *state.State) (string, error) {
	reply, err := o.complete(ctx, o.model, prompts.SynthesisSystem, prompts.Synthesis(st), o.answerTokens, o.temp)
	if err != nil {
		return "", fmt.Errorf("openai synthesize: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

func (o *Oracle) complete(ctx context.Context, model, system, user string, maxTokens int64, temp float64) (string, error) {
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(system),
			sdk.UserMessage(user),
		},
		MaxTokens: sdk.Int(maxTokens),
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	resp, err := o.chat.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat.completions.new: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.New("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}
