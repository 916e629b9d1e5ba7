// Package anthropic implements the oracle contracts on top of the Anthropic
// Claude Messages API. One adapter serves classification, planning, and
// synthesis; each role uses its own system prompt and token budget.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

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
	// MessagesClient captures the subset of the Anthropic SDK client used
	// by the adapter. It is satisfied by *sdk.MessageService so callers can
	// pass either a real client or a fake in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic oracle.
	Options struct {
		// Model is the Claude model identifier for planning and
		// synthesis. Required.
		Model string
		// ClassifierModel is the model used for classification.
		// Defaults to Model; a small model is usually enough.
		ClassifierModel string
		// Temperature applies to planning and synthesis calls.
		Temperature float64
		// MaxAnswerTokens caps the synthesized answer.
		MaxAnswerTokens int64
	}

	// Oracle implements oracle.Classifier, oracle.Planner, and
	// oracle.Synthesizer via Claude Messages.
	Oracle struct {
		msg          MessagesClient
		model        string
		classifier   string
		temp         float64
		answerTokens int64
	}
)

// New builds an Anthropic-backed oracle from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Oracle, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
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
		msg:          msg,
		model:        opts.Model,
		classifier:   classifier,
		temp:         opts.Temperature,
		answerTokens: answerTokens,
	}, nil
}

// NewFromAPIKey constructs an oracle using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Oracle, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Classify asks the model for the query's complexity label.
func (o *Oracle) Classify(ctx context.Context, query string) (state.Complexity, error) {
	reply, err := o.complete(ctx, o.classifier, prompts.ClassifySystem, prompts.Classify(query), defaultClassifyTokens, 0)
	if err != nil {
		return "", fmt.Errorf("anthropic classify: %w", err)
	}
	complexity, err := oracle.ParseComplexity(prompts.NormalizeLabel(reply))
	if err != nil {
		return "", fmt.Errorf("anthropic classify: %w", err)
	}
	return complexity, nil
}

// Plan asks the model for a task plan and decodes its JSON reply.
func (o *Oracle) Plan(ctx context.Context, req oracle.PlanRequest) ([]oracle.ProposedTask, error) {
	reply, err := o.complete(ctx, o.model, prompts.PlanSystem, prompts.Plan(req), defaultPlanTokens, o.temp)
	if err != nil {
		return nil, fmt.Errorf("anthropic plan: %w", err)
	}
	tasks, err := prompts.ParseTasks(reply)
	if err != nil {
		return nil, fmt.Errorf("anthropic plan: %w", err)
	}
	return tasks, nil
}

// Synthesize asks the model for the final answer.
func (o *Oracle) Synthesize(ctx context.Context, st *state.State) (string, error) {
	reply, err := o.complete(ctx, o.model, prompts.SynthesisSystem, prompts.Synthesis(st), o.answerTokens, o.temp)
	if err != nil {
		return "", fmt.Errorf("anthropic synthesize: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

func (o *Oracle) complete(ctx context.Context, model, system, user string, maxTokens int64, temp float64) (string, error) {
	params := sdk.MessageNewParams{
		MaxTokens: maxTokens,
		Model:     sdk.Model(model),
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	msg, err := o.msg.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("messages.new: %w", err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("empty completion")
	}
	return b.String(), nil
}
