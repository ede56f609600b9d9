package breadbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// maxNicknameLength is discord's limit on guild nicknames
	maxNicknameLength = 32

	nameOpenDelimiter  = "["
	nameCloseDelimiter = "]"

	systemPrompt = "You are a professional pun writer that specialized in " +
		"bread puns. you are very creative. Your response contains the name " +
		"encapsulated in []. for example [name_1]. be sure to have a very " +
		"creative name but have it still adjacent to the original name. and " +
		"keep in mind the format as it is very important.  example(s):\n\n" +
		"user: Rewrite the name Bradix to be a bread related pun.\n" +
		"assistant: [Breadix].\n\n" +
		"user: Rewrite the name AlbyPro to be a bread related pun.\n" +
		"assistant: [AlbyDough].\n"

	userPromptFormat = "Rewrite the name %s to be a bread related pun."
)

// ErrEmptyCompletion is returned when the provider responds without
// any choices
var ErrEmptyCompletion = errors.New("completion returned no choices")

// ProviderError wraps a transport or API error returned by the
// completion provider
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: %s", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ParseError indicates the completion didn't contain a usable
// bracketed name
type ParseError struct {
	Content string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("no name found in completion: %q", e.Content)
}

// NameGenerator produces a single candidate name for the given display name
type NameGenerator interface {
	GenerateName(ctx context.Context, displayName string) (string, error)
}

// ChatCompletionClient is the subset of the go-openai client used to
// generate names.
type ChatCompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAI generates names with an OpenAI-compatible chat completion API.
// Each call is a single attempt: retries are handled by NameResolver.
type OpenAI struct {
	client         ChatCompletionClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

func newOpenAI(
	config *OpenAIConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(config.Token)
	clientCfg.BaseURL = strings.TrimSuffix(config.Endpoint, "/")
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	return &OpenAI{
		client:         openai.NewClientWithConfig(clientCfg),
		config:         config,
		logger:         logger.With(loggerNameKey, "openai"),
		requestLimiter: newRequestLimiter(config.MaxRequestsPerSecond),
	}
}

func newRequestLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// GenerateName sends a single completion request asking for a bread pun
// of displayName, and returns the parsed name.
func (o *OpenAI) GenerateName(ctx context.Context, displayName string) (
	string,
	error,
) {
	logger := contextLoggerOr(ctx, o.logger)

	if err := o.requestLimiter.Wait(ctx); err != nil {
		return "", &ProviderError{Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	if o.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.RequestTimeout)
		defer cancel()
	}

	req := newNameRequest(o.config.Model, displayName)
	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		return "", &ProviderError{Err: err}
	}

	logger.DebugContext(
		ctx,
		"got completion",
		"display_name", displayName,
		"elapsed", elapsed,
		"choices", len(resp.Choices),
		"total_tokens", resp.Usage.TotalTokens,
	)
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return parseGeneratedName(resp.Choices[0].Message.Content)
}

func newNameRequest(model string, displayName string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf(userPromptFormat, displayName),
			},
		},
		Stop: []string{nameCloseDelimiter},
	}
}

// parseGeneratedName extracts the name following the first '['. The
// closing ']' is normally consumed as the stop sequence, but if a
// provider ignores it, the name ends at the first ']'.
func parseGeneratedName(content string) (string, error) {
	_, after, found := strings.Cut(content, nameOpenDelimiter)
	if !found {
		return "", &ParseError{Content: content}
	}
	name, _, _ := strings.Cut(after, nameCloseDelimiter)
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ParseError{Content: content}
	}
	return strings.TrimSpace(truncate(name, maxNicknameLength)), nil
}
