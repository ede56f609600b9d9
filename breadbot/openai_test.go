package breadbot

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestOpenAI(t testing.TB, client ChatCompletionClient) *OpenAI {
	t.Helper()
	cfg := DefaultTestConfig(t)
	o := newOpenAI(cfg.OpenAI, nil, nil)
	if client != nil {
		o.client = client
	}
	return o
}

func TestParseGeneratedName(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
		wantErr  bool
	}{
		{name: "stop sequence consumed", content: "[Breadix", expected: "Breadix"},
		{name: "with filler", content: "Some filler [Breadix", expected: "Breadix"},
		{name: "closing bracket kept", content: "[AlbyDough]. enjoy", expected: "AlbyDough"},
		{name: "first bracket wins", content: "[Rye Guy] or [Loafy]", expected: "Rye Guy"},
		{name: "whitespace trimmed", content: "[  Crumb Bum  ]", expected: "Crumb Bum"},
		{
			name:     "truncated to nickname limit",
			content:  "[" + strings.Repeat("b", 40) + "]",
			expected: strings.Repeat("b", maxNicknameLength),
		},
		{name: "no bracket", content: "Breadix", wantErr: true},
		{name: "empty name", content: "[]", wantErr: true},
		{name: "blank name", content: "[   ", wantErr: true},
		{name: "empty content", content: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got, err := parseGeneratedName(tt.content)
				if tt.wantErr {
					var parseErr *ParseError
					require.ErrorAs(t, err, &parseErr)
					assert.Equal(t, tt.content, parseErr.Content)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tt.expected, got)
			},
		)
	}
}

func TestNewNameRequest(t *testing.T) {
	req := newNameRequest("bread-test", "Bradix")
	assert.Equal(t, "bread-test", req.Model)
	assert.Equal(t, []string{"]"}, req.Stop)
	require.Len(t, req.Messages, 2)

	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, systemPrompt, req.Messages[0].Content)

	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
	assert.Equal(
		t,
		"Rewrite the name Bradix to be a bread related pun.",
		req.Messages[1].Content,
	)
}

func TestOpenAI_GenerateName(t *testing.T) {
	ctx := context.Background()

	t.Run(
		"success", func(t *testing.T) {
			client := &mockChatCompletionClient{}
			client.On(
				"CreateChatCompletion",
				mock.Anything,
				mock.MatchedBy(
					func(req openai.ChatCompletionRequest) bool {
						return req.Model == "bread-test" &&
							strings.Contains(req.Messages[1].Content, "Bradix")
					},
				),
			).Return(chatCompletion("Sure! [Breadix"), nil).Once()

			o := newTestOpenAI(t, client)
			name, err := o.GenerateName(ctx, "Bradix")
			require.NoError(t, err)
			assert.Equal(t, "Breadix", name)
			client.AssertExpectations(t)
		},
	)

	t.Run(
		"provider error", func(t *testing.T) {
			client := &mockChatCompletionClient{}
			apiErr := &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}
			client.On("CreateChatCompletion", mock.Anything, mock.Anything).
				Return(openai.ChatCompletionResponse{}, apiErr).Once()

			o := newTestOpenAI(t, client)
			_, err := o.GenerateName(ctx, "Bradix")

			var providerErr *ProviderError
			require.ErrorAs(t, err, &providerErr)
			var gotAPIErr *openai.APIError
			require.ErrorAs(t, err, &gotAPIErr)
			assert.Equal(t, http.StatusTooManyRequests, gotAPIErr.HTTPStatusCode)
		},
	)

	t.Run(
		"no choices", func(t *testing.T) {
			client := &mockChatCompletionClient{}
			client.On("CreateChatCompletion", mock.Anything, mock.Anything).
				Return(chatCompletion(), nil).Once()

			o := newTestOpenAI(t, client)
			_, err := o.GenerateName(ctx, "Bradix")
			assert.ErrorIs(t, err, ErrEmptyCompletion)
		},
	)

	t.Run(
		"unparseable", func(t *testing.T) {
			client := &mockChatCompletionClient{}
			client.On("CreateChatCompletion", mock.Anything, mock.Anything).
				Return(chatCompletion("I can't do that"), nil).Once()

			o := newTestOpenAI(t, client)
			_, err := o.GenerateName(ctx, "Bradix")
			var parseErr *ParseError
			assert.ErrorAs(t, err, &parseErr)
		},
	)

	t.Run(
		"request timeout applied", func(t *testing.T) {
			client := &mockChatCompletionClient{}
			client.On(
				"CreateChatCompletion",
				mock.MatchedBy(
					func(c context.Context) bool {
						_, ok := c.Deadline()
						return ok
					},
				),
				mock.Anything,
			).Return(chatCompletion("[Breadix]"), nil).Once()

			o := newTestOpenAI(t, client)
			o.config.RequestTimeout = time.Minute
			_, err := o.GenerateName(ctx, "Bradix")
			require.NoError(t, err)
			client.AssertExpectations(t)
		},
	)

	t.Run(
		"cancelled while rate limited", func(t *testing.T) {
			client := &mockChatCompletionClient{}
			o := newTestOpenAI(t, client)
			o.requestLimiter = newRequestLimiter(0.001)
			require.True(t, o.requestLimiter.Allow())

			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := o.GenerateName(cctx, "Bradix")
			var providerErr *ProviderError
			assert.ErrorAs(t, err, &providerErr)
			assert.ErrorIs(t, err, context.Canceled)
			client.AssertNotCalled(t, "CreateChatCompletion", mock.Anything, mock.Anything)
		},
	)

	t.Run(
		"deadline shorter than rate limit wait", func(t *testing.T) {
			client := &mockChatCompletionClient{}
			o := newTestOpenAI(t, client)
			o.requestLimiter = newRequestLimiter(0.001)
			require.True(t, o.requestLimiter.Allow())

			cctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			_, err := o.GenerateName(cctx, "Bradix")
			var providerErr *ProviderError
			require.ErrorAs(t, err, &providerErr)
			assert.NoError(t, cctx.Err())
			client.AssertNotCalled(t, "CreateChatCompletion", mock.Anything, mock.Anything)
		},
	)
}

// TestOpenAI_GenerateName_HTTP runs a request through the real go-openai
// client against a local server.
func TestOpenAI_GenerateName_HTTP(t *testing.T) {
	var gotReq openai.ChatCompletionRequest
	var gotAuth string
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/chat/completions" {
					http.NotFound(w, r)
					return
				}
				gotAuth = r.Header.Get("Authorization")
				if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(chatCompletion("[Loafy McLoafface"))
			},
		),
	)
	t.Cleanup(server.Close)

	cfg := DefaultTestConfig(t)
	cfg.OpenAI.Endpoint = server.URL + "/v1/"
	cfg.OpenAI.Token = "test-llm-key"
	o := newOpenAI(cfg.OpenAI, server.Client(), nil)

	name, err := o.GenerateName(context.Background(), "Lofty")
	require.NoError(t, err)
	assert.Equal(t, "Loafy McLoafface", name)
	assert.Equal(t, "Bearer test-llm-key", gotAuth)
	assert.Equal(t, "bread-test", gotReq.Model)
	assert.Equal(t, []string{"]"}, gotReq.Stop)
	require.Len(t, gotReq.Messages, 2)
	assert.Contains(t, gotReq.Messages[1].Content, "Lofty")
}

func TestProviderErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &ProviderError{Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}
