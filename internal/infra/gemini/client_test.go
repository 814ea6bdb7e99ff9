package gemini_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/gemini"
)

const okBody = `{
  "candidates": [{"content": {"parts": [{"text": "{\"a\":"}, {"text": " 1}"}]}, "finishReason": "STOP"}],
  "usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 5}
}`

func TestGenerate_Success(t *testing.T) {
	var gotKey, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	c := gemini.NewClient(srv.Client(), srv.URL)
	resp, err := c.Generate(context.Background(), "AIzaSecret", "gemini-2.0-flash", domain.GenerationRequest{
		Content: domain.TextContent("analyze this"),
		Config:  domain.ModelConfig{Temperature: 0.4, MaxOutputTokens: 2048},
	})
	require.NoError(t, err)

	assert.Equal(t, `{"a": 1}`, resp.Text)
	assert.Equal(t, 12, resp.PromptTokens)
	assert.Equal(t, 5, resp.CompletionTokens)
	assert.Equal(t, "AIzaSecret", gotKey)
	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", gotPath)
	assert.Equal(t, "analyze this", gjson.GetBytes(gotBody, "contents.0.parts.0.text").String())
	assert.Equal(t, 0.4, gjson.GetBytes(gotBody, "generationConfig.temperature").Float())
}

func TestBuildRequestBody_MultipartAndTools(t *testing.T) {
	body, err := gemini.BuildRequestBody(domain.GenerationRequest{
		Content: domain.Content{Parts: []domain.Part{
			{Text: "read the attached CV"},
			{MIMEType: "application/pdf", Data: []byte("%PDF")},
		}},
		Tools:  []string{"google_search"},
		Config: domain.ModelConfig{TopK: 40, TopP: 0.95},
	})
	require.NoError(t, err)

	parts := gjson.GetBytes(body, "contents.0.parts").Array()
	require.Len(t, parts, 2)
	assert.Equal(t, "read the attached CV", parts[0].Get("text").String())
	assert.Equal(t, "application/pdf", parts[1].Get("inline_data.mime_type").String())
	assert.Equal(t, "JVBERg==", parts[1].Get("inline_data.data").String())
	assert.True(t, gjson.GetBytes(body, "tools.0.google_search").IsObject())
	assert.Equal(t, int64(40), gjson.GetBytes(body, "generationConfig.topK").Int())
	assert.False(t, gjson.GetBytes(body, "generationConfig.temperature").Exists())
}

func TestBuildRequestBody_RejectsEmptyPrompt(t *testing.T) {
	_, err := gemini.BuildRequestBody(domain.GenerationRequest{})
	assert.Error(t, err)
}

func TestGenerate_ErrorClassificationInputs(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		wantReason string
		wantRetry  time.Duration
	}{
		{
			name:      "rate limited with retry info",
			status:    http.StatusTooManyRequests,
			body:      `{"error":{"code":429,"message":"quota","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"37s"}]}}`,
			wantRetry: 37 * time.Second,
		},
		{
			name:      "rate limited with header",
			status:    http.StatusTooManyRequests,
			header:    map[string]string{"Retry-After": "120"},
			body:      `{"error":{"code":429,"message":"quota"}}`,
			wantRetry: 2 * time.Minute,
		},
		{
			name:       "invalid key",
			status:     http.StatusBadRequest,
			body:       `{"error":{"code":400,"message":"API key not valid","details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"API_KEY_INVALID"}]}}`,
			wantReason: "API_KEY_INVALID",
		},
		{
			name:   "server error with plain body",
			status: http.StatusServiceUnavailable,
			body:   `overloaded`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := gemini.NewClient(srv.Client(), srv.URL).Generate(context.Background(), "k", "m", domain.GenerationRequest{Content: domain.TextContent("x")})
			var up *domain.ErrUpstream
			require.True(t, errors.As(err, &up))
			assert.Equal(t, tc.status, up.Status)
			assert.Equal(t, tc.wantReason, up.Reason)
			assert.Equal(t, tc.wantRetry, up.RetryAfter)
			assert.NotEmpty(t, up.Message)
		})
	}
}

func TestGenerate_EmptyCandidateIsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer srv.Close()

	_, err := gemini.NewClient(srv.Client(), srv.URL).Generate(context.Background(), "k", "m", domain.GenerationRequest{Content: domain.TextContent("x")})
	var up *domain.ErrUpstream
	require.True(t, errors.As(err, &up))
	assert.Equal(t, http.StatusBadGateway, up.Status)
	assert.Equal(t, "SAFETY", up.Reason)
}

func TestGenerate_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := gemini.NewClient(http.DefaultClient, url).Generate(context.Background(), "k", "m", domain.GenerationRequest{Content: domain.TextContent("x")})
	var up *domain.ErrUpstream
	require.True(t, errors.As(err, &up))
	assert.Equal(t, 0, up.Status)
}
