// Package gemini is the generation backend adapter for the Gemini
// generateContent REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
)

var tracer = otel.Tracer("infra/gemini")

// DefaultBaseURL is the public Generative Language API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 8 << 10

// Client calls generateContent with a caller-supplied API key.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new Client. An empty baseURL uses DefaultBaseURL.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Generate performs one generateContent call. Non-2xx responses are
// returned as *domain.ErrUpstream.
func (c *Client) Generate(ctx context.Context, apiKey, model string, req domain.GenerationRequest) (*domain.GenerationResponse, error) {
	ctx, span := tracer.Start(ctx, "Gemini.Generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("gemini.model", model))

	body, err := BuildRequestBody(req)
	if err != nil {
		return nil, &domain.ErrClientRequest{Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, url.PathEscape(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.ErrClientRequest{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.ErrUpstream{Message: "transport failure", Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		upErr := parseError(resp.StatusCode, resp.Header, slurp)
		span.SetStatus(codes.Error, upErr.Error())
		return nil, upErr
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.ErrUpstream{Status: resp.StatusCode, Message: "reading response body", Err: err}
	}
	out, err := ParseResponse(raw)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("gemini.prompt_tokens", out.PromptTokens),
		attribute.Int("gemini.completion_tokens", out.CompletionTokens),
	)
	return out, nil
}

// BuildRequestBody renders req as a generateContent JSON body.
func BuildRequestBody(req domain.GenerationRequest) ([]byte, error) {
	if req.Content.Empty() {
		return nil, errors.New("empty prompt")
	}

	body := []byte(`{"contents":[{"role":"user","parts":[]}]}`)
	var err error
	for _, p := range req.Content.Parts {
		switch {
		case p.IsBinary():
			mime := p.MIMEType
			if mime == "" {
				mime = "application/octet-stream"
			}
			body, err = sjson.SetBytes(body, "contents.0.parts.-1", map[string]any{
				"inline_data": map[string]string{
					"mime_type": mime,
					"data":      base64.StdEncoding.EncodeToString(p.Data),
				},
			})
		case p.Text != "":
			body, err = sjson.SetBytes(body, "contents.0.parts.-1", map[string]string{"text": p.Text})
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("encoding part: %w", err)
		}
	}

	cfg := req.Config
	if cfg.Temperature > 0 {
		if body, err = sjson.SetBytes(body, "generationConfig.temperature", cfg.Temperature); err != nil {
			return nil, err
		}
	}
	if cfg.TopK > 0 {
		if body, err = sjson.SetBytes(body, "generationConfig.topK", cfg.TopK); err != nil {
			return nil, err
		}
	}
	if cfg.TopP > 0 {
		if body, err = sjson.SetBytes(body, "generationConfig.topP", cfg.TopP); err != nil {
			return nil, err
		}
	}
	if cfg.MaxOutputTokens > 0 {
		if body, err = sjson.SetBytes(body, "generationConfig.maxOutputTokens", cfg.MaxOutputTokens); err != nil {
			return nil, err
		}
	}

	for _, tool := range req.Tools {
		if tool == "" {
			continue
		}
		if body, err = sjson.SetRawBytes(body, "tools.-1", []byte(`{`+strconv.Quote(tool)+`:{}}`)); err != nil {
			return nil, fmt.Errorf("encoding tool %q: %w", tool, err)
		}
	}
	return body, nil
}

// ParseResponse extracts the concatenated candidate text and token usage.
func ParseResponse(raw []byte) (*domain.GenerationResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &domain.ErrUpstream{Status: http.StatusBadGateway, Message: "malformed response body"}
	}
	res := gjson.ParseBytes(raw)

	var sb strings.Builder
	for _, part := range res.Get("candidates.0.content.parts").Array() {
		if part.Get("thought").Bool() {
			continue
		}
		sb.WriteString(part.Get("text").String())
	}
	if sb.Len() == 0 {
		reason := res.Get("promptFeedback.blockReason").String()
		if reason == "" {
			reason = res.Get("candidates.0.finishReason").String()
		}
		return nil, &domain.ErrUpstream{
			Status:  http.StatusBadGateway,
			Reason:  reason,
			Message: "response carried no text",
		}
	}

	return &domain.GenerationResponse{
		Text:             sb.String(),
		PromptTokens:     int(res.Get("usageMetadata.promptTokenCount").Int()),
		CompletionTokens: int(res.Get("usageMetadata.candidatesTokenCount").Int()),
	}, nil
}

func parseError(status int, header http.Header, body []byte) *domain.ErrUpstream {
	e := &domain.ErrUpstream{Status: status, Message: http.StatusText(status)}
	if gjson.ValidBytes(body) {
		res := gjson.ParseBytes(body)
		if msg := res.Get("error.message").String(); msg != "" {
			e.Message = msg
		}
		e.Reason = res.Get(`error.details.#(reason).reason`).String()
		if d, err := time.ParseDuration(res.Get(`error.details.#(retryDelay).retryDelay`).String()); err == nil {
			e.RetryAfter = d
		}
	} else if len(body) > 0 {
		e.Message = strings.TrimSpace(string(body))
	}
	if d := parseRetryAfter(header.Get("Retry-After")); d > e.RetryAfter {
		e.RetryAfter = d
	}
	return e
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
