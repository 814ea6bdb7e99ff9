// Package domain defines the core entities of the CV analysis BFA: generation
// requests and outcomes, pipeline snapshots and the typed errors shared by
// every layer.
package domain

import "time"

// ============================================================
// Generation requests and outcomes
// ============================================================

// Part is one piece of multi-part content: either text or inline binary data.
type Part struct {
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// IsBinary reports whether the part carries inline data instead of text.
func (p Part) IsBinary() bool {
	return len(p.Data) > 0
}

// Content is the prompt sent to the model.
type Content struct {
	Parts []Part `json:"parts"`
}

// TextContent builds a single-part text prompt.
func TextContent(text string) Content {
	return Content{Parts: []Part{{Text: text}}}
}

// Empty reports whether the content has nothing to send.
func (c Content) Empty() bool {
	for _, p := range c.Parts {
		if p.Text != "" || p.IsBinary() {
			return false
		}
	}
	return true
}

// ModelConfig carries sampling parameters for a generation call.
type ModelConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

// GenerationRequest is passed by value and never modified after it is built.
type GenerationRequest struct {
	Content      Content
	AffinityHint string
	Tools        []string
	Config       ModelConfig
}

// GenerationResponse is what the backend returns for a successful call.
type GenerationResponse struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Lease is the immutable credential handle given out for one attempt.
type Lease struct {
	ID     string
	Secret string
}

// Generation is the result handed back by the retry policy.
type Generation struct {
	Text         string
	Model        string
	CredentialID string
	Attempts     int
	Latency      time.Duration
}

// OutcomeKind classifies a single generation attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRateLimited
	OutcomeInvalidCredential
	OutcomeServerError
	OutcomeClientError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeInvalidCredential:
		return "invalid_credential"
	case OutcomeServerError:
		return "server_error"
	case OutcomeClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether another credential may succeed where this one failed.
func (k OutcomeKind) Retryable() bool {
	return k == OutcomeRateLimited || k == OutcomeServerError
}

// Outcome is the classified result of one attempt. It is consumed once to
// update credential state and to decide the next retry action.
type Outcome struct {
	Kind             OutcomeKind
	Text             string
	Latency          time.Duration
	CredentialID     string
	RetryAfter       time.Duration
	PromptTokens     int
	CompletionTokens int
	Err              error
}
