// Package capability talks to the external classification and draft
// generation service over HTTP.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/model"
	"inbox-triage/internal/resilience"
)

// ErrNotConfigured is returned by NoGenerator.
var ErrNotConfigured = errors.New("no generation capability configured")

// Client calls POST {endpoint}/classify and POST {endpoint}/draft.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// New creates a client. timeout bounds a single request.
func New(endpoint, apiKey string, timeout time.Duration) *Client {
	return NewWithClient(endpoint, apiKey, &http.Client{Timeout: timeout})
}

// NewWithClient creates a client using the given HTTP client.
func NewWithClient(endpoint, apiKey string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   client,
	}
}

type messagePayload struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id,omitempty"`
	From        string    `json:"from"`
	To          []string  `json:"to,omitempty"`
	Subject     string    `json:"subject"`
	Excerpt     string    `json:"excerpt"`
	ReceivedAt  time.Time `json:"received_at"`
	ThreadDepth int       `json:"thread_depth,omitempty"`
}

type ruleGroupPayload struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

type classifyRequest struct {
	Account     string             `json:"account"`
	Message     messagePayload     `json:"message"`
	Rules       []ruleGroupPayload `json:"rules"`
	VIPContacts []string           `json:"vip_contacts,omitempty"`
	Priority    model.Priority     `json:"priority"`
}

type classifyResponse struct {
	Category string `json:"category"`
}

type draftRequest struct {
	Account  string         `json:"account"`
	Message  messagePayload `json:"message"`
	Persona  string         `json:"persona,omitempty"`
	Category string         `json:"category"`
	Reason   string         `json:"reason,omitempty"`
	Priority model.Priority `json:"priority"`
}

type draftResponse struct {
	Text string `json:"text"`
}

func toPayload(msg model.Message) messagePayload {
	return messagePayload{
		ID:          msg.ID,
		ThreadID:    msg.ThreadID,
		From:        msg.From,
		To:          msg.To,
		Subject:     msg.Subject,
		Excerpt:     msg.Excerpt,
		ReceivedAt:  msg.Timestamp,
		ThreadDepth: msg.ThreadDepth,
	}
}

// Classify asks the service for a category. The rule groups are sent as
// guidance even though none matched structurally.
func (c *Client) Classify(ctx context.Context, msg model.Message, rules model.RuleSet, priority model.Priority) (model.Category, error) {
	req := classifyRequest{
		Account:     msg.AccountID,
		Message:     toPayload(msg),
		VIPContacts: rules.VIPContacts,
		Priority:    priority,
	}
	for _, g := range rules.Groups {
		req.Rules = append(req.Rules, ruleGroupPayload{Name: g.Name, Category: string(g.Category), Description: g.Description})
	}

	var resp classifyResponse
	if err := c.post(ctx, resilience.UpstreamClassify, "/classify", req, &resp); err != nil {
		return "", err
	}
	return model.Category(strings.ToLower(strings.TrimSpace(resp.Category))), nil
}

// Draft asks the service for a reply text.
func (c *Client) Draft(ctx context.Context, msg model.Message, dc model.DraftContext) (string, error) {
	req := draftRequest{
		Account:  msg.AccountID,
		Message:  toPayload(msg),
		Persona:  dc.Persona,
		Category: string(dc.Decision.Category),
		Reason:   dc.Decision.Reason,
		Priority: dc.Decision.Priority,
	}

	var resp draftResponse
	if err := c.post(ctx, resilience.UpstreamGenerate, "/draft", req, &resp); err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", apperr.Permanent(resilience.UpstreamGenerate, errors.New("empty draft"))
	}
	return text, nil
}

func (c *Client) post(ctx context.Context, upstream, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.Permanent(upstream, fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return apperr.Permanent(upstream, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s request failed: %w", upstream, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", upstream, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.Transient(upstream, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(data)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return apperr.Permanent(upstream, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Permanent(upstream, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// NoGenerator is used when no generation service is configured. Every
// draft request fails permanently, so Respond decisions end up with a
// human through the draft failure policy.
type NoGenerator struct{}

func (NoGenerator) Draft(context.Context, model.Message, model.DraftContext) (string, error) {
	return "", apperr.Permanent(resilience.UpstreamGenerate, ErrNotConfigured)
}
