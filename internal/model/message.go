package model

import (
	"strings"
	"time"
)

// Category is the outcome of triage.
type Category string

const (
	CategoryIgnore  Category = "ignore"
	CategoryNotify  Category = "notify"
	CategoryRespond Category = "respond"
)

// ParseCategory accepts the category names case-insensitively.
func ParseCategory(s string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryIgnore:
		return CategoryIgnore, true
	case CategoryNotify:
		return CategoryNotify, true
	case CategoryRespond:
		return CategoryRespond, true
	}
	return "", false
}

// Rank orders categories by how much human attention they demand.
// Ties between equally specific rules resolve toward the higher rank.
func (c Category) Rank() int {
	switch c {
	case CategoryRespond:
		return 3
	case CategoryNotify:
		return 2
	case CategoryIgnore:
		return 1
	default:
		return 0
	}
}

// Message is an inbound message as fetched from a source. It is never
// modified after fetch.
type Message struct {
	AccountID string    `json:"account_id"`
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Subject   string    `json:"subject"`
	Excerpt   string    `json:"excerpt"`
	// ThreadDepth is the number of earlier messages quoted in the body.
	ThreadDepth int `json:"thread_depth,omitempty"`
}

// Key identifies a message across accounts.
func (m Message) Key() string {
	return m.AccountID + "/" + m.ID
}

// Decision origins.
const (
	OriginRule       = "rule"
	OriginCapability = "capability"
	OriginFallback   = "fallback"
)

// Decision is the triage result for one message.
type Decision struct {
	MessageID       string    `json:"message_id"`
	Category        Category  `json:"category"`
	Origin          string    `json:"origin"`
	RuleGroup       string    `json:"rule_group,omitempty"`
	RuleFingerprint string    `json:"rule_fingerprint"`
	Priority        Priority  `json:"priority"`
	Reason          string    `json:"reason"`
	DecidedAt       time.Time `json:"decided_at"`
}

// Priority is the deterministic urgency score attached to a decision.
type Priority struct {
	Score    int      `json:"score"`
	Category string   `json:"category"`
	Factors  []string `json:"factors,omitempty"`
}

// DraftContext is what draft generation knows beyond the message itself.
type DraftContext struct {
	Persona  string   `json:"persona,omitempty"`
	Decision Decision `json:"decision"`
}

// Credentials are resolved secret values for one account.
type Credentials struct {
	Backend string            `json:"-"`
	Values  map[string]string `json:"-"`
}

// Get returns the first non-empty value among keys.
func (c Credentials) Get(keys ...string) string {
	for _, k := range keys {
		if v := c.Values[k]; v != "" {
			return v
		}
	}
	return ""
}

// SendResult is returned by a successful send.
type SendResult struct {
	ProviderID string    `json:"provider_id"`
	SentAt     time.Time `json:"sent_at"`
}

// Checkpoint marks the newest message handed off for an account.
type Checkpoint struct {
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id"`
}

// IsZero reports whether no message has been handed off yet.
func (c Checkpoint) IsZero() bool {
	return c.Timestamp.IsZero() && c.MessageID == ""
}

// Admits reports whether a message stamped ts may still be unseen. Messages
// sharing the checkpoint's timestamp are admitted whatever their id, since a
// late arrival can carry the same (second-granular) timestamp; the dedup
// record absorbs the repeats.
func (c Checkpoint) Admits(ts time.Time) bool {
	return !ts.Before(c.Timestamp)
}
