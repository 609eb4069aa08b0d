package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Source kinds.
const (
	SourceGmail = "gmail"
	SourceIMAP  = "imap"
)

// SourceSettings configures how an account's mailbox is reached.
type SourceSettings struct {
	Kind     string
	Host     string
	Port     int
	Mailbox  string
	Username string
}

// Account is one mailbox under management. Accounts are built from
// configuration and replaced wholesale on reload, never mutated.
type Account struct {
	ID           string
	SecretName   string
	Rules        RuleSet
	PollInterval time.Duration
	Concurrency  int
	Source       SourceSettings
	// Persona is free-form context forwarded to draft generation.
	Persona string
}

// RuleGroup maps structural criteria to a category. Within one criterion
// kind any entry may match; every non-empty kind must match.
type RuleGroup struct {
	Name            string   `json:"name"`
	Category        Category `json:"category"`
	Senders         []string `json:"senders,omitempty"`
	Domains         []string `json:"domains,omitempty"`
	SubjectKeywords []string `json:"subject_keywords,omitempty"`
	BodyKeywords    []string `json:"body_keywords,omitempty"`
	Description     string   `json:"description,omitempty"`
}

// HasCriteria reports whether the group can match structurally at all.
func (g RuleGroup) HasCriteria() bool {
	return len(g.Senders)+len(g.Domains)+len(g.SubjectKeywords)+len(g.BodyKeywords) > 0
}

// RuleSet is an account's triage configuration.
type RuleSet struct {
	Groups      []RuleGroup `json:"groups"`
	VIPContacts []string    `json:"vip_contacts,omitempty"`
}

// Fingerprint is a stable digest of the rule set. Cached classifications
// are keyed on it so a rule change never reuses stale answers.
func (r RuleSet) Fingerprint() string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(strings.ToLower(p)))
			h.Write([]byte{0})
		}
		h.Write([]byte{1})
	}
	for _, g := range r.Groups {
		write(g.Name, string(g.Category), g.Description)
		write(sorted(g.Senders)...)
		write(sorted(g.Domains)...)
		write(sorted(g.SubjectKeywords)...)
		write(sorted(g.BodyKeywords)...)
	}
	write(sorted(r.VIPContacts)...)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
