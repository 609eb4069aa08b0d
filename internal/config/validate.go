package config

import (
	"fmt"
	"strings"
	"time"

	"inbox-triage/internal/model"
	"inbox-triage/internal/orchestrator"
	"inbox-triage/internal/resilience"
	"inbox-triage/internal/secrets"
)

var knownBackends = map[string]bool{"env": true, "dotenv": true, "file": true, "redis": true}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if err := c.validateResilience(); err != nil {
		return err
	}

	if len(c.Secrets.Chain) == 0 {
		return fmt.Errorf("secrets.chain must name at least one backend")
	}
	for _, name := range c.Secrets.Chain {
		if !knownBackends[name] {
			return fmt.Errorf("unknown secret backend %q", name)
		}
		if name == "file" && c.Secrets.FilePath == "" {
			return fmt.Errorf("secrets.file_path is required for the file backend")
		}
	}

	if c.Scheduler.CycleTimeout <= 0 {
		return fmt.Errorf("scheduler cycle timeout must be greater than 0")
	}

	switch c.Orchestrator.DraftFailureAction {
	case orchestrator.DraftFailureNotify, orchestrator.DraftFailureHold:
	default:
		return fmt.Errorf("orchestrator.draft_failure_action must be %q or %q", orchestrator.DraftFailureNotify, orchestrator.DraftFailureHold)
	}

	return c.validateAccounts()
}

func (c *Config) validateResilience() error {
	for _, up := range []string{resilience.UpstreamMail, resilience.UpstreamClassify, resilience.UpstreamGenerate} {
		rl, ok := c.RateLimits[up]
		if !ok {
			return fmt.Errorf("ratelimits.%s is required", up)
		}
		if rl.Capacity < 1 || rl.RefillPerSecond <= 0 {
			return fmt.Errorf("ratelimits.%s needs capacity >= 1 and refill_per_second > 0", up)
		}
	}

	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts must be between 1 and 10")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Breaker.Threshold < 1 || c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker threshold must be >= 1 and cooldown > 0")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be greater than 0")
	}
	return nil
}

func (c *Config) validateAccounts() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}

	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		addr := strings.ToLower(strings.TrimSpace(a.Address))
		if addr == "" || !strings.Contains(addr, "@") {
			return fmt.Errorf("accounts[%d]: a valid address is required", i)
		}
		if seen[addr] {
			return fmt.Errorf("accounts[%d]: duplicate address %s", i, addr)
		}
		seen[addr] = true

		if iv := c.pollInterval(a); iv < time.Second {
			return fmt.Errorf("account %s: poll interval must be at least 1s", addr)
		}
		if n := c.concurrency(a); n < 1 || n > 64 {
			return fmt.Errorf("account %s: concurrency must be between 1 and 64", addr)
		}

		switch a.Source.Kind {
		case "", model.SourceGmail:
		case model.SourceIMAP:
			if a.Source.Host == "" {
				return fmt.Errorf("account %s: imap source requires host", addr)
			}
		default:
			return fmt.Errorf("account %s: unknown source kind %q", addr, a.Source.Kind)
		}

		for j, g := range a.Rules {
			if g.Name == "" {
				return fmt.Errorf("account %s: rules[%d] needs a name", addr, j)
			}
			if _, ok := model.ParseCategory(g.Category); !ok {
				return fmt.Errorf("account %s: rule %s has unknown category %q", addr, g.Name, g.Category)
			}
		}
	}
	return nil
}

func (c *Config) pollInterval(a AccountConfig) time.Duration {
	if a.PollInterval > 0 {
		return a.PollInterval
	}
	return c.Scheduler.PollInterval
}

func (c *Config) concurrency(a AccountConfig) int {
	if a.Concurrency > 0 {
		return a.Concurrency
	}
	return c.Scheduler.Concurrency
}

// ToAccounts builds the immutable account set from a validated config.
func (c *Config) ToAccounts() []model.Account {
	accounts := make([]model.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		addr := strings.ToLower(strings.TrimSpace(a.Address))

		secretName := a.SecretName
		if secretName == "" {
			secretName = secrets.SecretName(c.Secrets.Prefix, addr)
		}

		src := model.SourceSettings{
			Kind:     a.Source.Kind,
			Host:     a.Source.Host,
			Port:     a.Source.Port,
			Mailbox:  a.Source.Mailbox,
			Username: a.Source.Username,
		}
		if src.Kind == "" {
			src.Kind = model.SourceGmail
		}
		if src.Kind == model.SourceIMAP {
			if src.Port == 0 {
				src.Port = 993
			}
			if src.Mailbox == "" {
				src.Mailbox = "INBOX"
			}
			if src.Username == "" {
				src.Username = addr
			}
		}

		groups := make([]model.RuleGroup, 0, len(a.Rules))
		for _, g := range a.Rules {
			cat, _ := model.ParseCategory(g.Category)
			groups = append(groups, model.RuleGroup{
				Name:            g.Name,
				Category:        cat,
				Senders:         g.Senders,
				Domains:         g.Domains,
				SubjectKeywords: g.SubjectKeywords,
				BodyKeywords:    g.BodyKeywords,
				Description:     g.Description,
			})
		}

		accounts = append(accounts, model.Account{
			ID:           addr,
			SecretName:   secretName,
			Rules:        model.RuleSet{Groups: groups, VIPContacts: a.VIPContacts},
			PollInterval: c.pollInterval(a),
			Concurrency:  c.concurrency(a),
			Source:       src,
			Persona:      a.Persona,
		})
	}
	return accounts
}

// Limits converts the configured rate limit buckets.
func (c *Config) Limits() map[string]resilience.Limit {
	out := make(map[string]resilience.Limit, len(c.RateLimits))
	for name, rl := range c.RateLimits {
		out[name] = resilience.Limit{Capacity: rl.Capacity, RefillPerSecond: rl.RefillPerSecond}
	}
	return out
}

// RetryPolicy converts the configured upstream retry policy.
func (c *Config) RetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Jitter:      c.Retry.Jitter,
	}
}

// SecretRetryPolicy is the per-backend policy used by the secret chain.
func (c *Config) SecretRetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: c.Secrets.MaxAttempts,
		BaseDelay:   c.Secrets.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Jitter:      c.Retry.Jitter,
	}
}

// BreakerSettings converts the configured breaker settings.
func (c *Config) BreakerSettings() resilience.BreakerSettings {
	return resilience.BreakerSettings{Threshold: c.Breaker.Threshold, Cooldown: c.Breaker.Cooldown}
}
