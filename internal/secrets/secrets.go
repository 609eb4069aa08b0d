// Package secrets resolves account credentials from an ordered chain of
// secret backends.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/cache"
	"inbox-triage/internal/metrics"
	"inbox-triage/internal/model"
	"inbox-triage/internal/resilience"
)

// ErrNotFound is returned by a backend that does not hold the secret.
var ErrNotFound = errors.New("secret not found")

// Backend is one place credentials may be stored.
type Backend interface {
	Name() string
	Get(ctx context.Context, name string) (model.Credentials, error)
}

// SecretName derives the default secret name for a mailbox address.
func SecretName(prefix, address string) string {
	safe := strings.NewReplacer("@", "-at-", ".", "-dot-").Replace(strings.ToLower(address))
	if prefix == "" {
		return "gmail-credentials-" + safe
	}
	return prefix + "/gmail-credentials-" + safe
}

// parseSecret accepts either a JSON object or a bare string.
func parseSecret(raw string) map[string]string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]string{"value": raw}
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			b, _ := json.Marshal(t)
			out[k] = string(b)
		}
	}
	return out
}

// Chain walks backends in a fixed order. Each backend attempt runs under
// its own retry policy; the first success wins.
type Chain struct {
	backends []Backend
	retry    resilience.RetryPolicy
	log      *logrus.Entry
}

// NewChain builds a chain. The order of backends never changes.
func NewChain(backends []Backend, retry resilience.RetryPolicy, log *logrus.Entry) *Chain {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Chain{
		backends: backends,
		retry:    retry,
		log:      log.WithField("component", "secrets"),
	}
}

// Names lists the backends in priority order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return names
}

// Resolve returns the credentials stored under name. It fails with
// ErrCredentialUnavailable only after every backend has failed.
func (c *Chain) Resolve(ctx context.Context, name string) (model.Credentials, error) {
	var errs []error
	for _, b := range c.backends {
		var creds model.Credentials
		err := c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
			v, err := b.Get(ctx, name)
			if errors.Is(err, ErrNotFound) {
				return apperr.Permanent(b.Name(), err)
			}
			if err != nil {
				return err
			}
			creds = v
			return nil
		})
		if err == nil {
			creds.Backend = b.Name()
			c.log.WithFields(logrus.Fields{
				"secret":  name,
				"backend": b.Name(),
			}).Info("Credentials resolved")
			return creds, nil
		}
		if apperr.IsContext(err) {
			return model.Credentials{}, err
		}
		c.log.WithFields(logrus.Fields{
			"secret":  name,
			"backend": b.Name(),
			"error":   err.Error(),
		}).Debug("Secret backend failed, trying next")
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}
	return model.Credentials{}, apperr.CredentialUnavailable(name, errors.Join(errs...))
}

// Provider caches resolved credentials per account.
type Provider struct {
	chain   *Chain
	cache   *cache.Cache
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewProvider wraps chain with a credentials cache. m may be nil.
func NewProvider(chain *Chain, c *cache.Cache, ttl time.Duration, m *metrics.Metrics) *Provider {
	return &Provider{chain: chain, cache: c, ttl: ttl, metrics: m}
}

func credentialsKey(accountID string) string {
	return "credentials:" + accountID
}

// Credentials resolves the account's credentials, reusing a cached value
// while it is fresh.
func (p *Provider) Credentials(ctx context.Context, account model.Account) (model.Credentials, error) {
	v, err := p.cache.GetOrCompute(ctx, credentialsKey(account.ID), p.ttl, func(ctx context.Context) (any, error) {
		creds, err := p.chain.Resolve(ctx, account.SecretName)
		if err != nil {
			return nil, err
		}
		if p.metrics != nil {
			p.metrics.CredentialLookup.WithLabelValues(creds.Backend).Inc()
		}
		return creds, nil
	})
	if err != nil {
		return model.Credentials{}, err
	}
	return v.(model.Credentials), nil
}

// Invalidate drops the cached credentials so the next call re-resolves.
// Used after an upstream rejects them.
func (p *Provider) Invalidate(accountID string) {
	p.cache.Delete(credentialsKey(accountID))
}
