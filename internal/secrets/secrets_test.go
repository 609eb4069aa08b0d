package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/cache"
	"inbox-triage/internal/model"
	"inbox-triage/internal/resilience"
)

type fakeBackend struct {
	name  string
	calls int32
	get   func(call int32) (model.Credentials, error)
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Get(_ context.Context, _ string) (model.Credentials, error) {
	n := atomic.AddInt32(&f.calls, 1)
	return f.get(n)
}

func fastRetry(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func creds(v string) model.Credentials {
	return model.Credentials{Values: map[string]string{"value": v}}
}

func TestSecretName(t *testing.T) {
	assert.Equal(t, "eaia/gmail-credentials-jane-dot-doe-at-example-dot-com", SecretName("eaia", "Jane.Doe@example.com"))
	assert.Equal(t, "gmail-credentials-a-at-b-dot-io", SecretName("", "a@b.io"))
}

func TestParseSecret(t *testing.T) {
	assert.Equal(t, map[string]string{"value": "plain-token"}, parseSecret("plain-token"))
	assert.Equal(t,
		map[string]string{"refresh_token": "r", "expiry": "3600"},
		parseSecret(`{"refresh_token":"r","expiry":3600}`))
}

func TestChainFirstSuccessWinsInOrder(t *testing.T) {
	primary := &fakeBackend{name: "primary", get: func(int32) (model.Credentials, error) {
		return model.Credentials{}, errors.New("connection refused")
	}}
	secondary := &fakeBackend{name: "secondary", get: func(int32) (model.Credentials, error) {
		return creds("from-secondary"), nil
	}}
	tertiary := &fakeBackend{name: "tertiary", get: func(int32) (model.Credentials, error) {
		return creds("from-tertiary"), nil
	}}

	chain := NewChain([]Backend{primary, secondary, tertiary}, fastRetry(3), nil)
	got, err := chain.Resolve(context.Background(), "acct")
	require.NoError(t, err)

	assert.Equal(t, "secondary", got.Backend)
	assert.Equal(t, "from-secondary", got.Get("value"))
	assert.Equal(t, int32(3), primary.calls, "primary retried under its own policy")
	assert.Equal(t, int32(0), tertiary.calls)
}

func TestChainRecoversWithinBackendRetry(t *testing.T) {
	flaky := &fakeBackend{name: "flaky", get: func(call int32) (model.Credentials, error) {
		if call < 2 {
			return model.Credentials{}, errors.New("timeout")
		}
		return creds("ok"), nil
	}}
	chain := NewChain([]Backend{flaky}, fastRetry(3), nil)

	got, err := chain.Resolve(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, "flaky", got.Backend)
}

func TestChainNotFoundIsNotRetried(t *testing.T) {
	missing := &fakeBackend{name: "missing", get: func(int32) (model.Credentials, error) {
		return model.Credentials{}, ErrNotFound
	}}
	chain := NewChain([]Backend{missing}, fastRetry(5), nil)

	_, err := chain.Resolve(context.Background(), "acct")
	assert.ErrorIs(t, err, apperr.ErrCredentialUnavailable)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), missing.calls)
}

func TestChainOrderIsFixedAcrossCalls(t *testing.T) {
	var failPrimary atomic.Bool
	failPrimary.Store(true)
	primary := &fakeBackend{name: "primary", get: func(int32) (model.Credentials, error) {
		if failPrimary.Load() {
			return model.Credentials{}, ErrNotFound
		}
		return creds("p"), nil
	}}
	secondary := &fakeBackend{name: "secondary", get: func(int32) (model.Credentials, error) {
		return creds("s"), nil
	}}
	chain := NewChain([]Backend{primary, secondary}, fastRetry(1), nil)

	got, err := chain.Resolve(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, "secondary", got.Backend)

	failPrimary.Store(false)
	got, err = chain.Resolve(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, "primary", got.Backend, "secondary is never promoted")
	assert.Equal(t, []string{"primary", "secondary"}, chain.Names())
}

func TestEnvBackend(t *testing.T) {
	t.Setenv("EAIA_GMAIL_CREDENTIALS_A_AT_B_DOT_IO", `{"refresh_token":"abc"}`)
	b := NewEnvBackend()

	got, err := b.Get(context.Background(), "eaia/gmail-credentials-a-at-b-dot-io")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Get("refresh_token"))

	_, err = b.Get(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDotenvBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env.secrets")
	require.NoError(t, os.WriteFile(path, []byte("ACCT_ONE=token-1\n"), 0o600))
	b := NewDotenvBackend(path)

	got, err := b.Get(context.Background(), "acct-one")
	require.NoError(t, err)
	assert.Equal(t, "token-1", got.Get("value"))

	require.NoError(t, os.WriteFile(path, []byte("ACCT_ONE=token-2\n"), 0o600))
	got, err = b.Get(context.Background(), "acct-one")
	require.NoError(t, err)
	assert.Equal(t, "token-2", got.Get("value"), "rotation picked up without restart")

	_, err = NewDotenvBackend(filepath.Join(t.TempDir(), "absent")).Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	doc := `
eaia/gmail-credentials-a-at-b-dot-io:
  client_id: cid
  refresh_token: rt
plain: just-a-token
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	b := NewFileBackend(path)

	got, err := b.Get(context.Background(), "eaia/gmail-credentials-a-at-b-dot-io")
	require.NoError(t, err)
	assert.Equal(t, "cid", got.Get("client_id"))
	assert.Equal(t, "rt", got.Get("refresh_token"))

	got, err = b.Get(context.Background(), "plain")
	require.NoError(t, err)
	assert.Equal(t, "just-a-token", got.Get("value"))

	_, err = b.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProviderCachesAndInvalidates(t *testing.T) {
	b := &fakeBackend{name: "env", get: func(call int32) (model.Credentials, error) {
		return creds(string(rune('0' + call))), nil
	}}
	p := NewProvider(NewChain([]Backend{b}, fastRetry(1), nil), cache.New(time.Minute), time.Minute, nil)
	acct := model.Account{ID: "a@b.io", SecretName: "s"}

	first, err := p.Credentials(context.Background(), acct)
	require.NoError(t, err)
	again, err := p.Credentials(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, first.Get("value"), again.Get("value"))
	assert.Equal(t, int32(1), b.calls)

	p.Invalidate(acct.ID)
	rotated, err := p.Credentials(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "2", rotated.Get("value"))
}
