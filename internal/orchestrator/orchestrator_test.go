package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/cache"
	"inbox-triage/internal/metrics"
	"inbox-triage/internal/model"
	"inbox-triage/internal/orchestrator"
	"inbox-triage/internal/repository"
	"inbox-triage/internal/resilience"
	"inbox-triage/internal/testutil"
	"inbox-triage/internal/triage"
)

// recordingStore tracks every state a message enters.
type recordingStore struct {
	*repository.Repository

	mu     sync.Mutex
	states map[string][]model.MessageState
}

func (s *recordingStore) record(account, id string, st model.MessageState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := account + "/" + id
	s.states[key] = append(s.states[key], st)
}

func (s *recordingStore) ClaimMessage(ctx context.Context, msg model.Message) (bool, error) {
	ok, err := s.Repository.ClaimMessage(ctx, msg)
	if ok {
		s.record(msg.AccountID, msg.ID, model.StateIngested)
	}
	return ok, err
}

func (s *recordingStore) RecordDecision(ctx context.Context, accountID string, d model.Decision) error {
	err := s.Repository.RecordDecision(ctx, accountID, d)
	if err == nil {
		s.record(accountID, d.MessageID, model.StateClassified)
	}
	return err
}

func (s *recordingStore) Transition(ctx context.Context, accountID, messageID string, from, to model.MessageState, note string) error {
	err := s.Repository.Transition(ctx, accountID, messageID, from, to, note)
	if err == nil {
		s.record(accountID, messageID, to)
	}
	return err
}

func (s *recordingStore) history(account, id string) []model.MessageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MessageState(nil), s.states[account+"/"+id]...)
}

type fakeGenerator struct {
	calls int32
	fail  func(call int32) error
}

func (g *fakeGenerator) Draft(_ context.Context, msg model.Message, _ model.DraftContext) (string, error) {
	n := atomic.AddInt32(&g.calls, 1)
	if g.fail != nil {
		if err := g.fail(n); err != nil {
			return "", err
		}
	}
	return "Thanks for your note about " + msg.Subject, nil
}

type fakeSender struct {
	calls int32
	fail  func(call int32) error
}

func (s *fakeSender) Send(_ context.Context, _ model.Account, _ model.Credentials, d model.Draft, _ model.Message) (model.SendResult, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if s.fail != nil {
		if err := s.fail(n); err != nil {
			return model.SendResult{}, err
		}
	}
	return model.SendResult{ProviderID: "sent-" + d.MessageID, SentAt: time.Now()}, nil
}

type fakeCreds struct {
	invalidated int32
}

func (c *fakeCreds) Credentials(context.Context, model.Account) (model.Credentials, error) {
	return model.Credentials{Backend: "env", Values: map[string]string{"value": "token"}}, nil
}

func (c *fakeCreds) Invalidate(string) { atomic.AddInt32(&c.invalidated, 1) }

type countingNotifier struct {
	calls int32
	notes []string
	mu    sync.Mutex
}

func (n *countingNotifier) Notify(_ context.Context, _ model.Account, _ model.Message, _ model.Decision, note string) error {
	atomic.AddInt32(&n.calls, 1)
	n.mu.Lock()
	n.notes = append(n.notes, note)
	n.mu.Unlock()
	return nil
}

type harness struct {
	orch     *orchestrator.Orchestrator
	store    *recordingStore
	gen      *fakeGenerator
	sender   *fakeSender
	creds    *fakeCreds
	notifier *countingNotifier
	account  model.Account
}

var testAccount = model.Account{
	ID:         "jane@example.com",
	SecretName: "eaia/gmail-credentials-jane-at-example-dot-com",
	Rules: model.RuleSet{Groups: []model.RuleGroup{
		{Name: "boss", Category: model.CategoryRespond, Senders: []string{"boss@example.com"}},
		{Name: "news", Category: model.CategoryIgnore, Domains: []string{"news.example.com"}},
		{Name: "alerts", Category: model.CategoryNotify, SubjectKeywords: []string{"alert"}},
	}},
	Concurrency: 4,
}

func newHarness(t *testing.T, policy string, maxAttempts int) *harness {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	limiter := resilience.NewRateLimiter(map[string]resilience.Limit{
		resilience.UpstreamMail:     {Capacity: 100, RefillPerSecond: 1000},
		resilience.UpstreamClassify: {Capacity: 100, RefillPerSecond: 1000},
		resilience.UpstreamGenerate: {Capacity: 100, RefillPerSecond: 1000},
	})
	retry := resilience.RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	stack := resilience.NewStack(limiter, resilience.NewBreakers(resilience.BreakerSettings{Threshold: 100, Cooldown: time.Minute}), retry, m, nil)

	store := &recordingStore{Repository: repository.New(testutil.NewTestDB(t)), states: map[string][]model.MessageState{}}
	h := &harness{
		store:    store,
		gen:      &fakeGenerator{},
		sender:   &fakeSender{},
		creds:    &fakeCreds{},
		notifier: &countingNotifier{},
		account:  testAccount,
	}
	h.orch = orchestrator.New(orchestrator.Deps{
		Store:       store,
		Triage:      triage.NewEngine(nil, stack, cache.New(time.Hour), time.Hour, m, nil),
		Generator:   h.gen,
		Sender:      h.sender,
		Credentials: h.creds,
		Notifier:    h.notifier,
		Stack:       stack,
		Metrics:     m,
	}, policy)
	h.orch.SetAccounts([]model.Account{testAccount})
	return h
}

func message(id, from, subject string) model.Message {
	return model.Message{
		AccountID: testAccount.ID,
		ID:        id,
		ThreadID:  "thread-" + id,
		Timestamp: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		From:      from,
		To:        []string{testAccount.ID},
		Subject:   subject,
		Excerpt:   "body of " + id,
	}
}

func (h *harness) state(t *testing.T, id string) *model.MessageRecord {
	t.Helper()
	rec, err := h.store.GetMessage(context.Background(), testAccount.ID, id)
	require.NoError(t, err)
	return rec
}

func (h *harness) onlyPendingDraft(t *testing.T) model.Draft {
	t.Helper()
	drafts, err := h.orch.PendingDrafts(context.Background())
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	return drafts[0]
}

func TestRespondApproveSend(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 5)
	ctx := context.Background()
	m1 := message("M1", "Boss <boss@example.com>", "Budget")

	require.NoError(t, h.orch.Handle(ctx, testAccount, m1))
	assert.Equal(t, model.StateAwaitingApproval, h.state(t, "M1").State)

	draft := h.onlyPendingDraft(t)
	assert.Equal(t, "Re: Budget", draft.Subject)

	sent, err := h.orch.Approve(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DraftSent, sent.Status)
	assert.Equal(t, "sent-M1", sent.ProviderID)

	assert.Equal(t, []model.MessageState{
		model.StateIngested,
		model.StateClassified,
		model.StateDraftPending,
		model.StateAwaitingApproval,
		model.StateSent,
	}, h.store.history(testAccount.ID, "M1"))
	assert.Equal(t, int32(1), h.sender.calls)
}

func TestDraftFailureEndsNotifiedWithNote(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 3)
	h.gen.fail = func(int32) error { return apperr.Transient("generate", errors.New("model overloaded")) }

	require.NoError(t, h.orch.Handle(context.Background(), testAccount, message("M2", "boss@example.com", "Plan")))

	rec := h.state(t, "M2")
	assert.Equal(t, model.StateNotified, rec.State)
	assert.Contains(t, rec.Note, "draft generation failed")
	assert.Equal(t, int32(3), h.gen.calls, "retries exhausted")
	assert.Equal(t, int32(1), h.notifier.calls)
	assert.NotEmpty(t, h.notifier.notes[0])

	drafts, err := h.orch.PendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestDraftFailureHoldPolicyKeepsClassified(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureHold, 2)
	h.gen.fail = func(call int32) error {
		if call <= 2 {
			return apperr.Transient("generate", errors.New("timeout"))
		}
		return nil
	}
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, testAccount, message("M3", "boss@example.com", "Plan")))
	assert.Equal(t, model.StateClassified, h.state(t, "M3").State)
	assert.Equal(t, int32(0), h.notifier.calls)

	n, err := h.orch.Resume(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StateAwaitingApproval, h.state(t, "M3").State)
}

// readOnlySender refuses to send for every account.
type readOnlySender struct{ *fakeSender }

func (readOnlySender) CanSend(model.Account) bool { return false }

func TestRespondForReadOnlyAccountIsNotifiedWithoutDraft(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 3)
	h.orch.SetSender(readOnlySender{h.sender})

	require.NoError(t, h.orch.Handle(context.Background(), testAccount, message("M9", "boss@example.com", "Invoice")))

	rec := h.state(t, "M9")
	assert.Equal(t, model.StateNotified, rec.State)
	assert.Equal(t, orchestrator.ManualReplyNote, rec.Note)
	assert.Equal(t, int32(0), h.gen.calls)
	assert.Equal(t, int32(1), h.notifier.calls)
	assert.Equal(t, []string{orchestrator.ManualReplyNote}, h.notifier.notes)

	drafts, err := h.orch.PendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 5)
	h.sender.fail = func(call int32) error {
		if call <= 3 {
			return apperr.Transient("mail", errors.New("502"))
		}
		return nil
	}
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, testAccount, message("M4", "boss@example.com", "Hi")))
	_, err := h.orch.Approve(ctx, h.onlyPendingDraft(t).ID)
	require.NoError(t, err)

	assert.Equal(t, int32(4), h.sender.calls)
	assert.Equal(t, model.StateSent, h.state(t, "M4").State)
}

func TestSendFailureKeepsAwaitingApproval(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 3)
	h.sender.fail = func(int32) error {
		return apperr.Permanent("mail", fmt.Errorf("%w: invalid_grant", apperr.ErrUnauthorized))
	}
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, testAccount, message("M5", "boss@example.com", "Hi")))
	draft := h.onlyPendingDraft(t)

	_, err := h.orch.Approve(ctx, draft.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPermanent)
	assert.Equal(t, int32(1), h.sender.calls, "permanent failures are not retried")
	assert.Equal(t, int32(1), h.creds.invalidated)

	assert.Equal(t, model.StateAwaitingApproval, h.state(t, "M5").State)
	got, err := h.orch.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DraftPending, got.Status)
	assert.Contains(t, got.LastError, "invalid_grant")

	h.sender.fail = nil
	_, err = h.orch.Approve(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSent, h.state(t, "M5").State)
}

func TestConcurrentDuplicateDeliveryActsOnce(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 3)
	ctx := context.Background()
	msg := message("M6", "boss@example.com", "Dup")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.orch.Handle(ctx, testAccount, msg))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.gen.calls)
	assert.Len(t, h.store.history(testAccount.ID, "M6"), 4)
	draft := h.onlyPendingDraft(t)

	var sendOK int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orch.Approve(ctx, draft.ID); err == nil {
				atomic.AddInt32(&sendOK, 1)
			} else {
				assert.ErrorIs(t, err, orchestrator.ErrDraftNotPending)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), sendOK)
	assert.Equal(t, int32(1), h.sender.calls)
}

func TestTerminalCategories(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 3)
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, testAccount, message("news", "digest@news.example.com", "Weekly")))
	require.NoError(t, h.orch.Handle(ctx, testAccount, message("alert", "ops@vendor.com", "ALERT: disk")))
	require.NoError(t, h.orch.Handle(ctx, testAccount, message("unknown", "someone@else.com", "Hello")))

	assert.Equal(t, model.StateIgnored, h.state(t, "news").State)
	assert.Equal(t, model.StateNotified, h.state(t, "alert").State)
	assert.Equal(t, model.StateNotified, h.state(t, "unknown").State, "unmatched without classifier fails closed")
	assert.Equal(t, int32(2), h.notifier.calls)
	assert.Equal(t, int32(0), h.gen.calls)
	assert.Equal(t, int32(0), h.sender.calls)

	// redelivery of a terminal message is a no-op
	require.NoError(t, h.orch.Handle(ctx, testAccount, message("news", "digest@news.example.com", "Weekly")))
	assert.Len(t, h.store.history(testAccount.ID, "news"), 3)
}

func TestRejectMakesNoUpstreamCall(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 3)
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, testAccount, message("M7", "boss@example.com", "Hi")))
	draft := h.onlyPendingDraft(t)

	got, err := h.orch.Reject(ctx, draft.ID, "not now")
	require.NoError(t, err)
	assert.Equal(t, model.DraftRejected, got.Status)
	assert.Equal(t, "not now", got.Reason)
	assert.Equal(t, model.StateRejected, h.state(t, "M7").State)
	assert.Equal(t, int32(0), h.sender.calls)

	_, err = h.orch.Approve(ctx, draft.ID)
	assert.ErrorIs(t, err, orchestrator.ErrDraftNotPending)
	_, err = h.orch.Approve(ctx, "missing")
	assert.ErrorIs(t, err, orchestrator.ErrDraftNotFound)
}

func TestReclassify(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 3)
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, testAccount, message("M8", "digest@news.example.com", "Weekly")))
	require.Equal(t, model.StateIgnored, h.state(t, "M8").State)

	// the account now wants to answer the newsletter
	updated := testAccount
	updated.Rules = model.RuleSet{Groups: []model.RuleGroup{
		{Name: "news", Category: model.CategoryRespond, Domains: []string{"news.example.com"}},
	}}
	h.orch.SetAccounts([]model.Account{updated})

	rec, err := h.orch.Reclassify(ctx, testAccount.ID, "M8")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingApproval, rec.State)

	_, err = h.orch.Reclassify(ctx, testAccount.ID, "M8")
	assert.ErrorIs(t, err, orchestrator.ErrNotReclassifiable, "awaiting approval")

	_, err = h.orch.Approve(ctx, h.onlyPendingDraft(t).ID)
	require.NoError(t, err)
	_, err = h.orch.Reclassify(ctx, testAccount.ID, "M8")
	assert.ErrorIs(t, err, orchestrator.ErrNotReclassifiable, "sent")

	_, err = h.orch.Reclassify(ctx, testAccount.ID, "nope")
	assert.ErrorIs(t, err, orchestrator.ErrMessageNotFound)
	_, err = h.orch.Reclassify(ctx, "other@example.com", "M8")
	assert.ErrorIs(t, err, orchestrator.ErrUnknownAccount)
}

func TestReclassifyAfterRejectReusesDraftID(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 3)
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, testAccount, message("M9", "boss@example.com", "Hi")))
	first := h.onlyPendingDraft(t)
	_, err := h.orch.Reject(ctx, first.ID, "rewrite")
	require.NoError(t, err)

	rec, err := h.orch.Reclassify(ctx, testAccount.ID, "M9")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingApproval, rec.State)

	second := h.onlyPendingDraft(t)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(2), h.gen.calls)
}

func TestResumePicksUpInterruptedMessages(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 3)
	ctx := context.Background()

	// claimed by a cycle that died before triage
	ok, err := h.store.ClaimMessage(ctx, message("M10", "boss@example.com", "Hi"))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := h.orch.Resume(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StateAwaitingApproval, h.state(t, "M10").State)

	n, err = h.orch.Resume(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "awaiting approval is not resumed")
}

func TestHandleStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 3)
	ctx, cancel := context.WithCancel(context.Background())
	h.gen.fail = func(int32) error {
		cancel()
		return context.Canceled
	}

	require.NoError(t, h.orch.Handle(ctx, testAccount, message("M11", "boss@example.com", "Hi")))
	assert.Equal(t, model.StateDraftPending, h.state(t, "M11").State, "left for the next cycle")
	assert.Equal(t, int32(0), h.notifier.calls)
}

func TestRecoverReleasesInterruptedApprovals(t *testing.T) {
	h := newHarness(t, orchestrator.DraftFailureNotify, 3)
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, testAccount, message("M12", "boss@example.com", "Hi")))
	draft := h.onlyPendingDraft(t)
	require.NoError(t, h.store.TransitionDraft(ctx, draft.ID, model.DraftPending, model.DraftApproved, nil))

	require.NoError(t, h.orch.Recover(ctx))
	got, err := h.orch.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DraftPending, got.Status)
	assert.NotEmpty(t, got.Note)
}
