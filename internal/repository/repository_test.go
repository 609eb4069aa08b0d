package repository_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-triage/internal/model"
	"inbox-triage/internal/repository"
	"inbox-triage/internal/testutil"
)

func newRepo(t *testing.T) *repository.Repository {
	t.Helper()
	return repository.New(testutil.NewTestDB(t))
}

func sampleMessage(id string) model.Message {
	return model.Message{
		AccountID: "jane@example.com",
		ID:        id,
		ThreadID:  "t-" + id,
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		From:      "Bob <bob@example.com>",
		To:        []string{"jane@example.com"},
		Subject:   "Lunch?",
		Excerpt:   "Are you free tomorrow?",
	}
}

func TestClaimMessageIsAtomic(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	msg := sampleMessage("m1")

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ClaimMessage(ctx, msg)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	processed, err := repo.IsProcessed(ctx, msg.AccountID, msg.ID)
	require.NoError(t, err)
	assert.True(t, processed)

	rec, err := repo.GetMessage(ctx, msg.AccountID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateIngested, rec.State)
	assert.Equal(t, msg.To, rec.Message().To)
	assert.True(t, msg.Timestamp.Equal(rec.Message().Timestamp))
}

func TestClaimIsScopedPerAccount(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	a := sampleMessage("same-id")
	b := a
	b.AccountID = "ops@example.com"

	ok, err := repo.ClaimMessage(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.ClaimMessage(ctx, b)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransitionIsCompareAndSwap(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	msg := sampleMessage("m1")
	_, err := repo.ClaimMessage(ctx, msg)
	require.NoError(t, err)

	decision := model.Decision{
		MessageID: msg.ID, Category: model.CategoryRespond, Origin: model.OriginRule,
		RuleGroup: "friends", Priority: model.Priority{Score: 40, Category: "medium"}, DecidedAt: time.Now(),
	}
	require.NoError(t, repo.RecordDecision(ctx, msg.AccountID, decision))
	assert.ErrorIs(t, repo.RecordDecision(ctx, msg.AccountID, decision), repository.ErrConflict)

	rec, err := repo.GetMessage(ctx, msg.AccountID, msg.ID)
	require.NoError(t, err)
	got, ok := rec.Decision()
	require.True(t, ok)
	assert.Equal(t, model.CategoryRespond, got.Category)
	assert.Equal(t, "friends", got.RuleGroup)
	assert.Equal(t, 40, got.Priority.Score)

	require.NoError(t, repo.Transition(ctx, msg.AccountID, msg.ID, model.StateClassified, model.StateNotified, ""))
	err = repo.Transition(ctx, msg.AccountID, msg.ID, model.StateClassified, model.StateIgnored, "")
	assert.ErrorIs(t, err, repository.ErrConflict)

	require.NoError(t, repo.ResetForReclassification(ctx, msg.AccountID, msg.ID, model.StateNotified))
	rec, err = repo.GetMessage(ctx, msg.AccountID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateIngested, rec.State)
	_, ok = rec.Decision()
	assert.False(t, ok)
}

func TestListResumable(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := repo.ClaimMessage(ctx, sampleMessage(id))
		require.NoError(t, err)
	}
	require.NoError(t, repo.Transition(ctx, "jane@example.com", "b", model.StateIngested, model.StateIgnored, ""))
	require.NoError(t, repo.Transition(ctx, "jane@example.com", "c", model.StateIngested, model.StateAwaitingApproval, ""))

	resumable, err := repo.ListResumable(ctx, "jane@example.com")
	require.NoError(t, err)
	require.Len(t, resumable, 1)
	assert.Equal(t, "a", resumable[0].MessageID)

	all, err := repo.ListMessages(ctx, "jane@example.com", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	ignored, err := repo.ListMessages(ctx, "", model.StateIgnored, 10)
	require.NoError(t, err)
	assert.Len(t, ignored, 1)
}

func TestDraftLifecycle(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	d := &model.Draft{ID: "d-1", AccountID: "jane@example.com", MessageID: "m1", Status: model.DraftPending, Text: "Sure!"}
	require.NoError(t, repo.SaveDraft(ctx, d))

	got, err := repo.DraftForMessage(ctx, "jane@example.com", "m1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", got.ID)

	require.NoError(t, repo.TransitionDraft(ctx, "d-1", model.DraftPending, model.DraftApproved, nil))
	err = repo.TransitionDraft(ctx, "d-1", model.DraftPending, model.DraftApproved, nil)
	assert.ErrorIs(t, err, repository.ErrConflict, "second approval loses the race")

	n, err := repo.ResetApprovedDrafts(ctx, "send interrupted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = repo.GetDraft(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, model.DraftPending, got.Status)
	assert.Equal(t, "send interrupted", got.Note)

	d.Text = "Sure, see you then."
	d.Status = model.DraftPending
	require.NoError(t, repo.SaveDraft(ctx, d))
	got, err = repo.GetDraft(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "Sure, see you then.", got.Text)

	pending, err := repo.ListDrafts(ctx, model.DraftPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	count, err := repo.CountDrafts(ctx, model.DraftPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = repo.GetDraft(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCheckpointUpsert(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	cp, err := repo.GetCheckpoint(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.True(t, cp.IsZero())

	first := model.Checkpoint{Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), MessageID: "a"}
	require.NoError(t, repo.AdvanceCheckpoint(ctx, "jane@example.com", first))
	second := model.Checkpoint{Timestamp: first.Timestamp.Add(time.Minute), MessageID: "b"}
	require.NoError(t, repo.AdvanceCheckpoint(ctx, "jane@example.com", second))

	cp, err = repo.GetCheckpoint(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "b", cp.MessageID)
	assert.True(t, second.Timestamp.Equal(cp.Timestamp))
}

func TestAuditTrail(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Second)

	require.NoError(t, repo.LogAudit(ctx, "jane@example.com", "m1", model.AuditMessageReceived, "success", ""))
	require.NoError(t, repo.LogAudit(ctx, "jane@example.com", "m1", model.AuditTriageDecision, "success", "respond"))
	require.NoError(t, repo.LogAudit(ctx, "ops@example.com", "m2", model.AuditTriageDecision, "success", "ignore"))

	entries, err := repo.ListAudit(ctx, repository.AuditFilter{AccountID: "jane@example.com"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.AuditTriageDecision, entries[0].Action, "newest first")

	summary, err := repo.AuditSummary(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary[model.AuditTriageDecision])
	assert.Equal(t, int64(1), summary[model.AuditMessageReceived])
}
