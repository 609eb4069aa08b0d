// Package orchestrator drives each message through triage, notification,
// drafting and the human approval boundary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/metrics"
	"inbox-triage/internal/model"
	"inbox-triage/internal/repository"
	"inbox-triage/internal/resilience"
)

var (
	ErrDraftNotFound     = errors.New("draft not found")
	ErrDraftNotPending   = errors.New("draft is not pending")
	ErrMessageNotFound   = errors.New("message not found")
	ErrNotReclassifiable = errors.New("message cannot be reclassified")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrBusy              = errors.New("message is being processed")

	ErrNotAwaitingApproval = errors.New("message is not awaiting approval")
	// ErrSendFailed wraps every failure of an approved send; the draft is
	// back to Pending when it is returned.
	ErrSendFailed = errors.New("send failed")
)

// Draft failure policies.
const (
	DraftFailureNotify = "notify"
	DraftFailureHold   = "hold"
)

// Store persists message states, drafts and audit entries.
type Store interface {
	ClaimMessage(ctx context.Context, msg model.Message) (bool, error)
	GetMessage(ctx context.Context, accountID, messageID string) (*model.MessageRecord, error)
	Transition(ctx context.Context, accountID, messageID string, from, to model.MessageState, note string) error
	RecordDecision(ctx context.Context, accountID string, d model.Decision) error
	ResetForReclassification(ctx context.Context, accountID, messageID string, from model.MessageState) error
	ListResumable(ctx context.Context, accountID string) ([]model.MessageRecord, error)

	SaveDraft(ctx context.Context, d *model.Draft) error
	GetDraft(ctx context.Context, id string) (*model.Draft, error)
	DraftForMessage(ctx context.Context, accountID, messageID string) (*model.Draft, error)
	ListDrafts(ctx context.Context, status model.DraftStatus) ([]model.Draft, error)
	CountDrafts(ctx context.Context, status model.DraftStatus) (int64, error)
	TransitionDraft(ctx context.Context, id string, from, to model.DraftStatus, updates map[string]any) error
	ResetApprovedDrafts(ctx context.Context, note string) (int64, error)

	LogAudit(ctx context.Context, accountID, messageID, action, status, detail string) error
}

// Triage classifies messages.
type Triage interface {
	Classify(ctx context.Context, msg model.Message, rules model.RuleSet) (model.Decision, error)
	Invalidate(msg model.Message, rules model.RuleSet)
}

// Generator is the draft generation capability.
type Generator interface {
	Draft(ctx context.Context, msg model.Message, dc model.DraftContext) (string, error)
}

// Sender delivers an approved draft as a reply to the original message.
type Sender interface {
	Send(ctx context.Context, account model.Account, creds model.Credentials, draft model.Draft, original model.Message) (model.SendResult, error)
}

// replyChecker is implemented by senders that can tell ahead of time whether
// an account's provider accepts outgoing mail.
type replyChecker interface {
	CanSend(account model.Account) bool
}

// manualReplyNote is attached to respond decisions for accounts whose
// provider cannot send.
const manualReplyNote = "reply needed; this account's provider cannot send, so no draft was generated"

// CredentialSource resolves account credentials.
type CredentialSource interface {
	Credentials(ctx context.Context, account model.Account) (model.Credentials, error)
	Invalidate(accountID string)
}

// Notifier tells a human that a message needs attention.
type Notifier interface {
	Notify(ctx context.Context, account model.Account, msg model.Message, d model.Decision, note string) error
}

// Deps are the collaborators of an Orchestrator. Notifier may be nil.
type Deps struct {
	Store       Store
	Triage      Triage
	Generator   Generator
	Sender      Sender
	Credentials CredentialSource
	Notifier    Notifier
	Stack       *resilience.Stack
	Metrics     *metrics.Metrics
	Log         *logrus.Entry
}

// Orchestrator owns the per-message state machine.
type Orchestrator struct {
	store        Store
	triage       Triage
	generator    Generator
	sender       Sender
	creds        CredentialSource
	notifier     Notifier
	stack        *resilience.Stack
	metrics      *metrics.Metrics
	log          *logrus.Entry
	draftFailure string

	inflight sync.Map

	mu       sync.RWMutex
	accounts map[string]model.Account

	newID func() string
	now   func() time.Time
}

// New creates an orchestrator. draftFailureAction is DraftFailureNotify or
// DraftFailureHold.
func New(d Deps, draftFailureAction string) *Orchestrator {
	log := d.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if draftFailureAction == "" {
		draftFailureAction = DraftFailureNotify
	}
	o := &Orchestrator{
		store:        d.Store,
		triage:       d.Triage,
		generator:    d.Generator,
		sender:       d.Sender,
		creds:        d.Credentials,
		notifier:     d.Notifier,
		stack:        d.Stack,
		metrics:      d.Metrics,
		log:          log.WithField("component", "orchestrator"),
		draftFailure: draftFailureAction,
		accounts:     make(map[string]model.Account),
		newID:        func() string { return uuid.New().String() },
		now:          time.Now,
	}
	if o.notifier == nil {
		o.notifier = NewAuditNotifier(d.Store, o.log)
	}
	return o
}

// SetAccounts replaces the known account set.
func (o *Orchestrator) SetAccounts(accounts []model.Account) {
	m := make(map[string]model.Account, len(accounts))
	for _, a := range accounts {
		m[a.ID] = a
	}
	o.mu.Lock()
	o.accounts = m
	o.mu.Unlock()
}

// Account returns a known account by id.
func (o *Orchestrator) Account(id string) (model.Account, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.accounts[id]
	return a, ok
}

func (o *Orchestrator) lock(key string) bool {
	_, loaded := o.inflight.LoadOrStore(key, struct{}{})
	return !loaded
}

func (o *Orchestrator) unlock(key string) {
	o.inflight.Delete(key)
}

func (o *Orchestrator) msgLog(msg model.Message) *logrus.Entry {
	return o.log.WithFields(logrus.Fields{
		"account":    msg.AccountID,
		"message_id": msg.ID,
	})
}

// Handle claims msg and drives it as far as it can go without a human.
// It fails only when the message could not be durably claimed; later
// failures are recorded on the message and picked up by Resume.
func (o *Orchestrator) Handle(ctx context.Context, account model.Account, msg model.Message) error {
	key := msg.Key()
	if !o.lock(key) {
		return nil
	}
	defer o.unlock(key)

	claimed, err := o.store.ClaimMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to claim message %s: %w", msg.ID, err)
	}
	if !claimed {
		o.msgLog(msg).Debug("Message already processed, skipping")
		return nil
	}

	o.audit(ctx, msg, model.AuditMessageReceived, "success", msg.Subject)
	o.observeTransition(model.StateIngested)

	if err := o.drive(ctx, account, msg, model.StateIngested, nil); err != nil {
		o.recordError(ctx, msg, err)
	}
	return nil
}

// drive advances msg from state until it is terminal, awaiting approval or
// blocked by a failure. Every step is persisted before the next begins.
func (o *Orchestrator) drive(ctx context.Context, account model.Account, msg model.Message, state model.MessageState, decision *model.Decision) error {
	for {
		switch state {
		case model.StateIngested:
			d, err := o.triage.Classify(ctx, msg, account.Rules)
			if err != nil {
				return fmt.Errorf("triage: %w", err)
			}
			if err := o.store.RecordDecision(ctx, account.ID, d); err != nil {
				return err
			}
			o.observeTransition(model.StateClassified)
			o.audit(ctx, msg, model.AuditTriageDecision, "success",
				fmt.Sprintf("%s (%s, priority %d %s)", d.Category, d.Origin, d.Priority.Score, d.Priority.Category))
			o.msgLog(msg).WithFields(logrus.Fields{
				"category": d.Category,
				"origin":   d.Origin,
				"priority": d.Priority.Score,
			}).Info("Message classified")
			decision, state = &d, model.StateClassified

		case model.StateClassified:
			if decision == nil {
				d, err := o.loadDecision(ctx, msg)
				if err != nil {
					return err
				}
				decision = &d
			}
			switch decision.Category {
			case model.CategoryIgnore:
				return o.transition(ctx, msg, model.StateClassified, model.StateIgnored, "")
			case model.CategoryRespond:
				if err := o.transition(ctx, msg, model.StateClassified, model.StateDraftPending, ""); err != nil {
					return err
				}
				state = model.StateDraftPending
			default:
				if err := o.notifier.Notify(ctx, account, msg, *decision, ""); err != nil {
					o.msgLog(msg).WithError(err).Warn("Notification failed")
				}
				return o.transition(ctx, msg, model.StateClassified, model.StateNotified, "")
			}

		case model.StateDraftPending:
			if decision == nil {
				d, err := o.loadDecision(ctx, msg)
				if err != nil {
					return err
				}
				decision = &d
			}
			return o.prepareDraft(ctx, account, msg, *decision)

		default:
			return nil
		}
	}
}

func (o *Orchestrator) loadDecision(ctx context.Context, msg model.Message) (model.Decision, error) {
	rec, err := o.store.GetMessage(ctx, msg.AccountID, msg.ID)
	if err != nil {
		return model.Decision{}, err
	}
	d, ok := rec.Decision()
	if !ok {
		return model.Decision{}, fmt.Errorf("message %s has no persisted decision", msg.ID)
	}
	return d, nil
}

func (o *Orchestrator) prepareDraft(ctx context.Context, account model.Account, msg model.Message, decision model.Decision) error {
	if rc, ok := o.sender.(replyChecker); ok && !rc.CanSend(account) {
		if err := o.notifier.Notify(ctx, account, msg, decision, manualReplyNote); err != nil {
			o.msgLog(msg).WithError(err).Warn("Notification failed")
		}
		return o.transition(ctx, msg, model.StateDraftPending, model.StateNotified, manualReplyNote)
	}

	existing, err := o.store.DraftForMessage(ctx, msg.AccountID, msg.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status == model.DraftPending {
		// generated before an interruption; expose it instead of paying for another
		return o.transition(ctx, msg, model.StateDraftPending, model.StateAwaitingApproval, "")
	}

	var text string
	err = o.stack.Do(ctx, resilience.UpstreamGenerate, func(ctx context.Context) error {
		t, err := o.generator.Draft(ctx, msg, model.DraftContext{Persona: account.Persona, Decision: decision})
		if err != nil {
			return apperr.Capability("generate", err)
		}
		text = t
		return nil
	})
	if err != nil {
		if apperr.IsContext(err) {
			return err
		}
		return o.draftFailed(ctx, account, msg, decision, err)
	}

	draft := &model.Draft{
		ID:        o.newID(),
		AccountID: msg.AccountID,
		MessageID: msg.ID,
		Status:    model.DraftPending,
		Text:      text,
		Subject:   replySubject(msg.Subject),
		Recipient: msg.From,
	}
	if existing != nil {
		draft.ID = existing.ID
	}
	if err := o.store.SaveDraft(ctx, draft); err != nil {
		return err
	}
	if err := o.transition(ctx, msg, model.StateDraftPending, model.StateAwaitingApproval, ""); err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.DraftsGenerated.Inc()
	}
	o.refreshPending(ctx)
	o.audit(ctx, msg, model.AuditDraftCreated, "success", draft.ID)
	o.msgLog(msg).WithField("draft_id", draft.ID).Info("Draft awaiting approval")
	return nil
}

func (o *Orchestrator) draftFailed(ctx context.Context, account model.Account, msg model.Message, decision model.Decision, cause error) error {
	if o.metrics != nil {
		o.metrics.DraftFailures.Inc()
	}
	note := "draft generation failed: " + cause.Error()
	o.audit(ctx, msg, model.AuditDraftFailed, "failure", cause.Error())
	o.msgLog(msg).WithError(cause).WithField("policy", o.draftFailure).Warn("Draft generation failed")

	if o.draftFailure == DraftFailureHold {
		return o.transition(ctx, msg, model.StateDraftPending, model.StateClassified, note)
	}

	if err := o.notifier.Notify(ctx, account, msg, decision, note); err != nil {
		o.msgLog(msg).WithError(err).Warn("Notification failed")
	}
	return o.transition(ctx, msg, model.StateDraftPending, model.StateNotified, note)
}

func (o *Orchestrator) transition(ctx context.Context, msg model.Message, from, to model.MessageState, note string) error {
	if err := o.store.Transition(ctx, msg.AccountID, msg.ID, from, to, note); err != nil {
		return err
	}
	o.observeTransition(to)
	o.msgLog(msg).WithFields(logrus.Fields{"from": from, "to": to}).Debug("Message state changed")
	return nil
}

func (o *Orchestrator) observeTransition(to model.MessageState) {
	if o.metrics != nil {
		o.metrics.Transitions.WithLabelValues(string(to)).Inc()
	}
}

func (o *Orchestrator) refreshPending(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	if n, err := o.store.CountDrafts(ctx, model.DraftPending); err == nil {
		o.metrics.PendingDrafts.Set(float64(n))
	}
}

func (o *Orchestrator) audit(ctx context.Context, msg model.Message, action, status, detail string) {
	if err := o.store.LogAudit(ctx, msg.AccountID, msg.ID, action, status, detail); err != nil {
		o.msgLog(msg).WithError(err).Error("Failed to write audit entry")
	}
}

func (o *Orchestrator) recordError(ctx context.Context, msg model.Message, err error) {
	o.msgLog(msg).WithError(err).Error("Message processing interrupted")
	if apperr.IsContext(err) {
		// the cycle is over; use a fresh context so the failure is still recorded
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
	}
	o.audit(ctx, msg, model.AuditError, apperr.KindOf(err), err.Error())
}

// Resume re-drives the account's interrupted messages and returns how many
// were picked up. Messages awaiting approval are left alone.
func (o *Orchestrator) Resume(ctx context.Context, account model.Account) (int, error) {
	records, err := o.store.ListResumable(ctx, account.ID)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		msg := rec.Message()
		key := msg.Key()
		if !o.lock(key) {
			continue
		}

		var decision *model.Decision
		if d, ok := rec.Decision(); ok {
			decision = &d
		}
		o.msgLog(msg).WithField("state", rec.State).Info("Resuming interrupted message")
		err := o.drive(ctx, account, msg, rec.State, decision)
		o.unlock(key)
		resumed++

		if err != nil {
			o.recordError(ctx, msg, err)
			if apperr.IsContext(err) {
				return resumed, err
			}
		}
	}
	return resumed, nil
}

// Reclassify forces a fresh triage of a message that reached Ignored,
// Notified or Rejected. Sent messages and messages awaiting approval are
// refused.
func (o *Orchestrator) Reclassify(ctx context.Context, accountID, messageID string) (*model.MessageRecord, error) {
	account, ok := o.Account(accountID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	rec, err := o.store.GetMessage(ctx, accountID, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case model.StateIgnored, model.StateNotified, model.StateRejected:
	default:
		return nil, fmt.Errorf("%w: message is %s", ErrNotReclassifiable, rec.State)
	}

	msg := rec.Message()
	key := msg.Key()
	if !o.lock(key) {
		return nil, ErrBusy
	}
	defer o.unlock(key)

	o.triage.Invalidate(msg, account.Rules)
	if err := o.store.ResetForReclassification(ctx, accountID, messageID, rec.State); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: state changed concurrently", ErrNotReclassifiable)
		}
		return nil, err
	}
	o.observeTransition(model.StateIngested)
	o.audit(ctx, msg, model.AuditHumanIntervention, "reclassify", "previous state "+string(rec.State))

	if err := o.drive(ctx, account, msg, model.StateIngested, nil); err != nil {
		o.recordError(ctx, msg, err)
	}
	return o.store.GetMessage(ctx, accountID, messageID)
}

// Recover returns drafts left Approved by an interrupted send to Pending.
// A send that may or may not have happened is never retried without a
// fresh human approval.
func (o *Orchestrator) Recover(ctx context.Context) error {
	n, err := o.store.ResetApprovedDrafts(ctx, "send interrupted by restart; approve again to resend")
	if err != nil {
		return err
	}
	if n > 0 {
		o.log.WithField("drafts", n).Warn("Returned interrupted approvals to pending")
	}
	o.refreshPending(ctx)
	return nil
}

func replySubject(subject string) string {
	if len(subject) >= 3 && (subject[:3] == "Re:" || subject[:3] == "RE:" || subject[:3] == "re:") {
		return subject
	}
	return "Re: " + subject
}
