package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/model"
	"inbox-triage/internal/repository"
	"inbox-triage/internal/resilience"
)

// releaseTimeout bounds the bookkeeping done after the caller's context ends.
const releaseTimeout = 5 * time.Second

// PendingDrafts lists drafts awaiting a human decision, oldest first.
func (o *Orchestrator) PendingDrafts(ctx context.Context) ([]model.Draft, error) {
	return o.store.ListDrafts(ctx, model.DraftPending)
}

// GetDraft returns one draft.
func (o *Orchestrator) GetDraft(ctx context.Context, id string) (*model.Draft, error) {
	d, err := o.store.GetDraft(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDraftNotFound
	}
	return d, err
}

// Approve sends a pending draft. Only one of several concurrent approvals
// of the same draft can win; the others get ErrDraftNotPending. If the send
// fails the draft returns to Pending with the error attached and the
// message keeps waiting for approval.
func (o *Orchestrator) Approve(ctx context.Context, draftID string) (*model.Draft, error) {
	d, err := o.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if err := o.store.TransitionDraft(ctx, draftID, model.DraftPending, model.DraftApproved, nil); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: draft %s", ErrDraftNotPending, draftID)
		}
		return nil, err
	}

	log := o.log.WithFields(logrus.Fields{
		"account":    d.AccountID,
		"message_id": d.MessageID,
		"draft_id":   d.ID,
	})

	rec, err := o.store.GetMessage(ctx, d.AccountID, d.MessageID)
	if err != nil {
		o.release(ctx, d, err)
		return nil, err
	}
	if rec.State != model.StateAwaitingApproval {
		err := fmt.Errorf("%w: message is %s", ErrNotAwaitingApproval, rec.State)
		o.release(ctx, d, err)
		return nil, err
	}
	account, ok := o.Account(d.AccountID)
	if !ok {
		return nil, o.sendFailed(ctx, d, fmt.Errorf("%w: %s", ErrUnknownAccount, d.AccountID))
	}

	creds, err := o.creds.Credentials(ctx, account)
	if err != nil {
		return nil, o.sendFailed(ctx, d, err)
	}

	original := rec.Message()
	var result model.SendResult
	err = o.stack.Do(ctx, resilience.UpstreamMail, func(ctx context.Context) error {
		r, err := o.sender.Send(ctx, account, creds, *d, original)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrUnauthorized) {
			o.creds.Invalidate(account.ID)
		}
		return nil, o.sendFailed(ctx, d, err)
	}

	sentAt := result.SentAt
	if sentAt.IsZero() {
		sentAt = o.now()
	}
	if err := o.store.TransitionDraft(ctx, d.ID, model.DraftApproved, model.DraftSent, map[string]any{
		"provider_id": result.ProviderID,
		"sent_at":     &sentAt,
		"last_error":  "",
	}); err != nil {
		return nil, err
	}
	if err := o.transition(ctx, original, model.StateAwaitingApproval, model.StateSent, ""); err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.SendSuccesses.Inc()
	}
	o.refreshPending(ctx)
	o.audit(ctx, original, model.AuditMessageSent, "success", result.ProviderID)
	log.WithField("provider_id", result.ProviderID).Info("Approved draft sent")

	return o.store.GetDraft(ctx, d.ID)
}

func (o *Orchestrator) sendFailed(ctx context.Context, d *model.Draft, cause error) error {
	if o.metrics != nil {
		o.metrics.SendFailures.Inc()
	}
	o.release(ctx, d, cause)
	return fmt.Errorf("%w: %w", ErrSendFailed, cause)
}

// release returns an approved draft to Pending with cause attached.
func (o *Orchestrator) release(ctx context.Context, d *model.Draft, cause error) {
	log := o.log.WithFields(logrus.Fields{
		"account":    d.AccountID,
		"message_id": d.MessageID,
		"draft_id":   d.ID,
	})
	log.WithError(cause).Error("Failed to send approved draft")

	// the request context may be gone; the draft must still be released
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := o.store.TransitionDraft(rctx, d.ID, model.DraftApproved, model.DraftPending, map[string]any{
		"last_error": cause.Error(),
		"note":       "send failed; approve again to retry",
	}); err != nil {
		log.WithError(err).Error("Failed to release draft after send failure")
	}
	if err := o.store.LogAudit(rctx, d.AccountID, d.MessageID, model.AuditSendFailed, apperr.KindOf(cause), cause.Error()); err != nil {
		log.WithError(err).Error("Failed to write audit entry")
	}
}

// Reject discards a pending draft. No upstream is called.
func (o *Orchestrator) Reject(ctx context.Context, draftID, reason string) (*model.Draft, error) {
	d, err := o.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if err := o.store.TransitionDraft(ctx, draftID, model.DraftPending, model.DraftRejected, map[string]any{"reason": reason}); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: draft %s", ErrDraftNotPending, draftID)
		}
		return nil, err
	}

	msg := model.Message{AccountID: d.AccountID, ID: d.MessageID}
	if err := o.transition(ctx, msg, model.StateAwaitingApproval, model.StateRejected, reason); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: draft %s", ErrNotAwaitingApproval, draftID)
		}
		return nil, err
	}
	o.refreshPending(ctx)
	o.audit(ctx, msg, model.AuditHumanIntervention, "rejected", reason)
	o.msgLog(msg).WithField("draft_id", d.ID).Info("Draft rejected")

	return o.store.GetDraft(ctx, d.ID)
}
