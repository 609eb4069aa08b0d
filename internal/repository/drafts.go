package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"inbox-triage/internal/model"
)

// SaveDraft inserts a draft or replaces the one already stored for the
// same message. On replace the stored id is kept and copied into d.
func (r *Repository) SaveDraft(ctx context.Context, d *model.Draft) error {
	now := r.now()
	d.UpdatedAt = now

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Draft
		result := tx.Where("account_id = ? AND message_id = ?", d.AccountID, d.MessageID).First(&existing)
		switch {
		case errors.Is(result.Error, gorm.ErrRecordNotFound):
			if d.CreatedAt.IsZero() {
				d.CreatedAt = now
			}
			if err := tx.Create(d).Error; err != nil {
				return fmt.Errorf("failed to save draft: %w", err)
			}
			return nil
		case result.Error != nil:
			return fmt.Errorf("failed to load draft: %w", result.Error)
		}

		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
		err := tx.Model(&model.Draft{}).Where("id = ?", existing.ID).Updates(map[string]any{
			"status":     d.Status,
			"text":       d.Text,
			"subject":    d.Subject,
			"recipient":  d.Recipient,
			"note":       d.Note,
			"last_error": d.LastError,
			"reason":     d.Reason,
			"updated_at": now,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to replace draft: %w", err)
		}
		return nil
	})
}

// GetDraft returns a draft by id.
func (r *Repository) GetDraft(ctx context.Context, id string) (*model.Draft, error) {
	var d model.Draft
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&d)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get draft: %w", result.Error)
	}
	return &d, nil
}

// DraftForMessage returns the draft generated for a message, if any.
func (r *Repository) DraftForMessage(ctx context.Context, accountID, messageID string) (*model.Draft, error) {
	var d model.Draft
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND message_id = ?", accountID, messageID).
		First(&d)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get draft: %w", result.Error)
	}
	return &d, nil
}

// ListDrafts returns drafts with the given status, oldest first. An empty
// status lists every draft.
func (r *Repository) ListDrafts(ctx context.Context, status model.DraftStatus) ([]model.Draft, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var drafts []model.Draft
	if err := q.Find(&drafts).Error; err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	return drafts, nil
}

// CountDrafts counts drafts with the given status.
func (r *Repository) CountDrafts(ctx context.Context, status model.DraftStatus) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Draft{}).Where("status = ?", status).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count drafts: %w", err)
	}
	return n, nil
}

// TransitionDraft moves a draft from one status to another, applying the
// extra column updates in the same statement. It fails with ErrConflict if
// the draft is not in from.
func (r *Repository) TransitionDraft(ctx context.Context, id string, from, to model.DraftStatus, updates map[string]any) error {
	values := map[string]any{"status": to, "updated_at": r.now()}
	for k, v := range updates {
		values[k] = v
	}
	result := r.db.WithContext(ctx).Model(&model.Draft{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if result.Error != nil {
		return fmt.Errorf("failed to transition draft %s -> %s: %w", from, to, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: draft %s is not %s", ErrConflict, id, from)
	}
	return nil
}

// ResetApprovedDrafts returns drafts stuck in Approved (a send interrupted
// by a crash) to Pending so a human can approve them again.
func (r *Repository) ResetApprovedDrafts(ctx context.Context, note string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.Draft{}).
		Where("status = ?", model.DraftApproved).
		Updates(map[string]any{"status": model.DraftPending, "note": note, "updated_at": r.now()})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset approved drafts: %w", result.Error)
	}
	return result.RowsAffected, nil
}
