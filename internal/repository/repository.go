package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inbox-triage/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-swap finds an unexpected state.
	ErrConflict = errors.New("state conflict")
)

type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// IsProcessed reports whether the message has been claimed before.
func (r *Repository) IsProcessed(ctx context.Context, accountID, messageID string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&model.ProcessedMessage{}).
		Where("account_id = ? AND message_id = ?", accountID, messageID).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("database error checking processed message: %w", result.Error)
	}
	return count > 0, nil
}

// ClaimMessage atomically inserts the dedup record and the Ingested state
// for msg. It returns false if another caller claimed the message first.
func (r *Repository) ClaimMessage(ctx context.Context, msg model.Message) (bool, error) {
	claimed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		processed := model.ProcessedMessage{
			AccountID:   msg.AccountID,
			MessageID:   msg.ID,
			ProcessedAt: r.now(),
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&processed)
		if result.Error != nil {
			return fmt.Errorf("failed to mark message as processed: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		record := model.NewMessageRecord(msg)
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to create message state: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// GetMessage returns the state record for a message.
func (r *Repository) GetMessage(ctx context.Context, accountID, messageID string) (*model.MessageRecord, error) {
	var rec model.MessageRecord
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND message_id = ?", accountID, messageID).
		First(&rec)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get message state: %w", result.Error)
	}
	return &rec, nil
}

// Transition moves a message from one state to another. It fails with
// ErrConflict if the message is not currently in from.
func (r *Repository) Transition(ctx context.Context, accountID, messageID string, from, to model.MessageState, note string) error {
	result := r.db.WithContext(ctx).Model(&model.MessageRecord{}).
		Where("account_id = ? AND message_id = ? AND state = ?", accountID, messageID, from).
		Updates(map[string]any{"state": to, "note": note, "updated_at": r.now()})
	if result.Error != nil {
		return fmt.Errorf("failed to transition %s -> %s: %w", from, to, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s is not %s", ErrConflict, accountID, messageID, from)
	}
	return nil
}

// RecordDecision persists a triage decision and moves Ingested -> Classified
// in one step.
func (r *Repository) RecordDecision(ctx context.Context, accountID string, d model.Decision) error {
	decidedAt := d.DecidedAt
	result := r.db.WithContext(ctx).Model(&model.MessageRecord{}).
		Where("account_id = ? AND message_id = ? AND state = ?", accountID, d.MessageID, model.StateIngested).
		Updates(map[string]any{
			"state":            model.StateClassified,
			"category":         d.Category,
			"decision_origin":  d.Origin,
			"rule_group":       d.RuleGroup,
			"rule_fingerprint": d.RuleFingerprint,
			"priority_score":   d.Priority.Score,
			"priority_level":   d.Priority.Category,
			"reason":           d.Reason,
			"decided_at":       &decidedAt,
			"note":             "",
			"updated_at":       r.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record decision: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s is not %s", ErrConflict, accountID, d.MessageID, model.StateIngested)
	}
	return nil
}

// ResetForReclassification clears the decision and returns a message to
// Ingested, provided it is still in from.
func (r *Repository) ResetForReclassification(ctx context.Context, accountID, messageID string, from model.MessageState) error {
	result := r.db.WithContext(ctx).Model(&model.MessageRecord{}).
		Where("account_id = ? AND message_id = ? AND state = ?", accountID, messageID, from).
		Updates(map[string]any{
			"state":            model.StateIngested,
			"category":         "",
			"decision_origin":  "",
			"rule_group":       "",
			"rule_fingerprint": "",
			"reason":           "",
			"decided_at":       nil,
			"note":             "reclassification requested",
			"updated_at":       r.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to reset message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s is not %s", ErrConflict, accountID, messageID, from)
	}
	return nil
}

// ListMessages returns message states, newest first. Empty filters match all.
func (r *Repository) ListMessages(ctx context.Context, accountID string, state model.MessageState, limit int) ([]model.MessageRecord, error) {
	q := r.db.WithContext(ctx).Order("received_at DESC, id DESC")
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var records []model.MessageRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return records, nil
}

// ListResumable returns the account's interrupted messages, oldest first.
func (r *Repository) ListResumable(ctx context.Context, accountID string) ([]model.MessageRecord, error) {
	var records []model.MessageRecord
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND state IN ?", accountID, model.ResumableStates).
		Order("received_at ASC, message_id ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list resumable messages: %w", result.Error)
	}
	return records, nil
}

// GetCheckpoint returns the account's checkpoint, zero if none exists.
func (r *Repository) GetCheckpoint(ctx context.Context, accountID string) (model.Checkpoint, error) {
	var rec model.CheckpointRecord
	result := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&rec)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return model.Checkpoint{}, nil
	}
	if result.Error != nil {
		return model.Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", result.Error)
	}
	return model.Checkpoint{Timestamp: rec.Timestamp, MessageID: rec.MessageID}, nil
}

// AdvanceCheckpoint stores cp for the account.
func (r *Repository) AdvanceCheckpoint(ctx context.Context, accountID string, cp model.Checkpoint) error {
	rec := model.CheckpointRecord{
		AccountID: accountID,
		Timestamp: cp.Timestamp,
		MessageID: cp.MessageID,
		UpdatedAt: r.now(),
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp", "message_id", "updated_at"}),
	}).Create(&rec)
	if result.Error != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", result.Error)
	}
	return nil
}
