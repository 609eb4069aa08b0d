package repository

import (
	"context"
	"fmt"
	"time"

	"inbox-triage/internal/model"
)

// LogAudit appends an audit entry.
func (r *Repository) LogAudit(ctx context.Context, accountID, messageID, action, status, detail string) error {
	entry := model.AuditEntry{
		AccountID: accountID,
		MessageID: messageID,
		Action:    action,
		Status:    status,
		Detail:    detail,
		CreatedAt: r.now(),
	}
	result := r.db.WithContext(ctx).Create(&entry)
	if result.Error != nil {
		return fmt.Errorf("failed to log audit entry: %w", result.Error)
	}
	return nil
}

// AuditFilter narrows ListAudit. Zero values match everything.
type AuditFilter struct {
	AccountID string
	MessageID string
	Action    string
	Limit     int
}

// ListAudit returns audit entries, newest first.
func (r *Repository) ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditEntry, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.MessageID != "" {
		q = q.Where("message_id = ?", f.MessageID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var entries []model.AuditEntry
	if err := q.Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// AuditSummary counts entries per action since the given time.
func (r *Repository) AuditSummary(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Action string
		Count  int64
	}
	result := r.db.WithContext(ctx).Model(&model.AuditEntry{}).
		Select("action, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("action").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to summarize audit entries: %w", result.Error)
	}

	summary := make(map[string]int64, len(rows))
	for _, row := range rows {
		summary[row.Action] = row.Count
	}
	return summary, nil
}
