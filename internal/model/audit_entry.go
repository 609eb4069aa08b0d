package model

import "time"

// Audit actions.
const (
	AuditMessageReceived   = "message_received"
	AuditTriageDecision    = "triage_decision"
	AuditDraftCreated      = "draft_created"
	AuditDraftFailed       = "draft_failed"
	AuditMessageSent       = "message_sent"
	AuditSendFailed        = "send_failed"
	AuditHumanIntervention = "human_intervention"
	AuditNotification      = "human_notification"
	AuditError             = "error"
)

// AuditEntry records one action taken on a message
type AuditEntry struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	AccountID string    `json:"account_id" gorm:"type:varchar(255);not null;index"`
	MessageID string    `json:"message_id" gorm:"type:varchar(255);index"`
	Action    string    `json:"action" gorm:"type:varchar(50);not null;index"`
	Status    string    `json:"status" gorm:"type:varchar(50);not null"`
	Detail    string    `json:"detail" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// TableName specifies the table name for AuditEntry
func (AuditEntry) TableName() string {
	return "audit_entries"
}
