package model

import "time"

// ProcessedMessage is the dedup record: one row per (account, message id),
// inserted atomically when a message is claimed and never deleted.
type ProcessedMessage struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	AccountID   string    `json:"account_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_processed_account_message"`
	MessageID   string    `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_processed_account_message"`
	ProcessedAt time.Time `json:"processed_at"`
}

// TableName specifies the table name for ProcessedMessage
func (ProcessedMessage) TableName() string {
	return "processed_messages"
}
