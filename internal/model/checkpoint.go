package model

import "time"

// CheckpointRecord stores an account's checkpoint.
type CheckpointRecord struct {
	AccountID string    `json:"account_id" gorm:"primaryKey;type:varchar(255)"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id" gorm:"type:varchar(255)"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for CheckpointRecord
func (CheckpointRecord) TableName() string {
	return "checkpoints"
}
