package model

import "time"

// DraftStatus is the approval status of a draft.
type DraftStatus string

const (
	DraftPending  DraftStatus = "pending"
	DraftApproved DraftStatus = "approved"
	DraftRejected DraftStatus = "rejected"
	DraftSent     DraftStatus = "sent"
)

// Draft is a generated reply awaiting a human decision.
type Draft struct {
	ID        string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID string      `json:"account_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_draft_account_message"`
	MessageID string      `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_draft_account_message"`
	Status    DraftStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	Text      string      `json:"text" gorm:"type:text"`
	Subject   string      `json:"subject" gorm:"type:text"`
	Recipient string      `json:"recipient" gorm:"type:varchar(512)"`
	// Note explains a previous failure, e.g. a failed send.
	Note       string     `json:"note,omitempty" gorm:"type:text"`
	LastError  string     `json:"last_error,omitempty" gorm:"type:text"`
	Reason     string     `json:"reason,omitempty" gorm:"type:text"`
	ProviderID string     `json:"provider_id,omitempty" gorm:"type:varchar(255)"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName specifies the table name for Draft
func (Draft) TableName() string {
	return "drafts"
}
