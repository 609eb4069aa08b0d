package model

import (
	"encoding/json"
	"time"
)

// MessageState is a message's position in the triage state machine.
type MessageState string

const (
	StateIngested         MessageState = "ingested"
	StateClassified       MessageState = "classified"
	StateIgnored          MessageState = "ignored"
	StateNotified         MessageState = "notified"
	StateDraftPending     MessageState = "draft_pending"
	StateAwaitingApproval MessageState = "awaiting_approval"
	StateSent             MessageState = "sent"
	StateRejected         MessageState = "rejected"
)

// Terminal reports whether no further automatic processing happens.
func (s MessageState) Terminal() bool {
	switch s {
	case StateIgnored, StateNotified, StateSent, StateRejected:
		return true
	}
	return false
}

// Resumable reports whether an interrupted message in this state should be
// re-driven. AwaitingApproval is durable and waits for a human instead.
func (s MessageState) Resumable() bool {
	switch s {
	case StateIngested, StateClassified, StateDraftPending:
		return true
	}
	return false
}

// ResumableStates lists every state Resumable accepts.
var ResumableStates = []MessageState{StateIngested, StateClassified, StateDraftPending}

// MessageRecord persists a message, its decision and its current state.
type MessageRecord struct {
	ID        uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	AccountID string       `json:"account_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_message_account_message;index:idx_message_account_state"`
	MessageID string       `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_message_account_message"`
	State     MessageState `json:"state" gorm:"type:varchar(32);not null;index:idx_message_account_state"`
	Note      string       `json:"note,omitempty" gorm:"type:text"`

	ThreadID    string    `json:"thread_id" gorm:"type:varchar(255)"`
	ReceivedAt  time.Time `json:"received_at"`
	Sender      string    `json:"sender" gorm:"type:varchar(512)"`
	Recipients  string    `json:"recipients" gorm:"type:text"`
	Subject     string    `json:"subject" gorm:"type:text"`
	Excerpt     string    `json:"excerpt" gorm:"type:text"`
	ThreadDepth int       `json:"thread_depth"`

	Category        Category   `json:"category,omitempty" gorm:"type:varchar(16)"`
	DecisionOrigin  string     `json:"decision_origin,omitempty" gorm:"type:varchar(16)"`
	RuleGroup       string     `json:"rule_group,omitempty" gorm:"type:varchar(255)"`
	RuleFingerprint string     `json:"rule_fingerprint,omitempty" gorm:"type:varchar(64)"`
	PriorityScore   int        `json:"priority_score"`
	PriorityLevel   string     `json:"priority_level,omitempty" gorm:"type:varchar(16)"`
	Reason          string     `json:"reason,omitempty" gorm:"type:text"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for MessageRecord
func (MessageRecord) TableName() string {
	return "message_states"
}

// NewMessageRecord builds the Ingested record for msg.
func NewMessageRecord(msg Message) MessageRecord {
	to, _ := json.Marshal(msg.To)
	return MessageRecord{
		AccountID:   msg.AccountID,
		MessageID:   msg.ID,
		State:       StateIngested,
		ThreadID:    msg.ThreadID,
		ReceivedAt:  msg.Timestamp,
		Sender:      msg.From,
		Recipients:  string(to),
		Subject:     msg.Subject,
		Excerpt:     msg.Excerpt,
		ThreadDepth: msg.ThreadDepth,
	}
}

// Message rebuilds the fetched message from the record.
func (r MessageRecord) Message() Message {
	var to []string
	_ = json.Unmarshal([]byte(r.Recipients), &to)
	return Message{
		AccountID:   r.AccountID,
		ID:          r.MessageID,
		ThreadID:    r.ThreadID,
		Timestamp:   r.ReceivedAt,
		From:        r.Sender,
		To:          to,
		Subject:     r.Subject,
		Excerpt:     r.Excerpt,
		ThreadDepth: r.ThreadDepth,
	}
}

// Decision returns the persisted decision, if any.
func (r MessageRecord) Decision() (Decision, bool) {
	if r.Category == "" {
		return Decision{}, false
	}
	d := Decision{
		MessageID:       r.MessageID,
		Category:        r.Category,
		Origin:          r.DecisionOrigin,
		RuleGroup:       r.RuleGroup,
		RuleFingerprint: r.RuleFingerprint,
		Priority:        Priority{Score: r.PriorityScore, Category: r.PriorityLevel},
		Reason:          r.Reason,
	}
	if r.DecidedAt != nil {
		d.DecidedAt = *r.DecidedAt
	}
	return d, true
}
