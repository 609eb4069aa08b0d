package orchestrator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"inbox-triage/internal/model"
)

type auditLogger interface {
	LogAudit(ctx context.Context, accountID, messageID, action, status, detail string) error
}

// AuditNotifier surfaces messages through the log and the audit trail,
// where the approval API and operators pick them up.
type AuditNotifier struct {
	store auditLogger
	log   *logrus.Entry
}

func NewAuditNotifier(store auditLogger, log *logrus.Entry) *AuditNotifier {
	return &AuditNotifier{store: store, log: log}
}

func (n *AuditNotifier) Notify(ctx context.Context, account model.Account, msg model.Message, d model.Decision, note string) error {
	n.log.WithFields(logrus.Fields{
		"account":    account.ID,
		"message_id": msg.ID,
		"from":       msg.From,
		"subject":    msg.Subject,
		"priority":   d.Priority.Category,
	}).Warn("Message needs human attention")

	detail := fmt.Sprintf("%s | %s | priority %s", msg.From, msg.Subject, d.Priority.Category)
	if note != "" {
		detail += " | " + note
	}
	return n.store.LogAudit(ctx, account.ID, msg.ID, model.AuditNotification, "sent", detail)
}
