package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/sirupsen/logrus"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/model"
	"inbox-triage/internal/resilience"
)

// IMAPSource reads mail over IMAP. It cannot send.
type IMAPSource struct {
	log  *logrus.Entry
	dial func(addr string) (*client.Client, error)
}

// NewIMAPSource creates an IMAP source connecting over TLS.
func NewIMAPSource(log *logrus.Entry) *IMAPSource {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &IMAPSource{
		log:  log.WithField("component", "imap"),
		dial: func(addr string) (*client.Client, error) { return client.DialTLS(addr, nil) },
	}
}

func (s *IMAPSource) connect(ctx context.Context, account model.Account, creds model.Credentials) (*client.Client, error) {
	addr := net.JoinHostPort(account.Source.Host, strconv.Itoa(account.Source.Port))
	c, err := s.dial(addr)
	if err != nil {
		return nil, apperr.Transient(resilience.UpstreamMail, fmt.Errorf("failed to connect to IMAP server: %w", err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}

	user := account.Source.Username
	if user == "" {
		user = account.ID
	}
	password := creds.Get("password", "value")
	if err := c.Login(user, password); err != nil {
		c.Logout()
		return nil, apperr.Permanent(resilience.UpstreamMail, fmt.Errorf("%w: failed to login to IMAP server: %v", apperr.ErrUnauthorized, err))
	}
	return c, nil
}

// ListSince lists messages of the configured mailbox received on or after
// the checkpoint's day. Message ids combine the mailbox UIDVALIDITY and the
// message UID.
func (s *IMAPSource) ListSince(ctx context.Context, account model.Account, creds model.Credentials, since model.Checkpoint) ([]model.Message, error) {
	c, err := s.connect(ctx, account, creds)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	mailbox := account.Source.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	status, err := c.Select(mailbox, true)
	if err != nil {
		return nil, apperr.Permanent(resilience.UpstreamMail, fmt.Errorf("failed to select %s: %w", mailbox, err))
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since.Timestamp
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, apperr.Transient(resilience.UpstreamMail, fmt.Errorf("failed to search messages: %w", err))
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

	fetched := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, fetched)
	}()

	var messages []model.Message
	for m := range fetched {
		msg, err := parseIMAPMessage(account.ID, status.UidValidity, m, section)
		if err != nil {
			// the envelope is enough to triage; dropping the message would let
			// the checkpoint pass it for good
			s.log.WithFields(logrus.Fields{
				"uid":        m.Uid,
				"message_id": msg.ID,
			}).WithError(err).Warn("Failed to parse IMAP message body, listing it without an excerpt")
		}
		messages = append(messages, msg)
	}
	if err := <-done; err != nil {
		return nil, apperr.Transient(resilience.UpstreamMail, fmt.Errorf("failed to fetch messages: %w", err))
	}
	return messages, nil
}

func parseIMAPMessage(accountID string, uidValidity uint32, m *imap.Message, section *imap.BodySectionName) (model.Message, error) {
	msg := model.Message{
		AccountID:   accountID,
		ID:          fmt.Sprintf("%d-%d", uidValidity, m.Uid),
		Timestamp:   m.InternalDate.UTC(),
		ThreadDepth: 1,
	}
	if env := m.Envelope; env != nil {
		msg.Subject = env.Subject
		if len(env.From) > 0 {
			msg.From = env.From[0].Address()
		}
		for _, addr := range env.To {
			msg.To = append(msg.To, addr.Address())
		}
		msg.ThreadID = env.MessageId
		if env.InReplyTo != "" {
			msg.ThreadID = env.InReplyTo
			msg.ThreadDepth = 2
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = env.Date.UTC()
		}
	}

	r := m.GetBody(section)
	if r == nil {
		return msg, nil
	}
	plain, html, err := readBody(r)
	if err != nil {
		return msg, fmt.Errorf("uid %d: %w", m.Uid, err)
	}
	msg.Excerpt = excerpt(plain, html)
	return msg, nil
}

// readBody returns the first text/plain and text/html parts of a message.
func readBody(r io.Reader) (plain, html string, err error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return "", "", fmt.Errorf("failed to read message: %w", err)
	}

	err = entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			return err
		}
		if part.MultipartReader() != nil {
			return nil
		}
		ct, _, _ := part.Header.ContentType()
		if ct != "" && !strings.HasPrefix(ct, "text/") {
			return nil
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return fmt.Errorf("failed to read part body: %w", err)
		}
		switch {
		case ct == "text/html" && html == "":
			html = string(body)
		case ct != "text/html" && plain == "":
			plain = string(body)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return plain, html, nil
}

// ReadOnly is always true; replies for IMAP accounts are sent by hand.
func (s *IMAPSource) ReadOnly() bool { return true }

// Send always fails. Respond decisions for IMAP accounts never reach it
// because the orchestrator checks ReadOnly through the router first.
func (s *IMAPSource) Send(context.Context, model.Account, model.Credentials, model.Draft, model.Message) (model.SendResult, error) {
	return model.SendResult{}, apperr.Permanent(resilience.UpstreamMail, ErrSendUnsupported)
}
