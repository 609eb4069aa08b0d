package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/model"
	"inbox-triage/internal/resilience"
)

const gmailUser = "me"

// GmailScopes are the OAuth scopes the Gmail source needs.
var GmailScopes = []string{gmail.GmailReadonlyScope, gmail.GmailSendScope}

// OAuthConfig builds the OAuth client configuration from stored credentials.
func OAuthConfig(creds model.Credentials) (*oauth2.Config, error) {
	clientID := creds.Get("client_id")
	clientSecret := creds.Get("client_secret")
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("credentials need client_id and client_secret")
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       GmailScopes,
		Endpoint:     google.Endpoint,
		RedirectURL:  creds.Get("redirect_uri", "redirect_url"),
	}, nil
}

// GmailSource reads and sends mail through the Gmail API.
type GmailSource struct {
	log        *logrus.Entry
	pageSize   int64
	newService func(ctx context.Context, creds model.Credentials) (*gmail.Service, error)
}

// NewGmailSource creates a Gmail source authenticating with the refresh
// token stored in the account's credentials.
func NewGmailSource(log *logrus.Entry) *GmailSource {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &GmailSource{
		log:        log.WithField("component", "gmail"),
		pageSize:   100,
		newService: oauthService,
	}
}

func oauthService(ctx context.Context, creds model.Credentials) (*gmail.Service, error) {
	cfg, err := OAuthConfig(creds)
	if err != nil {
		return nil, apperr.Permanent(resilience.UpstreamMail, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err))
	}
	refresh := creds.Get("refresh_token")
	if refresh == "" {
		return nil, apperr.Permanent(resilience.UpstreamMail, fmt.Errorf("%w: credentials need refresh_token", apperr.ErrUnauthorized))
	}

	// the token source outlives this call, so it must not inherit its deadline
	ts := cfg.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: refresh})
	service, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return service, nil
}

// ListSince lists messages received after since, oldest first.
func (g *GmailSource) ListSince(ctx context.Context, account model.Account, creds model.Credentials, since model.Checkpoint) ([]model.Message, error) {
	service, err := g.newService(ctx, creds)
	if err != nil {
		return nil, err
	}

	// after: has second granularity; the caller drops what it has already seen
	query := fmt.Sprintf("after:%d", since.Timestamp.Unix()-1)

	var refs []*gmail.Message
	err = service.Users.Messages.List(gmailUser).Q(query).MaxResults(g.pageSize).
		Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
			refs = append(refs, resp.Messages...)
			return nil
		})
	if err != nil {
		return nil, classify("list messages", err)
	}

	messages := make([]model.Message, 0, len(refs))
	for _, ref := range refs {
		full, err := service.Users.Messages.Get(gmailUser, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				// deleted between list and get
				continue
			}
			return nil, classify("get message "+ref.Id, err)
		}

		msg := parseGmailMessage(account.ID, full)
		msg.ThreadDepth = g.threadDepth(ctx, service, full.ThreadId)
		messages = append(messages, msg)
	}
	return messages, nil
}

func (g *GmailSource) threadDepth(ctx context.Context, service *gmail.Service, threadID string) int {
	if threadID == "" {
		return 1
	}
	thread, err := service.Users.Threads.Get(gmailUser, threadID).Format("minimal").Context(ctx).Do()
	if err != nil {
		g.log.WithField("thread_id", threadID).WithError(err).Debug("Failed to load thread")
		return 1
	}
	return len(thread.Messages)
}

func parseGmailMessage(accountID string, m *gmail.Message) model.Message {
	msg := model.Message{
		AccountID: accountID,
		ID:        m.Id,
		ThreadID:  m.ThreadId,
		Timestamp: time.UnixMilli(m.InternalDate).UTC(),
	}
	if m.Payload == nil {
		msg.Excerpt = m.Snippet
		return msg
	}

	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			msg.Subject = h.Value
		case "from":
			msg.From = h.Value
		case "to":
			msg.To = splitAddresses(h.Value)
		}
	}

	var plain, html string
	collectBody(m.Payload, &plain, &html)
	msg.Excerpt = excerpt(plain, html)
	if msg.Excerpt == "" {
		msg.Excerpt = m.Snippet
	}
	return msg
}

// collectBody walks the part tree keeping the first text/plain and
// text/html bodies.
func collectBody(part *gmail.MessagePart, plain, html *string) {
	if part.Body != nil && part.Body.Data != "" {
		data, err := decodeBase64URL(part.Body.Data)
		if err == nil {
			switch {
			case strings.HasPrefix(part.MimeType, "text/plain") && *plain == "":
				*plain = string(data)
			case strings.HasPrefix(part.MimeType, "text/html") && *html == "":
				*html = string(data)
			}
		}
	}
	for _, sub := range part.Parts {
		collectBody(sub, plain, html)
	}
}

func decodeBase64URL(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Send posts the draft as a reply in the original thread.
func (g *GmailSource) Send(ctx context.Context, account model.Account, creds model.Credentials, draft model.Draft, original model.Message) (model.SendResult, error) {
	service, err := g.newService(ctx, creds)
	if err != nil {
		return model.SendResult{}, err
	}

	// threading needs the RFC 5322 id, which the listing does not keep
	var inReplyTo string
	meta, err := service.Users.Messages.Get(gmailUser, original.ID).Format("metadata").
		MetadataHeaders("Message-ID").Context(ctx).Do()
	if err != nil {
		if !isNotFound(err) {
			return model.SendResult{}, classify("get original", err)
		}
	} else if meta.Payload != nil {
		for _, h := range meta.Payload.Headers {
			if strings.EqualFold(h.Name, "Message-ID") {
				inReplyTo = h.Value
			}
		}
	}

	raw, err := composeReply(account.ID, draft, inReplyTo, time.Now())
	if err != nil {
		return model.SendResult{}, apperr.Permanent(resilience.UpstreamMail, err)
	}

	sent, err := service.Users.Messages.Send(gmailUser, &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: original.ThreadID,
	}).Context(ctx).Do()
	if err != nil {
		return model.SendResult{}, classify("send", err)
	}

	g.log.WithFields(logrus.Fields{
		"account":     account.ID,
		"message_id":  original.ID,
		"provider_id": sent.Id,
	}).Info("Reply sent")
	return model.SendResult{ProviderID: sent.Id, SentAt: time.Now()}, nil
}

// composeReply renders the reply as a MIME message.
func composeReply(from string, draft model.Draft, inReplyTo string, now time.Time) ([]byte, error) {
	to, err := mail.ParseAddressList(draft.Recipient)
	if err != nil || len(to) == 0 {
		return nil, fmt.Errorf("invalid recipient %q: %v", draft.Recipient, err)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", to)
	h.SetSubject(draft.Subject)
	if inReplyTo != "" {
		h.Set("In-Reply-To", inReplyTo)
		h.Set("References", inReplyTo)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	if _, err := io.WriteString(w, draft.Text); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// classify maps Gmail and OAuth failures onto the upstream error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperr.IsContext(err) {
		return err
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return apperr.Permanent(resilience.UpstreamMail, fmt.Errorf("%s: %w: %v", op, apperr.ErrUnauthorized, err))
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// transport failures stay unclassified and are retried
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
		return apperr.Transient(resilience.UpstreamMail, fmt.Errorf("%s: %w", op, err))
	case gerr.Code == http.StatusForbidden && isRateLimitReason(gerr):
		return apperr.Transient(resilience.UpstreamMail, fmt.Errorf("%s: %w", op, err))
	case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
		return apperr.Permanent(resilience.UpstreamMail, fmt.Errorf("%s: %w: %v", op, apperr.ErrUnauthorized, err))
	default:
		return apperr.Permanent(resilience.UpstreamMail, fmt.Errorf("%s: %w", op, err))
	}
}

func isRateLimitReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(item.Reason, "RateLimitExceeded") || item.Reason == "quotaExceeded" {
			return true
		}
	}
	return false
}
