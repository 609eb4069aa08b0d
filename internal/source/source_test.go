package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/model"
)

func b64(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

type fakeGmail struct {
	mu       sync.Mutex
	queries  []string
	sent     []gmail.Message
	failCode int
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCode != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.failCode)
		_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope"}}`, f.failCode)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/")
	var body any
	switch {
	case path == "messages" && r.Method == http.MethodGet:
		f.queries = append(f.queries, r.URL.Query().Get("q"))
		body = map[string]any{"messages": []map[string]string{{"id": "m1", "threadId": "t1"}, {"id": "gone", "threadId": "t2"}}}
	case path == "messages/send" && r.Method == http.MethodPost:
		var m gmail.Message
		_ = json.NewDecoder(r.Body).Decode(&m)
		f.sent = append(f.sent, m)
		body = map[string]string{"id": "sent-1", "threadId": m.ThreadId}
	case path == "messages/gone":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
		return
	case path == "messages/m1" && r.URL.Query().Get("format") == "metadata":
		body = map[string]any{"id": "m1", "payload": map[string]any{
			"headers": []map[string]string{{"name": "Message-ID", "value": "<abc@mail.example.com>"}},
		}}
	case path == "messages/m1":
		body = map[string]any{
			"id":           "m1",
			"threadId":     "t1",
			"internalDate": "1772438400000",
			"payload": map[string]any{
				"mimeType": "multipart/alternative",
				"headers": []map[string]string{
					{"name": "From", "value": "Boss <boss@example.com>"},
					{"name": "To", "value": "jane@example.com, team@example.com"},
					{"name": "Subject", "value": "Quarterly plan"},
				},
				"parts": []map[string]any{
					{"mimeType": "text/html", "body": map[string]string{"data": b64("<html><style>p{}</style><p>Please   review</p><p>the plan</p></html>")}},
				},
			},
		}
	case path == "threads/t1":
		body = map[string]any{"id": "t1", "messages": []map[string]string{{"id": "m0"}, {"id": "m1"}, {"id": "m2"}}}
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"no route"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func newTestGmail(t *testing.T) (*GmailSource, *fakeGmail) {
	t.Helper()
	fake := &fakeGmail{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	g := NewGmailSource(nil)
	g.newService = func(ctx context.Context, _ model.Credentials) (*gmail.Service, error) {
		return gmail.NewService(ctx, option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	}
	return g, fake
}

var gmailAccount = model.Account{ID: "jane@example.com", Source: model.SourceSettings{Kind: model.SourceGmail}}

func TestGmailListSince(t *testing.T) {
	g, fake := newTestGmail(t)
	since := model.Checkpoint{Timestamp: time.Unix(1772400000, 0)}

	msgs, err := g.ListSince(context.Background(), gmailAccount, model.Credentials{}, since)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "messages deleted after listing are skipped")

	m := msgs[0]
	assert.Equal(t, "jane@example.com", m.AccountID)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "t1", m.ThreadID)
	assert.Equal(t, "Boss <boss@example.com>", m.From)
	assert.Equal(t, []string{"jane@example.com", "team@example.com"}, m.To)
	assert.Equal(t, "Quarterly plan", m.Subject)
	assert.Equal(t, "Please review the plan", m.Excerpt)
	assert.Equal(t, 3, m.ThreadDepth)
	assert.True(t, m.Timestamp.Equal(time.UnixMilli(1772438400000)))

	assert.Equal(t, []string{"after:1772399999"}, fake.queries)
}

func TestGmailSendReplyInThread(t *testing.T) {
	g, fake := newTestGmail(t)
	draft := model.Draft{Recipient: "Boss <boss@example.com>", Subject: "Re: Quarterly plan", Text: "Looks good."}
	original := model.Message{ID: "m1", ThreadID: "t1"}

	res, err := g.Send(context.Background(), gmailAccount, model.Credentials{}, draft, original)
	require.NoError(t, err)
	assert.Equal(t, "sent-1", res.ProviderID)

	require.Len(t, fake.sent, 1)
	assert.Equal(t, "t1", fake.sent[0].ThreadId)
	raw, err := base64.URLEncoding.DecodeString(fake.sent[0].Raw)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "In-Reply-To: <abc@mail.example.com>")
	assert.Contains(t, text, "Subject: Re: Quarterly plan")
	assert.Contains(t, text, "boss@example.com")
	assert.Contains(t, text, "Looks good.")
}

func TestGmailErrorClassification(t *testing.T) {
	cases := []struct {
		code         int
		kind         error
		unauthorized bool
	}{
		{http.StatusServiceUnavailable, apperr.ErrTransient, false},
		{http.StatusTooManyRequests, apperr.ErrTransient, false},
		{http.StatusUnauthorized, apperr.ErrPermanent, true},
		{http.StatusBadRequest, apperr.ErrPermanent, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			g, fake := newTestGmail(t)
			fake.failCode = tc.code

			_, err := g.ListSince(context.Background(), gmailAccount, model.Credentials{}, model.Checkpoint{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, tc.unauthorized, errors.Is(err, apperr.ErrUnauthorized))
		})
	}
}

func TestGmailMissingCredentials(t *testing.T) {
	g := NewGmailSource(nil)
	_, err := g.ListSince(context.Background(), gmailAccount, model.Credentials{Values: map[string]string{"client_id": "x"}}, model.Checkpoint{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPermanent)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestComposeReplyRejectsBadRecipient(t *testing.T) {
	_, err := composeReply("jane@example.com", model.Draft{Recipient: "not an address"}, "", time.Now())
	assert.Error(t, err)
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "plain wins", excerpt("  plain\n\twins ", "<p>html</p>"))
	assert.Equal(t, "Hello world", excerpt("", "<div>Hello <b>world</b><script>x()</script></div>"))
	assert.Len(t, []rune(excerpt(strings.Repeat("é", maxExcerpt+50), "")), maxExcerpt)
}

type stubSource struct{ name string }

func (s stubSource) ListSince(context.Context, model.Account, model.Credentials, model.Checkpoint) ([]model.Message, error) {
	return []model.Message{{ID: s.name}}, nil
}

func (s stubSource) Send(context.Context, model.Account, model.Credentials, model.Draft, model.Message) (model.SendResult, error) {
	return model.SendResult{ProviderID: s.name}, nil
}

func TestRouterDispatchesByKind(t *testing.T) {
	r := NewRouter(map[string]MessageSource{
		model.SourceGmail: stubSource{"gmail"},
		model.SourceIMAP:  stubSource{"imap"},
	})
	ctx := context.Background()

	msgs, err := r.ListSince(ctx, model.Account{}, model.Credentials{}, model.Checkpoint{})
	require.NoError(t, err)
	assert.Equal(t, "gmail", msgs[0].ID, "gmail is the default kind")

	res, err := r.Send(ctx, model.Account{Source: model.SourceSettings{Kind: model.SourceIMAP}}, model.Credentials{}, model.Draft{}, model.Message{})
	require.NoError(t, err)
	assert.Equal(t, "imap", res.ProviderID)

	_, err = r.ListSince(ctx, model.Account{Source: model.SourceSettings{Kind: "pop3"}}, model.Credentials{}, model.Checkpoint{})
	assert.ErrorIs(t, err, apperr.ErrPermanent)
}

func startIMAPServer(t *testing.T) (host string, port int) {
	t.Helper()
	return serveIMAP(t, memory.New())
}

func serveIMAP(t *testing.T, be backend.Backend) (host string, port int) {
	t.Helper()
	s := server.New(be)
	s.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestIMAPListSince(t *testing.T) {
	host, port := startIMAPServer(t)
	src := NewIMAPSource(nil)
	src.dial = func(addr string) (*client.Client, error) { return client.Dial(addr) }

	account := model.Account{
		ID:     "username@example.com",
		Source: model.SourceSettings{Kind: model.SourceIMAP, Host: host, Port: port, Mailbox: "INBOX", Username: "username"},
	}
	creds := model.Credentials{Values: map[string]string{"password": "password"}}

	msgs, err := src.ListSince(context.Background(), account, creds, model.Checkpoint{Timestamp: time.Now().Add(-48 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "A little message, just for you", msgs[0].Subject)
	assert.Equal(t, "contact@example.org", msgs[0].From)
	assert.Equal(t, "Hi there :)", msgs[0].Excerpt)
	assert.Regexp(t, `^\d+-6$`, msgs[0].ID)

	creds.Values["password"] = "wrong"
	_, err = src.ListSince(context.Background(), account, creds, model.Checkpoint{})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestIMAPListsMessagesWithUnreadableBody(t *testing.T) {
	be := memory.New()
	user, err := be.Login(nil, "username", "password")
	require.NoError(t, err)
	inbox, err := user.GetMailbox("INBOX")
	require.NoError(t, err)

	// multipart body that never closes its boundary
	raw := "From: Ops <ops@example.org>\r\n" +
		"To: username@example.org\r\n" +
		"Subject: Truncated report\r\n" +
		"Date: Wed, 01 Apr 2026 09:00:00 +0000\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"the report was cut o"
	require.NoError(t, inbox.CreateMessage(nil, time.Now(), bytes.NewBufferString(raw)))

	host, port := serveIMAP(t, be)
	src := NewIMAPSource(nil)
	src.dial = func(addr string) (*client.Client, error) { return client.Dial(addr) }
	account := model.Account{
		ID:     "username@example.com",
		Source: model.SourceSettings{Kind: model.SourceIMAP, Host: host, Port: port, Username: "username"},
	}
	creds := model.Credentials{Values: map[string]string{"password": "password"}}

	msgs, err := src.ListSince(context.Background(), account, creds, model.Checkpoint{Timestamp: time.Now().Add(-48 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var truncated *model.Message
	for i := range msgs {
		if msgs[i].Subject == "Truncated report" {
			truncated = &msgs[i]
		}
	}
	require.NotNil(t, truncated, "a message with an unreadable body must still be listed")
	assert.Equal(t, "ops@example.org", truncated.From)
	assert.Empty(t, truncated.Excerpt)
	assert.Regexp(t, `^\d+-\d+$`, truncated.ID)
}

func TestIMAPCannotSend(t *testing.T) {
	_, err := NewIMAPSource(nil).Send(context.Background(), model.Account{}, model.Credentials{}, model.Draft{}, model.Message{})
	assert.ErrorIs(t, err, ErrSendUnsupported)
	assert.ErrorIs(t, err, apperr.ErrPermanent)
}

func TestRouterCanSend(t *testing.T) {
	r := NewRouter(map[string]MessageSource{
		model.SourceGmail: NewGmailSource(nil),
		model.SourceIMAP:  NewIMAPSource(nil),
	})
	assert.True(t, r.CanSend(model.Account{}))
	assert.False(t, r.CanSend(model.Account{Source: model.SourceSettings{Kind: model.SourceIMAP}}))
	assert.False(t, r.CanSend(model.Account{Source: model.SourceSettings{Kind: "pop3"}}))
}
