// Package source lists incoming messages and sends approved replies for
// the mail providers an account can be backed by.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/model"
	"inbox-triage/internal/resilience"
)

// ErrSendUnsupported is returned by sources that can only read.
var ErrSendUnsupported = errors.New("source cannot send mail")

// maxExcerpt bounds the body text kept per message, in runes.
const maxExcerpt = 2000

// MessageSource is a mail provider.
type MessageSource interface {
	ListSince(ctx context.Context, account model.Account, creds model.Credentials, since model.Checkpoint) ([]model.Message, error)
	Send(ctx context.Context, account model.Account, creds model.Credentials, draft model.Draft, original model.Message) (model.SendResult, error)
}

// Router dispatches to a MessageSource by the account's source kind.
type Router struct {
	byKind map[string]MessageSource
}

// NewRouter creates a router over the given sources, keyed by kind.
func NewRouter(sources map[string]MessageSource) *Router {
	return &Router{byKind: sources}
}

func (r *Router) source(account model.Account) (MessageSource, error) {
	kind := account.Source.Kind
	if kind == "" {
		kind = model.SourceGmail
	}
	src, ok := r.byKind[kind]
	if !ok {
		return nil, apperr.Permanent(resilience.UpstreamMail, fmt.Errorf("no source for kind %q", kind))
	}
	return src, nil
}

// ListSince lists the account's messages newer than since.
func (r *Router) ListSince(ctx context.Context, account model.Account, creds model.Credentials, since model.Checkpoint) ([]model.Message, error) {
	src, err := r.source(account)
	if err != nil {
		return nil, err
	}
	return src.ListSince(ctx, account, creds, since)
}

// Send delivers draft as a reply to original.
func (r *Router) Send(ctx context.Context, account model.Account, creds model.Credentials, draft model.Draft, original model.Message) (model.SendResult, error) {
	src, err := r.source(account)
	if err != nil {
		return model.SendResult{}, err
	}
	return src.Send(ctx, account, creds, draft, original)
}

// CanSend reports whether the account's source can deliver replies.
func (r *Router) CanSend(account model.Account) bool {
	src, err := r.source(account)
	if err != nil {
		return false
	}
	if ro, ok := src.(interface{ ReadOnly() bool }); ok {
		return !ro.ReadOnly()
	}
	return true
}

// htmlToText extracts the visible text of an HTML body.
func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br, p, div, li, tr, h1, h2, h3, h4, h5, h6").AfterHtml("\n")
	return doc.Text()
}

// excerpt normalizes whitespace and truncates body text.
func excerpt(plain, html string) string {
	text := plain
	if strings.TrimSpace(text) == "" && html != "" {
		text = htmlToText(html)
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxExcerpt {
		text = string(r[:maxExcerpt])
	}
	return text
}

func splitAddresses(v string) []string {
	var out []string
	for _, a := range strings.Split(v, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
