// Package triage decides whether a message should be ignored, surfaced to
// a human or answered.
package triage

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/cache"
	"inbox-triage/internal/metrics"
	"inbox-triage/internal/model"
	"inbox-triage/internal/resilience"
)

// Classifier is the external classification capability consulted when no
// rule group matches.
type Classifier interface {
	Classify(ctx context.Context, msg model.Message, rules model.RuleSet, priority model.Priority) (model.Category, error)
}

// Criterion weights. A matched sender address is the strongest signal.
const (
	weightSender  = 4
	weightDomain  = 3
	weightSubject = 2
	weightBody    = 1
)

// Engine classifies messages against an account's rule set.
type Engine struct {
	classifier Classifier
	stack      *resilience.Stack
	cache      *cache.Cache
	ttl        time.Duration
	metrics    *metrics.Metrics
	log        *logrus.Entry
	now        func() time.Time
}

// NewEngine creates a triage engine. classifier may be nil, in which case
// unmatched messages fall back to Notify.
func NewEngine(classifier Classifier, stack *resilience.Stack, c *cache.Cache, ttl time.Duration, m *metrics.Metrics, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		classifier: classifier,
		stack:      stack,
		cache:      c,
		ttl:        ttl,
		metrics:    m,
		log:        log.WithField("component", "triage"),
		now:        time.Now,
	}
}

func classifyKey(msg model.Message, fingerprint string) string {
	return cache.Key(resilience.UpstreamClassify, msg.AccountID, msg.ID, fingerprint)
}

// Classify decides the category of msg. The result depends only on the
// message and the rule set; capability answers are cached per message and
// rule set fingerprint. A context error is returned as is; every other
// failure yields a Notify decision.
func (e *Engine) Classify(ctx context.Context, msg model.Message, rules model.RuleSet) (model.Decision, error) {
	fp := rules.Fingerprint()
	d := model.Decision{
		MessageID:       msg.ID,
		RuleFingerprint: fp,
		Priority:        Score(msg, rules.VIPContacts),
		DecidedAt:       e.now(),
	}

	if group, score := Match(msg, rules); group != nil {
		d.Category = group.Category
		d.Origin = model.OriginRule
		d.RuleGroup = group.Name
		d.Reason = fmt.Sprintf("matched rule group %q (specificity %d)", group.Name, score)
		e.observe(d)
		return d, nil
	}

	if e.classifier == nil {
		d.Category = model.CategoryNotify
		d.Origin = model.OriginFallback
		d.Reason = "no rule matched and no classifier configured"
		e.observe(d)
		return d, nil
	}

	cat, err := resilience.Fetch(ctx, e.stack, e.cache, resilience.UpstreamClassify, classifyKey(msg, fp), e.ttl,
		func(ctx context.Context) (model.Category, error) {
			c, err := e.classifier.Classify(ctx, msg, rules, d.Priority)
			if err != nil {
				return "", apperr.Capability("classify", err)
			}
			parsed, ok := model.ParseCategory(string(c))
			if !ok {
				return "", apperr.Capability("classify", apperr.Permanent(resilience.UpstreamClassify, fmt.Errorf("unknown category %q", c)))
			}
			return parsed, nil
		})
	if err != nil {
		if apperr.IsContext(err) {
			return model.Decision{}, err
		}
		e.log.WithFields(logrus.Fields{
			"account":    msg.AccountID,
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Warn("Classification failed, defaulting to notify")
		d.Category = model.CategoryNotify
		d.Origin = model.OriginFallback
		d.Reason = "classification failed: " + apperr.KindOf(err)
		e.observe(d)
		return d, nil
	}

	d.Category = cat
	d.Origin = model.OriginCapability
	d.Reason = "classified by capability"
	e.observe(d)
	return d, nil
}

// Invalidate drops the cached classification so the next Classify asks
// the capability again.
func (e *Engine) Invalidate(msg model.Message, rules model.RuleSet) {
	e.cache.Delete(classifyKey(msg, rules.Fingerprint()))
}

func (e *Engine) observe(d model.Decision) {
	if e.metrics != nil {
		e.metrics.TriageDecisions.WithLabelValues(string(d.Category), d.Origin).Inc()
	}
}

// Match returns the most specific rule group matching msg and its
// specificity, or nil. Every criterion kind a group sets must match;
// within a kind one entry is enough. Equal specificity resolves toward the
// category demanding more attention, then toward the earlier group.
func Match(msg model.Message, rules model.RuleSet) (*model.RuleGroup, int) {
	addr := senderAddress(msg.From)
	domain := ""
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		domain = addr[i+1:]
	}
	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(msg.Excerpt)

	var best *model.RuleGroup
	bestScore := 0
	for i := range rules.Groups {
		g := &rules.Groups[i]
		if !g.HasCriteria() {
			continue
		}
		score, ok := specificity(g, addr, domain, subject, body)
		if !ok {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && g.Category.Rank() > best.Category.Rank()) {
			best, bestScore = g, score
		}
	}
	return best, bestScore
}

func specificity(g *model.RuleGroup, addr, domain, subject, body string) (int, bool) {
	score := 0
	kind := func(entries []string, weight int, match func(string) bool) bool {
		if len(entries) == 0 {
			return true
		}
		hits := 0
		for _, e := range entries {
			e = strings.ToLower(strings.TrimSpace(e))
			if e != "" && match(e) {
				hits++
			}
		}
		score += hits * weight
		return hits > 0
	}

	ok := kind(g.Senders, weightSender, func(e string) bool { return senderAddress(e) == addr }) &&
		kind(g.Domains, weightDomain, func(e string) bool {
			e = strings.TrimPrefix(e, "@")
			return domain == e || strings.HasSuffix(domain, "."+e)
		}) &&
		kind(g.SubjectKeywords, weightSubject, func(e string) bool { return strings.Contains(subject, e) }) &&
		kind(g.BodyKeywords, weightBody, func(e string) bool { return strings.Contains(body, e) })
	return score, ok
}

// senderAddress extracts the lower-cased address from a From header value.
func senderAddress(from string) string {
	from = strings.TrimSpace(from)
	if a, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(a.Address)
	}
	if i, j := strings.LastIndex(from, "<"), strings.LastIndex(from, ">"); i >= 0 && j > i {
		return strings.ToLower(strings.TrimSpace(from[i+1 : j]))
	}
	return strings.ToLower(from)
}
