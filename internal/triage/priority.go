package triage

import (
	"fmt"
	"regexp"
	"strings"

	"inbox-triage/internal/model"
)

var (
	urgentKeywords = []string{
		"urgent", "asap", "emergency", "critical", "immediate",
		"deadline", "time-sensitive", "priority", "rush",
	}
	meetingKeywords = []string{
		"meeting", "call", "schedule", "calendar", "appointment",
		"zoom", "teams", "conference", "discussion",
	}

	timePatterns = compileAll(
		`by (?:today|tomorrow|end of (?:day|week))`,
		`within \d+ (?:hours?|days?)`,
		`deadline.*(?:today|tomorrow|this week)`,
		`need.*(?:today|tomorrow|asap|immediately)`,
	)
	timePhrases = []string{"time sensitive", "deadline", "due date"}

	schedulingPatterns = compileAll(
		`when (?:are you|would you be) (?:available|free)`,
		`schedule.*(?:meeting|call|time)`,
		`let's (?:meet|schedule|set up)`,
		`available for.*(?:call|meeting|discussion)`,
	)

	actionPatterns = compileAll(
		`can you (?:please )?(?:help|assist|provide|send|review)`,
		`could you (?:please )?(?:help|assist|provide|send|review)`,
		`would you (?:please )?(?:help|assist|provide|send|review)`,
		`please (?:help|assist|provide|send|review|confirm|let me know)`,
		`need you to`,
		`requesting.*(?:help|assistance|information)`,
	)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Score computes the 0-100 priority of msg. It is a pure function of the
// message and the VIP list.
func Score(msg model.Message, vips []string) model.Priority {
	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(msg.Excerpt)

	var factors []string
	total := 0
	add := func(name string, points int) {
		if points > 0 {
			total += points
			factors = append(factors, fmt.Sprintf("%s:%d", name, points))
		}
	}

	add("vip_sender", scoreVIP(msg.From, vips))
	add("subject_urgency", scoreSubject(subject))
	add("content_urgency", scoreContent(body))
	add("time_sensitivity", scoreTime(body))
	add("meeting_request", scoreMeeting(body))
	add("action_required", scoreAction(msg.Excerpt, body))
	add("thread_importance", scoreThread(msg, body))

	if total > 100 {
		total = 100
	}
	return model.Priority{Score: total, Category: PriorityCategory(total), Factors: factors}
}

// PriorityCategory buckets a score.
func PriorityCategory(score int) string {
	switch {
	case score >= 70:
		return "critical"
	case score >= 50:
		return "high"
	case score >= 30:
		return "medium"
	case score >= 10:
		return "low"
	default:
		return "minimal"
	}
}

func scoreVIP(from string, vips []string) int {
	addr := senderAddress(from)
	for _, v := range vips {
		if strings.EqualFold(strings.TrimSpace(v), addr) {
			return 30
		}
	}
	return 0
}

func countKeywords(text string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			n++
		}
	}
	return n
}

func scoreSubject(subject string) int {
	switch n := countKeywords(subject, urgentKeywords); {
	case strings.Contains(subject, "urgent") || strings.Contains(subject, "asap"):
		return 25
	case n >= 2:
		return 20
	case n == 1:
		return 10
	}
	return 0
}

func scoreContent(body string) int {
	switch n := countKeywords(body, urgentKeywords); {
	case n >= 3:
		return 15
	case n == 2:
		return 10
	case n == 1:
		return 5
	}
	return 0
}

func scoreTime(body string) int {
	for _, re := range timePatterns {
		if re.MatchString(body) {
			return 15
		}
	}
	if countKeywords(body, timePhrases) > 0 {
		return 10
	}
	return 0
}

func scoreMeeting(body string) int {
	n := countKeywords(body, meetingKeywords)
	scheduling := false
	for _, re := range schedulingPatterns {
		if re.MatchString(body) {
			scheduling = true
			break
		}
	}
	switch {
	case scheduling && n >= 2:
		return 15
	case scheduling || n >= 3:
		return 10
	case n >= 1:
		return 5
	}
	return 0
}

func scoreAction(raw, body string) int {
	score := 0
	switch q := strings.Count(raw, "?"); {
	case q >= 3:
		score += 10
	case q >= 1:
		score += 5
	}

	requests := 0
	for _, re := range actionPatterns {
		if re.MatchString(body) {
			requests++
		}
	}
	switch {
	case requests >= 2:
		score += 10
	case requests == 1:
		score += 5
	}
	return score
}

func scoreThread(msg model.Message, body string) int {
	n := strings.Count(body, "from:")
	if msg.ThreadDepth > n {
		n = msg.ThreadDepth
	}
	switch {
	case n >= 5:
		return 10
	case n >= 3:
		return 5
	case n >= 2:
		return 2
	}
	return 0
}
