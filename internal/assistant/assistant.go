// Package assistant answers portal chat messages from a static keyword table.
// It keeps no conversation state; every reply depends only on the message.
package assistant

import (
	"context"
	"strings"
	"time"

	"github.com/wolfman30/patient-portal/pkg/logging"
)

// Topic names a canned reply.
type Topic string

const (
	TopicGreeting     Topic = "greeting"
	TopicAppointment  Topic = "appointment"
	TopicPrescription Topic = "prescription"
	TopicResults      Topic = "results"
	TopicBilling      Topic = "billing"
	TopicHours        Topic = "hours"
	TopicEmergency    Topic = "emergency"
	TopicFallback     Topic = "fallback"
)

// Rule maps keywords to a reply. A rule matches when any keyword occurs in
// the lower-cased message.
type Rule struct {
	Topic    Topic
	Keywords []string
	Reply    string
}

// DefaultRules is checked in order; emergencies come first so a message
// mentioning both an emergency and an appointment gets the emergency reply.
var DefaultRules = []Rule{
	{
		Topic:    TopicEmergency,
		Keywords: []string{"emergency", "chest pain", "can't breathe", "cannot breathe", "bleeding"},
		Reply:    "If this is a medical emergency, call 911 or go to the nearest emergency room right away.",
	},
	{
		Topic:    TopicAppointment,
		Keywords: []string{"appointment", "book", "schedule", "reschedule", "cancel"},
		Reply:    "You can book, reschedule or cancel visits from the Appointments page. Changes show up right away and sync with the clinic.",
	},
	{
		Topic:    TopicPrescription,
		Keywords: []string{"prescription", "refill", "medication", "pharmacy"},
		Reply:    "For refills, upload your current prescription under Files and your care team will follow up within two business days.",
	},
	{
		Topic:    TopicResults,
		Keywords: []string{"result", "lab", "report", "test"},
		Reply:    "Lab reports uploaded by you or the clinic are listed under Files. Filter by the lab-report category to find them quickly.",
	},
	{
		Topic:    TopicBilling,
		Keywords: []string{"bill", "invoice", "insurance", "payment", "cost"},
		Reply:    "Billing questions are handled by the front desk. You can upload insurance cards under Files in the insurance category.",
	},
	{
		Topic:    TopicHours,
		Keywords: []string{"hours", "open", "closed", "location", "address"},
		Reply:    "The clinic is open Monday to Friday, 8am to 6pm.",
	},
	{
		Topic:    TopicGreeting,
		Keywords: []string{"hello", "hi", "hey", "good morning", "good afternoon"},
		Reply:    "Hello! I can help with appointments, prescriptions, lab results, billing and clinic hours.",
	},
}

const DefaultFallback = "Thanks for your message. A member of your care team will get back to you soon."

// DefaultDelay is the pause before a reply is posted.
const DefaultDelay = time.Second

// Assistant picks replies from its rule table.
type Assistant struct {
	rules    []Rule
	fallback string
	delay    time.Duration
	logger   *logging.Logger
}

func New(logger *logging.Logger) *Assistant {
	if logger == nil {
		logger = logging.Default()
	}
	return &Assistant{
		rules:    DefaultRules,
		fallback: DefaultFallback,
		delay:    DefaultDelay,
		logger:   logger,
	}
}

func (a *Assistant) WithRules(rules []Rule, fallback string) *Assistant {
	if len(rules) > 0 {
		a.rules = rules
	}
	if strings.TrimSpace(fallback) != "" {
		a.fallback = fallback
	}
	return a
}

// WithDelay sets the reply delay. Zero replies immediately.
func (a *Assistant) WithDelay(d time.Duration) *Assistant {
	if d >= 0 {
		a.delay = d
	}
	return a
}

// Match returns the topic and reply for message.
func (a *Assistant) Match(message string) (Topic, string) {
	text := strings.ToLower(strings.TrimSpace(message))
	if text == "" {
		return TopicFallback, a.fallback
	}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
	for _, rule := range a.rules {
		for _, kw := range rule.Keywords {
			if matchesKeyword(text, words, kw) {
				return rule.Topic, rule.Reply
			}
		}
	}
	return TopicFallback, a.fallback
}

// matchesKeyword matches single words exactly ("hi" must not hit "this") and
// phrases as substrings. Single words also match as a prefix so "results"
// hits "result".
func matchesKeyword(text string, words []string, kw string) bool {
	kw = strings.ToLower(kw)
	if strings.Contains(kw, " ") {
		return strings.Contains(text, kw)
	}
	for _, w := range words {
		if w == kw || (len(kw) > 3 && strings.HasPrefix(w, kw)) {
			return true
		}
	}
	return false
}

// Reply waits out the reply delay, then returns the matching reply. It
// returns ctx.Err() when cancelled during the wait.
func (a *Assistant) Reply(ctx context.Context, message string) (string, error) {
	topic, reply := a.Match(message)
	if a.delay > 0 {
		timer := time.NewTimer(a.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	a.logger.Debug("assistant reply selected", "topic", string(topic))
	return reply, nil
}
