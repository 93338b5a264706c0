// Package security gates every inbound message before the reasoning
// backend is invoked: whitelist, sliding-window rate limits, blocked
// content patterns, and a two-step confirmation gate for sensitive
// actions. State is per conversation and serialized, so concurrent
// messages from the same chat can't race counters or gate transitions.
package security

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Verdict is the outcome of validating one inbound message.
type Verdict int

const (
	// Admitted — proceed to the backend.
	Admitted Verdict = iota
	// Rejected — sender not on the whitelist. Terminal, no reply.
	Rejected
	// RateLimited — a window ceiling would be exceeded. No side effects.
	RateLimited
	// Blocked — message matched a dangerous pattern.
	Blocked
	// NeedsConfirmation — action stored, awaiting an affirmative reply.
	NeedsConfirmation
	// ConfirmResumed — affirmative reply arrived in time; Decision.Resumed
	// holds the original gated message text, admitted for processing.
	ConfirmResumed
	// ConfirmDeclined — non-affirmative reply; gated action discarded.
	ConfirmDeclined
	// ConfirmExpired — reply arrived after the gate expired.
	ConfirmExpired
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case Rejected:
		return "rejected"
	case RateLimited:
		return "rate_limited"
	case Blocked:
		return "blocked"
	case NeedsConfirmation:
		return "needs_confirmation"
	case ConfirmResumed:
		return "confirm_resumed"
	case ConfirmDeclined:
		return "confirm_declined"
	case ConfirmExpired:
		return "confirm_expired"
	}
	return "unknown"
}

// Decision carries the verdict plus the canned user-facing notice, if any.
type Decision struct {
	Verdict Verdict
	Notice  string // sent to the user verbatim; empty for Rejected/Admitted
	Pattern string // matched blocked pattern or gated action keyword
	Resumed string // original message text, set for ConfirmResumed
}

// Config holds the validator's policy surface.
type Config struct {
	AllowedUserIDs   []int64
	AllowedUsernames []string
	MaxPerMinute     int
	MaxPerHour       int
	BlockedPatterns  []string
	ConfirmPatterns  []string // sensitive-but-not-blocked action keywords
	ConfirmTTL       time.Duration
}

// pendingAction is a confirmation-gated message waiting for a reply.
type pendingAction struct {
	text    string // the original message to resume
	keyword string
	expires time.Time
}

// conversation owns all mutable per-chat validator state.
type conversation struct {
	mu       sync.Mutex
	admitted []time.Time // admission timestamps inside the trailing hour
	pending  *pendingAction
}

// Validator applies the security policy. Safe for concurrent use;
// same-conversation checks are serialized through the conversation lock.
type Validator struct {
	cfg Config

	mu    sync.Mutex
	convs map[string]*conversation
}

// New creates a validator. Defaults match the original deployment:
// 30 messages/minute, 200/hour, 5 minute confirmation window.
func New(cfg Config) *Validator {
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 30
	}
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = 200
	}
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = 5 * time.Minute
	}
	return &Validator{
		cfg:   cfg,
		convs: make(map[string]*conversation),
	}
}

func (v *Validator) conversation(chatKey string) *conversation {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.convs[chatKey]
	if !ok {
		c = &conversation{}
		v.convs[chatKey] = c
	}
	return c
}

// Serialize takes the per-conversation lock for the duration of a
// pipeline run. Messages from different conversations proceed in
// parallel; messages from the same conversation run one at a time, in
// arrival order.
func (v *Validator) Serialize(chatKey string) (unlock func()) {
	c := v.conversation(chatKey)
	c.mu.Lock()
	return c.mu.Unlock
}

// Check validates one inbound message. The caller must already hold the
// conversation's Serialize lock (Check itself takes no conversation
// lock so it composes with the pipeline's serialization).
func (v *Validator) Check(userID int64, username, chatKey, text string, now time.Time) Decision {
	if !v.allowed(userID, username) {
		return Decision{Verdict: Rejected}
	}

	c := v.conversation(chatKey)

	// Resolve a pending confirmation gate before anything else: the
	// reply itself is not a new action.
	if c.pending != nil {
		p := c.pending
		c.pending = nil
		if now.After(p.expires) {
			return Decision{
				Verdict: ConfirmExpired,
				Pattern: p.keyword,
				Notice:  "Confirmation window expired. The action was discarded — send it again if you still want it.",
			}
		}
		if isAffirmative(text) {
			if lim := v.admit(c, now); lim != "" {
				return Decision{Verdict: RateLimited, Notice: lim}
			}
			return Decision{Verdict: ConfirmResumed, Pattern: p.keyword, Resumed: p.text}
		}
		return Decision{
			Verdict: ConfirmDeclined,
			Pattern: p.keyword,
			Notice:  "Okay, cancelled.",
		}
	}

	if lim := v.limited(c, now); lim != "" {
		return Decision{Verdict: RateLimited, Notice: lim}
	}

	if pat := v.blockedPattern(text); pat != "" {
		return Decision{
			Verdict: Blocked,
			Pattern: pat,
			Notice:  fmt.Sprintf("Message blocked: contains prohibited pattern %q.", pat),
		}
	}

	if kw := v.confirmKeyword(text); kw != "" {
		c.pending = &pendingAction{
			text:    text,
			keyword: kw,
			expires: now.Add(v.cfg.ConfirmTTL),
		}
		return Decision{
			Verdict: NeedsConfirmation,
			Pattern: kw,
			Notice: fmt.Sprintf("This action (%s) requires confirmation. Reply 'yes' within %s to proceed.",
				kw, v.cfg.ConfirmTTL),
		}
	}

	if lim := v.admit(c, now); lim != "" {
		return Decision{Verdict: RateLimited, Notice: lim}
	}
	return Decision{Verdict: Admitted}
}

// allowed is secure by default: an empty whitelist admits no one.
func (v *Validator) allowed(userID int64, username string) bool {
	if len(v.cfg.AllowedUserIDs) == 0 && len(v.cfg.AllowedUsernames) == 0 {
		return false
	}
	for _, id := range v.cfg.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	username = strings.ToLower(username)
	if username == "" {
		return false
	}
	for _, u := range v.cfg.AllowedUsernames {
		if strings.ToLower(u) == username {
			return true
		}
	}
	return false
}

// limited checks the windows without incrementing, pruning stale
// entries in passing. Returns a notice when a ceiling is hit.
func (v *Validator) limited(c *conversation, now time.Time) string {
	hourAgo := now.Add(-time.Hour)
	minuteAgo := now.Add(-time.Minute)

	kept := c.admitted[:0]
	for _, ts := range c.admitted {
		if ts.After(hourAgo) {
			kept = append(kept, ts)
		}
	}
	c.admitted = kept

	if len(c.admitted) >= v.cfg.MaxPerHour {
		return "Rate limit exceeded (hourly). Please wait before sending more messages."
	}
	recentMinute := 0
	for _, ts := range c.admitted {
		if ts.After(minuteAgo) {
			recentMinute++
		}
	}
	if recentMinute >= v.cfg.MaxPerMinute {
		return "Rate limit exceeded. Please wait before sending more messages."
	}
	return ""
}

// admit re-checks the windows and records the admission. Counters move
// only here, so rejected messages leave no trace.
func (v *Validator) admit(c *conversation, now time.Time) string {
	if lim := v.limited(c, now); lim != "" {
		return lim
	}
	c.admitted = append(c.admitted, now)
	return ""
}

func (v *Validator) blockedPattern(text string) string {
	lower := strings.ToLower(text)
	for _, pat := range v.cfg.BlockedPatterns {
		if pat != "" && strings.Contains(lower, strings.ToLower(pat)) {
			return pat
		}
	}
	return ""
}

func (v *Validator) confirmKeyword(text string) string {
	lower := strings.ToLower(text)
	for _, op := range v.cfg.ConfirmPatterns {
		if op == "" {
			continue
		}
		opLower := strings.ToLower(op)
		if strings.Contains(lower, opLower) ||
			strings.Contains(lower, strings.ReplaceAll(opLower, "_", " ")) {
			return op
		}
	}
	return ""
}

func isAffirmative(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "confirm", "ok", "okay", "proceed", "do it":
		return true
	}
	return false
}
