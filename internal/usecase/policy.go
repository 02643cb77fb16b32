package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"household-agent/internal/domain"
)

const (
	// Below this confidence the agent prefers silence over a guess.
	confidenceThreshold = 0.85
	// Hard cap on acknowledgement replies per conversation per local day.
	dailyReplyCap = 3

	// toneFallbackReply replaces any candidate the tone validator rejects.
	toneFallbackReply = "Noted 👍"
)

// CounterReader is the policy engine's read access to the daily reply counter.
type CounterReader interface {
	GetReplyCount(ctx context.Context, conversationID, day string) (int, error)
}

// PolicyEngine decides whether and how to reply to a classified message.
// Silence is the default: every condition must pass before a reply is
// produced, and any state the engine cannot verify forces silence.
type PolicyEngine struct {
	counter CounterReader
	selfID  string
	loc     *time.Location
}

// NewPolicyEngine creates a PolicyEngine. selfID is the agent's own sender
// identity; messages from it are never answered.
func NewPolicyEngine(counter CounterReader, selfID string, loc *time.Location) (*PolicyEngine, error) {
	if counter == nil {
		return nil, errors.New("usecase: counter reader must not be nil")
	}
	if loc == nil {
		return nil, errors.New("usecase: location must not be nil")
	}
	return &PolicyEngine{counter: counter, selfID: selfID, loc: loc}, nil
}

// Evaluate applies the response policy to one classified message. A non-nil
// error means the decision was forced to silence because required state could
// not be read; the message itself is still considered processed.
func (p *PolicyEngine) Evaluate(ctx context.Context, msg domain.InboundMessage, res domain.ClassificationResult) (domain.PolicyDecision, error) {
	silent := domain.PolicyDecision{}

	if res.Kind == domain.KindNone {
		return silent, nil
	}
	if p.selfID != "" && msg.SenderID == p.selfID {
		return silent, nil
	}
	if res.Confidence < confidenceThreshold {
		return silent, nil
	}

	// Both the quiet-hours check and the counter day are evaluated against
	// the message's own timestamp, so a delayed worker cannot shift either.
	sent := msg.SentTime()
	if InQuietHours(sent, p.loc) {
		return silent, nil
	}

	day := CalendarDay(sent, p.loc)
	count, err := p.counter.GetReplyCount(ctx, msg.ConversationID, day)
	if err != nil {
		return silent, newError(ErrorPolicyReadFailure, "reply_count_read_error", err)
	}
	if count >= dailyReplyCap {
		return silent, nil
	}

	return domain.PolicyDecision{Respond: true, Text: replyText(res)}, nil
}

// replyText builds the acknowledgement line and gates it through the tone
// validator. A rejected candidate is replaced by the fixed neutral fallback,
// never emitted and never an error.
func replyText(res domain.ClassificationResult) string {
	candidate := buildReplyCandidate(res)
	if ok, _ := ValidateTone(candidate); !ok {
		return toneFallbackReply
	}
	return candidate
}

// buildReplyCandidate produces one short neutral line naming the activity,
// with at most one emoji. It never compares, blames, commands or judges.
func buildReplyCandidate(res domain.ClassificationResult) string {
	switch res.Kind {
	case domain.KindRecovery:
		return fmt.Sprintf("Rest logged: %s 🌿", res.ActivityLabel)
	default:
		return fmt.Sprintf("Noted: %s ✅", res.ActivityLabel)
	}
}
