package domain

// ActivityKind is the closed set of activity categories the classifier may
// produce. KindNone means the message describes no household activity and is
// never persisted.
type ActivityKind string

const (
	KindChore    ActivityKind = "chore"
	KindRecovery ActivityKind = "recovery"
	KindNone     ActivityKind = "none"
)

// ValidActivityKind reports whether k is a member of the closed enumeration.
func ValidActivityKind(k ActivityKind) bool {
	switch k {
	case KindChore, KindRecovery, KindNone:
		return true
	}
	return false
}

// EffortLevel is the closed set of effort gradings for an activity.
type EffortLevel string

const (
	EffortLow    EffortLevel = "low"
	EffortMedium EffortLevel = "medium"
	EffortHigh   EffortLevel = "high"
)

// ValidEffortLevel reports whether e is a member of the closed enumeration.
func ValidEffortLevel(e EffortLevel) bool {
	switch e {
	case EffortLow, EffortMedium, EffortHigh:
		return true
	}
	return false
}

// ClassificationResult is the validated outcome of one classification call.
// Confidence is always within [0,1] once validated.
type ClassificationResult struct {
	Kind          ActivityKind
	ActivityLabel string
	EffortLevel   EffortLevel
	Confidence    float64
}

// ActivityRecord is a persisted, classified household contribution or
// recovery event. ActivityID doubles as the sort key and is time-ordered.
// ReplyMessageID is attached at most once, after a successful dispatch;
// the record is immutable otherwise.
type ActivityRecord struct {
	PK             string
	SK             string
	ConversationID string
	ActivityID     string
	MessageID      int64
	SenderID       string
	SenderName     string
	Kind           ActivityKind
	ActivityLabel  string
	EffortLevel    EffortLevel
	Confidence     float64
	OccurredAt     string
	CreatedAt      string
	ReplyMessageID int64
}

// PolicyDecision is the outcome of the response policy evaluation.
// Text is set iff Respond is true, and only with tone-validated content.
type PolicyDecision struct {
	Respond bool
	Text    string
}
