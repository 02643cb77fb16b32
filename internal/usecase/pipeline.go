package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"household-agent/internal/domain"
)

// ParamGetter provides read access to SSM parameters.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Classifier is the external classification capability. It returns the raw
// structured-output content; shape validation happens in this package.
type Classifier interface {
	Classify(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// ReplyDispatcher sends one reply and returns the platform message id.
// Dispatch is best-effort and never retried.
type ReplyDispatcher interface {
	SendReply(ctx context.Context, conversationID, text string, inReplyTo int64) (int64, error)
}

// StateStore is the persistence surface the pipeline consumes.
type StateStore interface {
	RecordMessageIfNew(ctx context.Context, msg domain.InboundMessage) (bool, error)
	SaveActivity(ctx context.Context, msg domain.InboundMessage, res domain.ClassificationResult) (string, error)
	AttachReplyID(ctx context.Context, conversationID, activityID string, replyMessageID int64) error
	GetReplyCount(ctx context.Context, conversationID, day string) (int, error)
	IncrementReplyCount(ctx context.Context, conversationID, day string) (int, error)
}

// Pipeline sequences the per-message stages: ledger insert, classification,
// activity persistence, policy evaluation, reply dispatch, counter increment
// and reply-id attachment.
//
// Failure propagation is deliberately asymmetric. The ledger insert is the
// only idempotency gate, so a storage fault there is the only error Process
// returns; redelivering the message is safe and useful. Every later stage
// failure is logged and absorbed: retrying a message whose raw record already
// exists would reprocess it.
type Pipeline struct {
	params      ParamGetter
	llm         Classifier
	dispatch    ReplyDispatcher
	state       StateStore
	policy      *PolicyEngine
	paramPrefix string
	loc         *time.Location
	logger      *slog.Logger
}

// NewPipeline validates dependencies and creates a Pipeline.
func NewPipeline(p ParamGetter, llm Classifier, d ReplyDispatcher, s StateStore, policy *PolicyEngine, paramPrefix string, loc *time.Location, logger *slog.Logger) (*Pipeline, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: classifier must not be nil")
	}
	if d == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if policy == nil {
		return nil, errors.New("usecase: policy engine must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if loc == nil {
		return nil, errors.New("usecase: location must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		params:      p,
		llm:         llm,
		dispatch:    d,
		state:       s,
		policy:      policy,
		paramPrefix: paramPrefix,
		loc:         loc,
		logger:      logger,
	}, nil
}

// Process runs the full pipeline for one inbound message. A non-nil return
// means the message should be redelivered; that happens only when the ledger
// insert itself failed.
func (p *Pipeline) Process(ctx context.Context, msg domain.InboundMessage) error {
	log := p.logger.With("conversationId", msg.ConversationID, "messageId", msg.MessageID)

	if strings.TrimSpace(msg.ConversationID) == "" || msg.MessageID <= 0 {
		// Redelivery cannot repair a malformed message; drop it.
		log.Warn("dropping malformed message")
		return nil
	}

	inserted, err := p.state.RecordMessageIfNew(ctx, msg)
	if err != nil {
		log.Error("ledger insert failed", "err", err)
		return newError(ErrorStorageFailure, "ledger_insert_error", err)
	}
	if !inserted {
		// Expected for at-least-once delivery: a previous execution owns
		// this message. Short-circuit successfully.
		log.Info("duplicate delivery, already recorded")
		return nil
	}

	res, err := p.classify(ctx, msg.Text)
	if err != nil {
		log.Warn("classification failed, message kept as processed", "err", err)
		return nil
	}
	if res.Kind == domain.KindNone {
		return nil
	}

	activityID, err := p.state.SaveActivity(ctx, msg, res)
	if err != nil {
		// Without the activity record there is nothing to attach a reply
		// to; stay silent rather than reply to an unrecorded activity.
		log.Error("activity persist failed, message kept as processed", "err", err)
		return nil
	}
	log.Info("activity recorded", "kind", res.Kind, "label", res.ActivityLabel, "confidence", res.Confidence)

	decision, err := p.policy.Evaluate(ctx, msg, res)
	if err != nil {
		log.Warn("policy state unavailable, staying silent", "err", err)
		return nil
	}
	if !decision.Respond {
		return nil
	}

	replyID, err := p.dispatch.SendReply(ctx, msg.ConversationID, decision.Text, msg.MessageID)
	if err != nil {
		// Counter stays untouched: an undelivered reply must not consume
		// the daily budget.
		log.Warn("reply dispatch failed", "err", err)
		return nil
	}

	day := CalendarDay(msg.SentTime(), p.loc)
	newCount, err := p.state.IncrementReplyCount(ctx, msg.ConversationID, day)
	if err != nil {
		// Soft rate-limit aid only; the reply already went out.
		log.Warn("reply counter increment failed", "day", day, "err", err)
	} else {
		log.Info("reply dispatched", "replyMessageId", replyID, "dayCount", newCount)
	}

	if err := p.state.AttachReplyID(ctx, msg.ConversationID, activityID, replyID); err != nil {
		log.Warn("reply id attach failed", "activityId", activityID, "err", err)
	}
	return nil
}

// classify resolves the model name and runs one classification call, then
// validates the returned shape strictly.
func (p *Pipeline) classify(ctx context.Context, text string) (domain.ClassificationResult, error) {
	model, err := p.params.GetParameter(ctx, p.paramPrefix+"/config/openai_model")
	if err != nil {
		return domain.ClassificationResult{}, newError(ErrorClassificationFailure, "model_param_error", err)
	}

	raw, err := p.llm.Classify(ctx, model, buildClassificationMessages(text))
	if err != nil {
		return domain.ClassificationResult{}, newError(ErrorClassificationFailure, "classification_call_error", err)
	}

	res, err := parseClassificationResult(raw)
	if err != nil {
		return domain.ClassificationResult{}, newError(ErrorClassificationFailure, "classification_malformed_response", err)
	}
	return res, nil
}
