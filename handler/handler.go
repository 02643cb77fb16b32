package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"household-agent/internal/domain"
)

// Processor runs the per-message pipeline. A returned error marks the message
// retryable to the delivery queue.
type Processor interface {
	Process(ctx context.Context, msg domain.InboundMessage) error
}

// Handler consumes SQS delivery batches. Records are independent: each one is
// processed in isolation and only records whose processing reported a
// retryable failure are listed for redelivery via the partial batch response.
type Handler struct {
	pipeline Processor
	logger   *slog.Logger
}

// NewHandler creates a Handler around the given Processor.
func NewHandler(p Processor, logger *slog.Logger) (*Handler, error) {
	if p == nil {
		return nil, errors.New("handler: processor must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pipeline: p, logger: logger}, nil
}

// Handle processes one SQS event and reports per-record failures.
func (h *Handler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var failures []events.SQSBatchItemFailure

	for _, record := range event.Records {
		var msg domain.InboundMessage
		if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
			// Redelivery cannot fix a body that does not parse; log and
			// report the record as consumed.
			h.logger.Warn("dropping unparseable record", "sqsMessageId", record.MessageId, "err", err)
			continue
		}

		if err := h.pipeline.Process(ctx, msg); err != nil {
			h.logger.Error("message failed, requesting redelivery",
				"sqsMessageId", record.MessageId,
				"conversationId", msg.ConversationID,
				"messageId", msg.MessageID,
				"err", err)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}
