package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"household-agent/internal/domain"
)

const (
	skPrefixRaw      = "RAW#"
	skPrefixActivity = "ACT#"
	skPrefixCounter  = "CNT#"

	rawTTLDuration     = 90 * 24 * time.Hour // raw messages kept 90 days for audit
	counterTTLDuration = 7 * 24 * time.Hour

	// Increment is read-then-conditional-write; one retry on a lost race,
	// after that the caller degrades to best-effort.
	counterMaxAttempts = 2
)

// ErrCounterConflict is returned when the reply counter could not be advanced
// within the bounded optimistic retry budget. The counter is a soft rate-limit
// aid, so callers log this and proceed.
var ErrCounterConflict = errors.New("repository: reply counter write conflicted after retry")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Store defines the persistence operations consumed by the pipeline.
type Store interface {
	RecordMessageIfNew(ctx context.Context, msg domain.InboundMessage) (bool, error)
	SaveActivity(ctx context.Context, msg domain.InboundMessage, res domain.ClassificationResult) (string, error)
	AttachReplyID(ctx context.Context, conversationID, activityID string, replyMessageID int64) error
	GetReplyCount(ctx context.Context, conversationID, day string) (int, error)
	IncrementReplyCount(ctx context.Context, conversationID, day string) (int, error)
	GetRecentActivities(ctx context.Context, conversationID string, limit int) ([]domain.ActivityRecord, error)
}

// Client wraps a DynamoDB table holding raw messages, activity records and
// daily reply counters for all conversations.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// convPK returns the partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// rawSK returns the sort key for a raw message. MessageID is zero-padded so
// lexicographic SK order matches numeric message order.
func rawSK(messageID int64) string {
	return fmt.Sprintf("%s%012d", skPrefixRaw, messageID)
}

// activitySK returns a time-ordered, unique sort key for an activity.
func activitySK(occurredAt time.Time) string {
	return skPrefixActivity + occurredAt.UTC().Format(time.RFC3339) + "#" + uuid.NewString()
}

// counterSK returns the sort key for a conversation's daily reply counter.
func counterSK(day string) string {
	return skPrefixCounter + day
}

func ttlValue(d time.Duration) int64 {
	return time.Now().Add(d).Unix()
}

// isConditionalCheckFailed reports whether err is a conditional write losing
// to an existing item, which is an expected outcome and not a storage fault.
func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// NewRawMessageRecord constructs a RawMessageRecord with PK/SK/TTL set.
func NewRawMessageRecord(msg domain.InboundMessage) domain.RawMessageRecord {
	return domain.RawMessageRecord{
		PK:             convPK(msg.ConversationID),
		SK:             rawSK(msg.MessageID),
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Text:           msg.Text,
		SentAt:         msg.SentAt,
		RecordedAt:     time.Now().UTC().Format(time.RFC3339),
		TTL:            ttlValue(rawTTLDuration),
	}
}

// NewActivityRecord constructs an ActivityRecord from a classified message.
func NewActivityRecord(msg domain.InboundMessage, res domain.ClassificationResult) domain.ActivityRecord {
	occurred := msg.SentTime().UTC()
	sk := activitySK(occurred)
	return domain.ActivityRecord{
		PK:             convPK(msg.ConversationID),
		SK:             sk,
		ConversationID: msg.ConversationID,
		ActivityID:     sk,
		MessageID:      msg.MessageID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Kind:           res.Kind,
		ActivityLabel:  res.ActivityLabel,
		EffortLevel:    res.EffortLevel,
		Confidence:     res.Confidence,
		OccurredAt:     occurred.Format(time.RFC3339),
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}
}

// RecordMessageIfNew persists the inbound message unless a record already
// exists for the same (conversation, message) key. It returns true when this
// call performed the insert.
func (c *Client) RecordMessageIfNew(ctx context.Context, msg domain.InboundMessage) (bool, error) {
	return c.PutRawMessage(ctx, NewRawMessageRecord(msg))
}

// PutRawMessage conditionally inserts a raw message record. It returns false
// with a nil error when the key was already present; a losing insert is the
// expected outcome for a redelivered message, not an error.
func (c *Client) PutRawMessage(ctx context.Context, rec domain.RawMessageRecord) (bool, error) {
	if rec.PK == "" || rec.SK == "" {
		return false, errors.New("repository: PutRawMessage: PK and SK are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                rawMessageItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: PutRawMessage: %w", err)
	}
	return true, nil
}

// SaveActivity persists a classified activity for an inbound message and
// returns the new activity id.
func (c *Client) SaveActivity(ctx context.Context, msg domain.InboundMessage, res domain.ClassificationResult) (string, error) {
	rec := NewActivityRecord(msg, res)
	if err := c.PutActivity(ctx, rec); err != nil {
		return "", fmt.Errorf("repository: SaveActivity: %w", err)
	}
	return rec.ActivityID, nil
}

// PutActivity persists a classified activity record.
func (c *Client) PutActivity(ctx context.Context, rec domain.ActivityRecord) error {
	if rec.PK == "" || rec.SK == "" {
		return errors.New("repository: PutActivity: PK and SK are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                activityItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: PutActivity: %w", err)
	}
	return nil
}

// AttachReplyID records the dispatched reply's message id on an existing
// activity record. The condition guards the record's single permitted
// mutation: a second attach fails rather than overwriting.
func (c *Client) AttachReplyID(ctx context.Context, conversationID, activityID string, replyMessageID int64) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: activityID},
		},
		UpdateExpression:    aws.String("SET replyMessageId = :r"),
		ConditionExpression: aws.String("attribute_exists(PK) AND attribute_not_exists(replyMessageId)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":r": &types.AttributeValueMemberN{Value: strconv.FormatInt(replyMessageID, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AttachReplyID: %w", err)
	}
	return nil
}

// GetReplyCount returns the number of replies already dispatched for a
// conversation on the given local calendar day, or 0 if no counter row exists.
func (c *Client) GetReplyCount(ctx context.Context, conversationID, day string) (int, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: counterSK(day)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: GetReplyCount: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}

	count, err := intAttr(out.Item, "count")
	if err != nil {
		return 0, fmt.Errorf("repository: GetReplyCount decode count: %w", err)
	}
	return count, nil
}

// IncrementReplyCount advances the daily reply counter by one and returns the
// new count. DynamoDB offers no increment-with-initialization for this access
// pattern, so the write is an optimistic compare-and-swap: create the row at 1
// when absent, otherwise bump it guarded by the previously read value. A lost
// race is retried once with a fresh read; after that ErrCounterConflict is
// returned and the caller proceeds best-effort.
func (c *Client) IncrementReplyCount(ctx context.Context, conversationID, day string) (int, error) {
	pk := convPK(conversationID)
	sk := counterSK(day)

	for attempt := 0; attempt < counterMaxAttempts; attempt++ {
		current, err := c.GetReplyCount(ctx, conversationID, day)
		if err != nil {
			return 0, fmt.Errorf("repository: IncrementReplyCount read: %w", err)
		}

		if current == 0 {
			err = c.createCounter(ctx, pk, sk, conversationID, day)
		} else {
			err = c.bumpCounter(ctx, pk, sk, current)
		}
		if err == nil {
			return current + 1, nil
		}
		if !isConditionalCheckFailed(err) {
			return 0, fmt.Errorf("repository: IncrementReplyCount write: %w", err)
		}
		// Lost the race; re-read and try once more.
	}
	return 0, ErrCounterConflict
}

func (c *Client) createCounter(ctx context.Context, pk, sk, conversationID, day string) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: pk},
			"SK":             &types.AttributeValueMemberS{Value: sk},
			"conversationId": &types.AttributeValueMemberS{Value: conversationID},
			"calendarDay":    &types.AttributeValueMemberS{Value: day},
			"count":          &types.AttributeValueMemberN{Value: "1"},
			"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(counterTTLDuration), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	return err
}

func (c *Client) bumpCounter(ctx context.Context, pk, sk string, current int) error {
	// "count" is a DynamoDB reserved word, hence the name placeholder.
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		UpdateExpression:    aws.String("SET #c = :new"),
		ConditionExpression: aws.String("#c = :old"),
		ExpressionAttributeNames: map[string]string{
			"#c": "count",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new": &types.AttributeValueMemberN{Value: strconv.Itoa(current + 1)},
			":old": &types.AttributeValueMemberN{Value: strconv.Itoa(current)},
		},
	})
	return err
}

// GetRecentActivities queries the most recent activity records for a
// conversation, returned in chronological order.
func (c *Client) GetRecentActivities(ctx context.Context, conversationID string, limit int) ([]domain.ActivityRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixActivity},
		},
		// Read newest first so LIMIT favors the most recent records.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetRecentActivities query: %w", err)
	}

	recs := make([]domain.ActivityRecord, 0, len(out.Items))
	for _, item := range out.Items {
		rec, err := itemToActivity(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetRecentActivities unmarshal: %w", err)
		}
		recs = append(recs, rec)
	}
	// Reverse to chronological order.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func rawMessageItem(rec domain.RawMessageRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: rec.PK},
		"SK":             &types.AttributeValueMemberS{Value: rec.SK},
		"conversationId": &types.AttributeValueMemberS{Value: rec.ConversationID},
		"messageId":      &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.MessageID, 10)},
		"senderId":       &types.AttributeValueMemberS{Value: rec.SenderID},
		"senderName":     &types.AttributeValueMemberS{Value: rec.SenderName},
		"text":           &types.AttributeValueMemberS{Value: rec.Text},
		"sentAt":         &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.SentAt, 10)},
		"recordedAt":     &types.AttributeValueMemberS{Value: rec.RecordedAt},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.TTL, 10)},
	}
}

func activityItem(rec domain.ActivityRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: rec.PK},
		"SK":             &types.AttributeValueMemberS{Value: rec.SK},
		"conversationId": &types.AttributeValueMemberS{Value: rec.ConversationID},
		"activityId":     &types.AttributeValueMemberS{Value: rec.ActivityID},
		"messageId":      &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.MessageID, 10)},
		"senderId":       &types.AttributeValueMemberS{Value: rec.SenderID},
		"senderName":     &types.AttributeValueMemberS{Value: rec.SenderName},
		"kind":           &types.AttributeValueMemberS{Value: string(rec.Kind)},
		"activityLabel":  &types.AttributeValueMemberS{Value: rec.ActivityLabel},
		"effortLevel":    &types.AttributeValueMemberS{Value: string(rec.EffortLevel)},
		"confidence":     &types.AttributeValueMemberN{Value: strconv.FormatFloat(rec.Confidence, 'f', -1, 64)},
		"occurredAt":     &types.AttributeValueMemberS{Value: rec.OccurredAt},
		"createdAt":      &types.AttributeValueMemberS{Value: rec.CreatedAt},
	}
}

// itemToActivity converts a DynamoDB attribute map to an ActivityRecord.
func itemToActivity(item map[string]types.AttributeValue) (domain.ActivityRecord, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.ActivityRecord{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.ActivityRecord{}, err
	}
	kind, err := strAttr(item, "kind")
	if err != nil {
		return domain.ActivityRecord{}, err
	}
	label, err := strAttr(item, "activityLabel")
	if err != nil {
		return domain.ActivityRecord{}, err
	}
	senderID, _ := strAttr(item, "senderId")     // allow empty
	senderName, _ := strAttr(item, "senderName") // allow empty
	effort, _ := strAttr(item, "effortLevel")
	occurredAt, _ := strAttr(item, "occurredAt")
	conversationID, _ := strAttr(item, "conversationId")
	messageID, _ := int64Attr(item, "messageId")
	confidence, _ := floatAttr(item, "confidence")
	replyID, _ := int64Attr(item, "replyMessageId")

	return domain.ActivityRecord{
		PK:             pk,
		SK:             sk,
		ConversationID: conversationID,
		ActivityID:     sk,
		MessageID:      messageID,
		SenderID:       senderID,
		SenderName:     senderName,
		Kind:           domain.ActivityKind(kind),
		ActivityLabel:  label,
		EffortLevel:    domain.EffortLevel(effort),
		Confidence:     confidence,
		OccurredAt:     occurredAt,
		ReplyMessageID: replyID,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func floatAttr(item map[string]types.AttributeValue, key string) (float64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
