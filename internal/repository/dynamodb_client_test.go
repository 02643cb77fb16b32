package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"household-agent/internal/domain"
)

// fakeDynamo scripts responses per call so optimistic-retry paths can be
// exercised. Slices are consumed in order; when exhausted the last element
// repeats.
type fakeDynamo struct {
	getOuts []*dynamodb.GetItemOutput
	getErrs []error
	putErrs []error
	updErrs []error

	queryOut *dynamodb.QueryOutput
	queryErr error

	getCalls, putCalls, updCalls int

	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastUpdInput *dynamodb.UpdateItemInput
	lastQueryIn  *dynamodb.QueryInput
}

func takeOut(outs []*dynamodb.GetItemOutput, i int) *dynamodb.GetItemOutput {
	if len(outs) == 0 {
		return &dynamodb.GetItemOutput{}
	}
	if i >= len(outs) {
		i = len(outs) - 1
	}
	return outs[i]
}

func takeErr(errs []error, i int) error {
	if len(errs) == 0 {
		return nil
	}
	if i >= len(errs) {
		i = len(errs) - 1
	}
	return errs[i]
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	out, err := takeOut(f.getOuts, f.getCalls), takeErr(f.getErrs, f.getCalls)
	f.getCalls++
	return out, err
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	err := takeErr(f.putErrs, f.putCalls)
	f.putCalls++
	return &dynamodb.PutItemOutput{}, err
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdInput = in
	err := takeErr(f.updErrs, f.updCalls)
	f.updCalls++
	return &dynamodb.UpdateItemOutput{}, err
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func counterOut(count string) *dynamodb.GetItemOutput {
	return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":    &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":    &types.AttributeValueMemberS{Value: "CNT#2026-03-10"},
		"count": &types.AttributeValueMemberN{Value: count},
	}}
}

func makeActivityItem(sk, kind, label string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":            &types.AttributeValueMemberS{Value: sk},
		"kind":          &types.AttributeValueMemberS{Value: kind},
		"activityLabel": &types.AttributeValueMemberS{Value: label},
	}
}

func testMessage() domain.InboundMessage {
	return domain.InboundMessage{
		ConversationID: "abc",
		MessageID:      42,
		SenderID:       "user-1",
		SenderName:     "Alex",
		Text:           "Jag diskade",
		SentAt:         time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC).Unix(),
	}
}

func testResult() domain.ClassificationResult {
	return domain.ClassificationResult{
		Kind:          domain.KindChore,
		ActivityLabel: "diska",
		EffortLevel:   domain.EffortMedium,
		Confidence:    0.9,
	}
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

// ---------------------------------------------------------------------------
// construction and keys
// ---------------------------------------------------------------------------

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestConvPK(t *testing.T) {
	require.Equal(t, "CONV#my-conv", convPK("my-conv"))
}

func TestRawSK_ZeroPadded(t *testing.T) {
	require.Equal(t, "RAW#000000000042", rawSK(42))
	// Lexicographic order must match numeric order.
	require.True(t, rawSK(9) < rawSK(10))
}

func TestActivitySK_TimeOrderedAndUnique(t *testing.T) {
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	a := activitySK(ts)
	b := activitySK(ts)
	require.True(t, strings.HasPrefix(a, "ACT#2026-03-10T14:00:00Z#"))
	require.NotEqual(t, a, b)

	later := activitySK(ts.Add(time.Hour))
	require.True(t, a < later)
}

// ---------------------------------------------------------------------------
// ledger insert
// ---------------------------------------------------------------------------

func TestRecordMessageIfNew_Inserts(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	inserted, err := c.RecordMessageIfNew(context.Background(), testMessage())
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "CONV#abc", db.lastPutInput.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "RAW#000000000042", db.lastPutInput.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "Jag diskade", db.lastPutInput.Item["text"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, db.lastPutInput.Item, "ttl")
}

func TestRecordMessageIfNew_DuplicateIsNotAnError(t *testing.T) {
	db := &fakeDynamo{putErrs: []error{conditionFailed()}}
	c := mustNewClient(t, db)

	inserted, err := c.RecordMessageIfNew(context.Background(), testMessage())
	require.NoError(t, err)
	require.False(t, inserted)
}

func TestRecordMessageIfNew_StorageFaultPropagates(t *testing.T) {
	db := &fakeDynamo{putErrs: []error{errors.New("ProvisionedThroughputExceededException")}}
	c := mustNewClient(t, db)

	_, err := c.RecordMessageIfNew(context.Background(), testMessage())
	require.Error(t, err)
	require.Contains(t, err.Error(), "PutRawMessage")
}

func TestPutRawMessage_MissingKeys(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.PutRawMessage(context.Background(), domain.RawMessageRecord{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestNewRawMessageRecord_Fields(t *testing.T) {
	rec := NewRawMessageRecord(testMessage())
	require.Equal(t, "CONV#abc", rec.PK)
	require.Equal(t, "RAW#000000000042", rec.SK)
	require.Equal(t, int64(42), rec.MessageID)
	require.Greater(t, rec.TTL, time.Now().Add(89*24*time.Hour).Unix())
	require.NotEmpty(t, rec.RecordedAt)
}

// ---------------------------------------------------------------------------
// activity records
// ---------------------------------------------------------------------------

func TestSaveActivity_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	activityID, err := c.SaveActivity(context.Background(), testMessage(), testResult())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(activityID, "ACT#"))
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "chore", db.lastPutInput.Item["kind"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "diska", db.lastPutInput.Item["activityLabel"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "0.9", db.lastPutInput.Item["confidence"].(*types.AttributeValueMemberN).Value)
	// Activity records carry no TTL; retention is an external concern.
	require.NotContains(t, db.lastPutInput.Item, "ttl")
}

func TestSaveActivity_StorageFaultPropagates(t *testing.T) {
	db := &fakeDynamo{putErrs: []error{errors.New("internal server error")}}
	c := mustNewClient(t, db)

	_, err := c.SaveActivity(context.Background(), testMessage(), testResult())
	require.Error(t, err)
	require.Contains(t, err.Error(), "SaveActivity")
}

func TestNewActivityRecord_Fields(t *testing.T) {
	rec := NewActivityRecord(testMessage(), testResult())
	require.Equal(t, "CONV#abc", rec.PK)
	require.Equal(t, rec.SK, rec.ActivityID)
	require.Equal(t, "2026-03-10T14:00:00Z", rec.OccurredAt)
	require.Equal(t, domain.KindChore, rec.Kind)
	require.NotEmpty(t, rec.CreatedAt)
}

func TestAttachReplyID_GuardsSingleMutation(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.AttachReplyID(context.Background(), "abc", "ACT#2026-03-10T14:00:00Z#x", 777)
	require.NoError(t, err)
	require.Equal(t, "SET replyMessageId = :r", *db.lastUpdInput.UpdateExpression)
	require.Equal(t, "attribute_exists(PK) AND attribute_not_exists(replyMessageId)", *db.lastUpdInput.ConditionExpression)
	require.Equal(t, "777", db.lastUpdInput.ExpressionAttributeValues[":r"].(*types.AttributeValueMemberN).Value)
}

func TestAttachReplyID_ErrorPropagates(t *testing.T) {
	db := &fakeDynamo{updErrs: []error{conditionFailed()}}
	c := mustNewClient(t, db)

	err := c.AttachReplyID(context.Background(), "abc", "ACT#x", 777)
	require.Error(t, err)
	require.Contains(t, err.Error(), "AttachReplyID")
}

// ---------------------------------------------------------------------------
// reply counter
// ---------------------------------------------------------------------------

func TestGetReplyCount_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{counterOut("2")}}
	c := mustNewClient(t, db)

	count, err := c.GetReplyCount(context.Background(), "abc", "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, "CNT#2026-03-10", db.lastGetInput.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGetReplyCount_AbsentRowIsZero(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	count, err := c.GetReplyCount(context.Background(), "abc", "2026-03-10")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestGetReplyCount_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErrs: []error{errors.New("boom")}}
	c := mustNewClient(t, db)

	_, err := c.GetReplyCount(context.Background(), "abc", "2026-03-10")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetReplyCount")
}

func TestGetReplyCount_MalformedCount(t *testing.T) {
	out := &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":    &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":    &types.AttributeValueMemberS{Value: "CNT#2026-03-10"},
		"count": &types.AttributeValueMemberS{Value: "bad"},
	}}
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{out}}
	c := mustNewClient(t, db)

	_, err := c.GetReplyCount(context.Background(), "abc", "2026-03-10")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode count")
}

func TestIncrementReplyCount_CreatesOnFirstReply(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	newCount, err := c.IncrementReplyCount(context.Background(), "abc", "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, 1, newCount)
	require.Equal(t, 1, db.putCalls)
	require.Zero(t, db.updCalls)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "1", db.lastPutInput.Item["count"].(*types.AttributeValueMemberN).Value)
	require.Contains(t, db.lastPutInput.Item, "ttl")
}

func TestIncrementReplyCount_BumpsExisting(t *testing.T) {
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{counterOut("2")}}
	c := mustNewClient(t, db)

	newCount, err := c.IncrementReplyCount(context.Background(), "abc", "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, 3, newCount)
	require.Equal(t, 1, db.updCalls)
	require.Equal(t, "#c = :old", *db.lastUpdInput.ConditionExpression)
	require.Equal(t, "count", db.lastUpdInput.ExpressionAttributeNames["#c"])
	require.Equal(t, "2", db.lastUpdInput.ExpressionAttributeValues[":old"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "3", db.lastUpdInput.ExpressionAttributeValues[":new"].(*types.AttributeValueMemberN).Value)
}

func TestIncrementReplyCount_RetriesOnceAfterLostRace(t *testing.T) {
	// First read sees no row, the create loses to a concurrent writer, the
	// fresh read sees 1 and the guarded bump succeeds.
	db := &fakeDynamo{
		getOuts: []*dynamodb.GetItemOutput{{}, counterOut("1")},
		putErrs: []error{conditionFailed()},
	}
	c := mustNewClient(t, db)

	newCount, err := c.IncrementReplyCount(context.Background(), "abc", "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, 2, newCount)
	require.Equal(t, 2, db.getCalls)
	require.Equal(t, 1, db.putCalls)
	require.Equal(t, 1, db.updCalls)
}

func TestIncrementReplyCount_PersistentConflict(t *testing.T) {
	db := &fakeDynamo{
		getOuts: []*dynamodb.GetItemOutput{counterOut("1"), counterOut("2")},
		updErrs: []error{conditionFailed(), conditionFailed()},
	}
	c := mustNewClient(t, db)

	_, err := c.IncrementReplyCount(context.Background(), "abc", "2026-03-10")
	require.ErrorIs(t, err, ErrCounterConflict)
	require.Equal(t, 2, db.updCalls)
}

func TestIncrementReplyCount_ReadErrorPropagates(t *testing.T) {
	db := &fakeDynamo{getErrs: []error{errors.New("boom")}}
	c := mustNewClient(t, db)

	_, err := c.IncrementReplyCount(context.Background(), "abc", "2026-03-10")
	require.Error(t, err)
	require.Contains(t, err.Error(), "IncrementReplyCount read")
}

func TestIncrementReplyCount_WriteFaultPropagates(t *testing.T) {
	db := &fakeDynamo{putErrs: []error{errors.New("internal server error")}}
	c := mustNewClient(t, db)

	_, err := c.IncrementReplyCount(context.Background(), "abc", "2026-03-10")
	require.Error(t, err)
	require.Contains(t, err.Error(), "IncrementReplyCount write")
	require.NotErrorIs(t, err, ErrCounterConflict)
}

// ---------------------------------------------------------------------------
// activity history
// ---------------------------------------------------------------------------

func TestGetRecentActivities_HappyPath(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		makeActivityItem("ACT#2026-03-10T14:00:00Z#b", "chore", "newer"),
		makeActivityItem("ACT#2026-03-10T09:00:00Z#a", "recovery", "older"),
	}}}
	c := mustNewClient(t, db)

	recs, err := c.GetRecentActivities(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// Reversed back to chronological order.
	require.Equal(t, "older", recs[0].ActivityLabel)
	require.Equal(t, "newer", recs[1].ActivityLabel)
}

func TestGetRecentActivities_KeyCondition(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c := mustNewClient(t, db)

	_, err := c.GetRecentActivities(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.lastQueryIn.KeyConditionExpression)
	require.Equal(t, "ACT#", db.lastQueryIn.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value)
	require.False(t, *db.lastQueryIn.ScanIndexForward)
}

func TestGetRecentActivities_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	c := mustNewClient(t, db)

	_, err := c.GetRecentActivities(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetRecentActivities")
}

func TestGetRecentActivities_MalformedItem(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK": &types.AttributeValueMemberS{Value: "ACT#x"},
	}
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}}
	c := mustNewClient(t, db)

	_, err := c.GetRecentActivities(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "kind")
}
