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
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"tutor-agent/internal/domain"
)

const (
	skPrefixMsg    = "MSG#"
	skMeta         = "META#"
	skPrefixDay    = "DAY#"
	noActivity     = "none"
	messageTTL     = 365 * 24 * time.Hour
	markerTTL      = 3 * 24 * time.Hour
	conditionalErr = "ConditionalCheckFailed"
	conflictErr    = "TransactionConflict"

	// Every exchange in a class updates the same daily aggregate row, so
	// concurrent transactions on it conflict routinely under load.
	conflictAttempts = 8
)

// tokenSpace namespaces the idempotency tokens derived from record ids.
var tokenSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tutor-agent/repository"))

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a single DynamoDB table holding activities, message records
// and daily usage aggregates.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	newID     func() string
	// conflictBackoff paces retries of transactions cancelled by a conflict.
	conflictBackoff func() backoff.BackOff
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{
		api:       api,
		tableName: tableName,
		now:             time.Now,
		newID:           uuid.NewString,
		conflictBackoff: defaultConflictBackoff,
	}, nil
}

func defaultConflictBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = 400 * time.Millisecond
	return backoff.WithMaxRetries(b, conflictAttempts-1)
}

func activityPK(activityID string) string {
	return "ACTIVITY#" + activityID
}

// messagePK partitions messages by conversation so a conversation reads back
// in receipt order. Messages without a conversation go to a per-class bucket.
func messagePK(rec domain.MessageRecord) string {
	if rec.ConversationID != "" {
		return "CONV#" + rec.ConversationID
	}
	return "CLASS#" + rec.ClassID + "#ADHOC"
}

func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano) + "#" + id
}

func usagePK(key domain.UsageKey) string {
	activity := key.ActivityID
	if activity == "" {
		activity = noActivity
	}
	return "USAGE#" + key.ClassID + "#" + activity
}

func daySK(key domain.UsageKey) string {
	return skPrefixDay + key.Date
}

// GetActivity loads an activity's metadata. It returns nil, nil when the
// activity does not exist.
func (c *Client) GetActivity(ctx context.Context, activityID string) (*domain.ActivityContext, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: activityPK(activityID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetActivity get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	title, err := strAttr(out.Item, "title")
	if err != nil {
		return nil, fmt.Errorf("repository: GetActivity decode: %w", err)
	}
	description, _ := strAttr(out.Item, "description") // optional
	content, _ := strAttr(out.Item, "content")         // optional
	activityType, _ := strAttr(out.Item, "type")       // optional
	return &domain.ActivityContext{
		ID:          activityID,
		Title:       title,
		Description: description,
		Content:     content,
		Type:        activityType,
	}, nil
}

// RecordExchange appends the message record and folds it into the daily
// usage aggregate for its (class, activity, day) key. It is safe to retry
// with the same record: the message put and the aggregate increment commit
// together, and a record that already exists is not counted again.
func (c *Client) RecordExchange(ctx context.Context, rec domain.MessageRecord) error {
	if rec.ClassID == "" || rec.UserID == "" {
		return errors.New("repository: RecordExchange: class and user are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}
	if rec.ID == "" {
		rec.ID = c.newID()
	}

	key := domain.UsageKeyFor(rec)
	if err := c.appendMessage(ctx, key, rec); err != nil {
		return fmt.Errorf("repository: RecordExchange: %w", err)
	}
	if err := c.countOnce(ctx, key, rec, "USER#"+rec.UserID, "unique_users"); err != nil {
		return fmt.Errorf("repository: RecordExchange unique users: %w", err)
	}
	if rec.ConversationID != "" {
		if err := c.countOnce(ctx, key, rec, "CONV#"+rec.ConversationID, "conversation_count"); err != nil {
			return fmt.Errorf("repository: RecordExchange conversations: %w", err)
		}
	}
	return nil
}

// appendMessage writes rec and atomically adds its contribution to the
// aggregate row in one transaction. ADD creates the row and its counters on
// first use.
func (c *Client) appendMessage(ctx context.Context, key domain.UsageKey, rec domain.MessageRecord) error {
	return c.transact(ctx, requestToken(rec.ID, "message"), []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                c.messageItem(rec),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		},
		{
			Update: &types.Update{
				TableName: aws.String(c.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: usagePK(key)},
					"SK": &types.AttributeValueMemberS{Value: daySK(key)},
				},
				UpdateExpression: aws.String(
					"ADD message_count :one, out_of_scope_count :oos, fallback_count :fb, chunks_retrieved :chunks, total_response_ms :ms " +
						"SET class_id = :class, activity_id = :activity, usage_date = :date"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":one":      numAttr(1),
					":oos":      numAttr(boolToInt(rec.OutOfScope)),
					":fb":       numAttr(boolToInt(rec.Path == domain.PathFallback)),
					":chunks":   numAttr(int64(rec.ChunksRetrieved)),
					":ms":       numAttr(rec.ResponseTimeMS),
					":class":    &types.AttributeValueMemberS{Value: key.ClassID},
					":activity": optionalStr(key.ActivityID),
					":date":     &types.AttributeValueMemberS{Value: key.Date},
				},
			},
		},
	})
}

// countOnce increments counter on the aggregate row the first time marker is
// seen for the key. The marker put and the increment commit together, so a
// concurrent duplicate fails the condition instead of double counting.
func (c *Client) countOnce(ctx context.Context, key domain.UsageKey, rec domain.MessageRecord, marker, counter string) error {
	pk := usagePK(key)
	return c.transact(ctx, requestToken(rec.ID, marker), []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item: map[string]types.AttributeValue{
					"PK":  &types.AttributeValueMemberS{Value: pk},
					"SK":  &types.AttributeValueMemberS{Value: daySK(key) + "#" + marker},
					"ttl": numAttr(rec.CreatedAt.Add(markerTTL).Unix()),
				},
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		},
		{
			Update: &types.Update{
				TableName: aws.String(c.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: pk},
					"SK": &types.AttributeValueMemberS{Value: daySK(key)},
				},
				UpdateExpression:          aws.String("ADD #counter :one"),
				ExpressionAttributeNames:  map[string]string{"#counter": counter},
				ExpressionAttributeValues: map[string]types.AttributeValue{":one": numAttr(1)},
			},
		},
	})
}

// transact commits items, retrying conflict cancellations with jittered
// backoff. The request token makes a replay of a committed transaction a
// no-op, and the inputs are derived only from the record so every replay
// sends identical parameters.
func (c *Client) transact(ctx context.Context, token string, items []types.TransactWriteItem) error {
	in := &dynamodb.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: aws.String(token),
	}
	op := func() error {
		_, err := c.api.TransactWriteItems(ctx, in)
		switch {
		case err == nil, conditionFailedFirst(err):
			return nil
		case conflicted(err):
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(c.conflictBackoff(), ctx))
}

func requestToken(recordID, purpose string) string {
	return uuid.NewSHA1(tokenSpace, []byte(recordID+"#"+purpose)).String()
}

// conflicted reports whether another in-flight transaction on the same items
// caused the cancellation.
func conflicted(err error) bool {
	var inProgress *types.TransactionInProgressException
	if errors.As(err, &inProgress) {
		return true
	}
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, r := range canceled.CancellationReasons {
		if aws.ToString(r.Code) == conflictErr {
			return true
		}
	}
	return false
}

// conditionFailedFirst reports whether a transaction was cancelled only
// because its leading conditional put found an existing item.
func conditionFailedFirst(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	reasons := canceled.CancellationReasons
	if len(reasons) == 0 || aws.ToString(reasons[0].Code) != conditionalErr {
		return false
	}
	for _, r := range reasons[1:] {
		if code := aws.ToString(r.Code); code != "" && code != "None" {
			return false
		}
	}
	return true
}

func (c *Client) messageItem(rec domain.MessageRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":               &types.AttributeValueMemberS{Value: messagePK(rec)},
		"SK":               &types.AttributeValueMemberS{Value: msgSK(rec.CreatedAt, rec.ID)},
		"messageId":        &types.AttributeValueMemberS{Value: rec.ID},
		"classId":          &types.AttributeValueMemberS{Value: rec.ClassID},
		"activityId":       optionalStr(rec.ActivityID),
		"conversationId":   optionalStr(rec.ConversationID),
		"userId":           &types.AttributeValueMemberS{Value: rec.UserID},
		"userMessage":      &types.AttributeValueMemberS{Value: rec.Question},
		"botResponse":      &types.AttributeValueMemberS{Value: rec.Answer},
		"sources":          &types.AttributeValueMemberL{Value: stringList(rec.Sources)},
		"contextRetrieved": numAttr(int64(rec.ChunksRetrieved)),
		"isOutOfScope":     &types.AttributeValueMemberBOOL{Value: rec.OutOfScope},
		"answerPath":       &types.AttributeValueMemberS{Value: string(rec.Path)},
		"responseTimeMs":   numAttr(rec.ResponseTimeMS),
		"createdAt":        &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":              numAttr(rec.CreatedAt.Add(messageTTL).Unix()),
		"metadata": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"activityTitle": optionalStr(rec.ActivityTitle),
			"scopeReason":   optionalStr(rec.ScopeReason),
		}},
	}
}

func stringList(values []string) []types.AttributeValue {
	out := make([]types.AttributeValue, 0, len(values))
	for _, v := range values {
		out = append(out, &types.AttributeValueMemberS{Value: v})
	}
	return out
}

func optionalStr(v string) types.AttributeValue {
	if v == "" {
		return &types.AttributeValueMemberNULL{Value: true}
	}
	return &types.AttributeValueMemberS{Value: v}
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
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
