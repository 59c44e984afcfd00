package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"dialogue-relay/internal/domain"
)

const (
	skMeta             = "META#"
	skSeen             = "SEEN#"
	timestampLayout    = time.RFC3339Nano
	upsertConversation = "SET conversationId = :id, userId = if_not_exists(userId, :user), channelId = :channel, " +
		"threadTs = :thread, #opts = :options, sessionInitialized = :init, " +
		"createdAt = if_not_exists(createdAt, :now), updatedAt = :now"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client stores conversations and seen-event markers in one DynamoDB table
// keyed by PK/SK. Expired items are reaped by the table's TTL on "ttl".
// Conversations carry a ttl only when recordTTL is positive.
type Client struct {
	api       dynamodbAPI
	tableName string
	recordTTL time.Duration
	now       func() time.Time
}

// New creates a new repository Client. A recordTTL <= 0 keeps conversations
// until they are deleted out of band.
func New(api dynamodbAPI, tableName string, recordTTL time.Duration) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if recordTTL < 0 {
		recordTTL = 0
	}
	return &Client{api: api, tableName: tableName, recordTTL: recordTTL, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// eventPK returns the partition key for a seen-event marker.
func eventPK(key string) string {
	return "EVENT#" + key
}

// GetConversation returns the stored conversation, or nil when none exists.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

// SaveConversation upserts the conversation in a single UpdateItem. The
// originating user and creation time of an existing record are preserved.
func (c *Client) SaveConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil || strings.TrimSpace(conv.ID) == "" {
		return errors.New("repository: SaveConversation: conversation id is required")
	}
	options, err := json.Marshal(optionsOrEmpty(conv.Options))
	if err != nil {
		return fmt.Errorf("repository: SaveConversation encode options: %w", err)
	}
	now := c.now().UTC()

	values := map[string]types.AttributeValue{
		":id":      &types.AttributeValueMemberS{Value: conv.ID},
		":user":    &types.AttributeValueMemberS{Value: conv.UserID},
		":channel": &types.AttributeValueMemberS{Value: conv.ChannelID},
		":thread":  &types.AttributeValueMemberS{Value: conv.ThreadTS},
		":options": &types.AttributeValueMemberS{Value: string(options)},
		":init":    &types.AttributeValueMemberBOOL{Value: conv.SessionInitialized},
		":now":     &types.AttributeValueMemberS{Value: now.Format(timestampLayout)},
	}
	// Without a retention window any ttl left by an earlier setting is cleared.
	expr := upsertConversation + " REMOVE #ttl"
	if c.recordTTL > 0 {
		expr = upsertConversation + ", #ttl = :ttl"
		values[":ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(c.recordTTL).Unix(), 10)}
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conv.ID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String(expr),
		ExpressionAttributeNames: map[string]string{
			"#opts": "options",
			"#ttl":  "ttl",
		},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return fmt.Errorf("repository: SaveConversation: %w", err)
	}

	conv.UpdatedAt = now
	if out != nil && len(out.Attributes) > 0 {
		if stored, err := itemToConversation(out.Attributes); err == nil {
			conv.UserID = stored.UserID
			conv.CreatedAt = stored.CreatedAt
		}
	}
	return nil
}

// MarkEvent records key as seen for ttl. It reports true only for the first
// caller inside the window.
func (c *Client) MarkEvent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, errors.New("repository: MarkEvent: key is required")
	}
	now := c.now().UTC()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":  &types.AttributeValueMemberS{Value: eventPK(key)},
			"SK":  &types.AttributeValueMemberS{Value: skSeen},
			"ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).Unix(), 10)},
		},
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR #ttl < :now"),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("repository: MarkEvent: %w", err)
	}
	return true, nil
}

func optionsOrEmpty(opts domain.OptionSet) domain.OptionSet {
	if opts == nil {
		return domain.OptionSet{}
	}
	return opts
}

// itemToConversation converts a DynamoDB attribute map to a Conversation.
func itemToConversation(item map[string]types.AttributeValue) (*domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return nil, err
	}
	userID, _ := strAttr(item, "userId")
	channelID, _ := strAttr(item, "channelId")
	threadTS, _ := strAttr(item, "threadTs")

	conv := &domain.Conversation{
		ID:        id,
		UserID:    userID,
		ChannelID: channelID,
		ThreadTS:  threadTS,
	}
	if raw, err := strAttr(item, "options"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &conv.Options); err != nil {
			return nil, fmt.Errorf("repository: decode options: %w", err)
		}
	}
	if v, ok := item["sessionInitialized"].(*types.AttributeValueMemberBOOL); ok {
		conv.SessionInitialized = v.Value
	}
	conv.CreatedAt = timeAttr(item, "createdAt")
	conv.UpdatedAt = timeAttr(item, "updatedAt")
	return conv, nil
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

func timeAttr(item map[string]types.AttributeValue, key string) time.Time {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(timestampLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
