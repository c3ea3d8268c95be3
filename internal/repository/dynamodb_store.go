// Package repository is the persistent conversation store, backed by a
// single DynamoDB table. It implements the same conversation.Store contract
// as the in-memory store, so history survives process restarts when the
// deployment opts in.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store keeps one item per completed turn under PK USER#<id>, plus a META#
// record carrying conversation aggregates. Turn sort keys are RFC3339Nano
// timestamps, so a forward query returns conversational order.
type Store struct {
	api   dynamodbAPI
	table string
	ttl   time.Duration // 0 disables item expiry
	now   func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithItemTTL sets the DynamoDB TTL horizon written on every item. Zero
// leaves the ttl attribute off, keeping history indefinitely.
func WithItemTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		s.ttl = d
	}
}

// New creates a Store over the given table.
func New(api dynamodbAPI, table string, opts ...StoreOption) (*Store, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	s := &Store{api: api, table: table, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// userPK returns the partition key for a user's conversation.
func userPK(userID string) string {
	return "USER#" + userID
}

// turnSK returns the sort key for a turn completed at ts.
func turnSK(ts time.Time) string {
	return skPrefixTurn + ts.UTC().Format(time.RFC3339Nano)
}

// History queries all TURN# items for a user in chronological order.
func (s *Store) History(ctx context.Context, userID string) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	turns := make([]domain.Turn, 0)
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: History query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: History decode: %w", err)
			}
			turns = append(turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return turns, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// AppendTurn writes the turn item and updates the conversation metadata in
// one transaction. The turn item's condition guards against sort-key
// collisions; the metadata update bumps the turn counter and stamps
// startedAt only on first sight.
func (s *Store) AppendTurn(ctx context.Context, userID string, turn domain.Turn) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("repository: AppendTurn: user ID is required")
	}
	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339)

	metaUpdate := "SET lastActivity = :now, startedAt = if_not_exists(startedAt, :now) ADD turns :one"
	metaValues := map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberS{Value: nowStr},
		":one": &types.AttributeValueMemberN{Value: "1"},
	}
	if s.ttl > 0 {
		metaUpdate = "SET lastActivity = :now, startedAt = if_not_exists(startedAt, :now), expiresAt = :expiry ADD turns :one"
		metaValues[":expiry"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(s.ttl).Unix())}
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.table),
					Item:                s.turnItem(userID, turn, now),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(s.table),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression:          aws.String(metaUpdate),
					ExpressionAttributeValues: metaValues,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// turnItem builds the DynamoDB item for one completed turn.
func (s *Store) turnItem(userID string, turn domain.Turn, ts time.Time) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":       &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK":       &types.AttributeValueMemberS{Value: turnSK(ts)},
		"userId":   &types.AttributeValueMemberS{Value: userID},
		"prompt":   &types.AttributeValueMemberS{Value: turn.Prompt},
		"response": &types.AttributeValueMemberS{Value: turn.Response},
	}
	if s.ttl > 0 {
		expiry := ts.Add(s.ttl).Unix()
		item["expiresAt"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiry)}
	}
	return item
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	prompt, err := strAttr(item, "prompt")
	if err != nil {
		return domain.Turn{}, err
	}
	response, err := strAttr(item, "response")
	if err != nil {
		return domain.Turn{}, err
	}
	return domain.Turn{Prompt: prompt, Response: response}, nil
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
