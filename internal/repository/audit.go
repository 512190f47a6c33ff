package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"writeoff-bot/internal/domain"
)

const (
	pkPrefixUser = "USER#"
	skPrefixRec  = "REC#"

	// dateIndex is the GSI keyed by the formatted date label, used for the
	// daily report query.
	dateIndex = "date-index"
)

// dynamodbAPI is the minimal DynamoDB interface required by AuditStore.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// AuditStore is the append/update journal of every submitted operation,
// backed by a single DynamoDB table.
type AuditStore struct {
	api       dynamodbAPI
	tableName string
}

// NewAuditStore creates an AuditStore over the given table.
func NewAuditStore(api dynamodbAPI, tableName string) (*AuditStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &AuditStore{api: api, tableName: tableName}, nil
}

// userPK returns the partition key for a user's journal rows.
func userPK(userID string) string {
	return pkPrefixUser + userID
}

// recSK returns a sort key ordered by append time and disambiguated by a
// random suffix.
func recSK(ts time.Time, suffix string) string {
	return skPrefixRec + ts.UTC().Format(time.RFC3339Nano) + "#" + suffix
}

// dateLabelOf extracts the date half of a formatted timestamp label
// ("02.01.2006 15:04:05" -> "02.01.2006").
func dateLabelOf(timestamp string) string {
	if i := strings.IndexByte(timestamp, ' '); i > 0 {
		return timestamp[:i]
	}
	return timestamp
}

// Append writes a new journal row and returns its opaque handle. The row
// must not already exist; this is the log-before-act record created ahead
// of any ERP call.
func (s *AuditStore) Append(ctx context.Context, record domain.AuditRecord) (domain.RowRef, error) {
	if record.UserID == "" {
		return domain.RowRef{}, errors.New("repository: Append: user id is required")
	}

	ref := domain.RowRef{
		PK: userPK(record.UserID),
		SK: recSK(time.Now(), uuid.NewString()[:8]),
	}
	item, err := recordItem(ref, record)
	if err != nil {
		return domain.RowRef{}, fmt.Errorf("repository: Append encode: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.RowRef{}, fmt.Errorf("repository: Append: %w", err)
	}
	return ref, nil
}

// Update applies a partial update to an existing row. Nil fields in upd are
// left untouched; a record receives at most one such update after creation.
func (s *AuditStore) Update(ctx context.Context, ref domain.RowRef, upd domain.AuditUpdate) error {
	if ref.PK == "" || ref.SK == "" {
		return errors.New("repository: Update: row ref is required")
	}

	var sets []string
	names := map[string]string{}
	values := map[string]types.AttributeValue{}

	add := func(attr, placeholder string, v *string) {
		if v == nil {
			return
		}
		sets = append(sets, fmt.Sprintf("#%s = :%s", placeholder, placeholder))
		names["#"+placeholder] = attr
		values[":"+placeholder] = &types.AttributeValueMemberS{Value: *v}
	}
	add("docId", "docId", upd.DocID)
	add("docNumber", "docNumber", upd.DocNumber)
	add("status", "status", upd.Status)
	add("errorMessage", "errorMessage", upd.ErrorMsg)

	if len(sets) == 0 {
		return nil
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: ref.PK},
			"SK": &types.AttributeValueMemberS{Value: ref.SK},
		},
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(PK) AND attribute_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: Update: %w", err)
	}
	return nil
}

// QueryByUser returns the user's most recent rows, newest first.
func (s *AuditStore) QueryByUser(ctx context.Context, userID string, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixRec},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: QueryByUser: %w", err)
	}
	return itemsToRecords(out.Items)
}

// QueryByDatePrefix returns all rows stamped with the given date label,
// oldest first, via the date GSI.
func (s *AuditStore) QueryByDatePrefix(ctx context.Context, dateLabel string) ([]domain.AuditRecord, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(dateIndex),
		KeyConditionExpression: aws.String("dateLabel = :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberS{Value: dateLabel},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: QueryByDatePrefix: %w", err)
	}
	return itemsToRecords(out.Items)
}

func itemsToRecords(items []map[string]types.AttributeValue) ([]domain.AuditRecord, error) {
	records := make([]domain.AuditRecord, 0, len(items))
	for _, item := range items {
		rec, err := itemToRecord(item)
		if err != nil {
			return nil, fmt.Errorf("repository: unmarshal row: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func recordItem(ref domain.RowRef, record domain.AuditRecord) (map[string]types.AttributeValue, error) {
	itemsJSON, err := json.Marshal(record.Items)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: ref.PK},
		"SK":           &types.AttributeValueMemberS{Value: ref.SK},
		"timestamp":    &types.AttributeValueMemberS{Value: record.Timestamp},
		"dateLabel":    &types.AttributeValueMemberS{Value: dateLabelOf(record.Timestamp)},
		"kind":         &types.AttributeValueMemberS{Value: string(record.Kind)},
		"storeId":      &types.AttributeValueMemberS{Value: record.StoreID},
		"storeName":    &types.AttributeValueMemberS{Value: record.StoreName},
		"accountId":    &types.AttributeValueMemberS{Value: record.AccountID},
		"accountName":  &types.AttributeValueMemberS{Value: record.AccountName},
		"rawText":      &types.AttributeValueMemberS{Value: record.RawText},
		"items":        &types.AttributeValueMemberS{Value: string(itemsJSON)},
		"userId":       &types.AttributeValueMemberS{Value: record.UserID},
		"docId":        &types.AttributeValueMemberS{Value: record.DocID},
		"docNumber":    &types.AttributeValueMemberS{Value: record.DocNumber},
		"status":       &types.AttributeValueMemberS{Value: record.Status},
		"errorMessage": &types.AttributeValueMemberS{Value: record.ErrorMsg},
	}, nil
}

func itemToRecord(item map[string]types.AttributeValue) (domain.AuditRecord, error) {
	timestamp, err := strAttr(item, "timestamp")
	if err != nil {
		return domain.AuditRecord{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.AuditRecord{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.AuditRecord{}, err
	}

	rec := domain.AuditRecord{
		Timestamp: timestamp,
		UserID:    userID,
		Status:    status,
	}
	rec.Kind = domain.OperationKind(optStrAttr(item, "kind"))
	rec.StoreID = optStrAttr(item, "storeId")
	rec.StoreName = optStrAttr(item, "storeName")
	rec.AccountID = optStrAttr(item, "accountId")
	rec.AccountName = optStrAttr(item, "accountName")
	rec.RawText = optStrAttr(item, "rawText")
	rec.DocID = optStrAttr(item, "docId")
	rec.DocNumber = optStrAttr(item, "docNumber")
	rec.ErrorMsg = optStrAttr(item, "errorMessage")

	if raw := optStrAttr(item, "items"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Items); err != nil {
			return domain.AuditRecord{}, fmt.Errorf("decode items: %w", err)
		}
	}
	return rec, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}
