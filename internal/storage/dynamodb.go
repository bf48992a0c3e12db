package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/media-pipeline/pkg/models"
)

// Single-table key scheme
const (
	skMetadata       = "METADATA"
	skRenditionPref  = "RENDITION#"
	skViewPrefix     = "VIEW#"
	gsiAllVideos     = "ALL_VIDEOS"
	gsiAllViews      = "ALL_VIEWS"
	gsiIndexName     = "GSI1"
	maxBatchWrite    = 25
	maxBatchAttempts = 5
)

// liveVideo matches a video item that exists and is not being deleted.
const liveVideo = "attribute_exists(pk) AND attribute_not_exists(deleting)"

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// videoItem is a video as stored in the table.
type videoItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	GSI1PK string `dynamodbav:"gsi1pk"`
	GSI1SK string `dynamodbav:"gsi1sk"`
	models.Video
}

type renditionItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	models.Rendition
}

type viewItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	GSI1PK string `dynamodbav:"gsi1pk"`
	GSI1SK string `dynamodbav:"gsi1sk"`
	models.ViewEvent
}

// DynamoStore is a RecordStore over a single DynamoDB table. Renditions and
// view events live in the video's partition so a delete can cascade.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore creates a DynamoStore over tableName.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func videoPK(videoID string) string {
	return fmt.Sprintf("VIDEO#%s", videoID)
}

func videoKey(videoID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: videoPK(videoID)},
		"sk": &types.AttributeValueMemberS{Value: skMetadata},
	}
}

func viewSK(day, viewerKey string) string {
	return fmt.Sprintf("%s%s#%s", skViewPrefix, day, viewerKey)
}

func newVideoItem(v *models.Video) videoItem {
	return videoItem{
		PK:     videoPK(v.ID),
		SK:     skMetadata,
		GSI1PK: gsiAllVideos,
		GSI1SK: fmt.Sprintf("%s#%s", v.CreatedAt.UTC().Format(time.RFC3339Nano), v.ID),
		Video:  *v,
	}
}

// CreateVideo creates a new video record.
func (s *DynamoStore) CreateVideo(ctx context.Context, video *models.Video) error {
	item, err := attributevalue.MarshalMap(newVideoItem(video))
	if err != nil {
		return fmt.Errorf("failed to marshal video: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: %s", ErrVideoExists, video.ID)
		}
		return fmt.Errorf("failed to create video: %w", err)
	}

	return nil
}

// GetVideo retrieves a video by ID.
func (s *DynamoStore) GetVideo(ctx context.Context, videoID string) (*models.Video, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            videoKey(videoID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrVideoNotFound
	}

	var item videoItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal video: %w", err)
	}
	if item.Deleting {
		return nil, models.ErrVideoNotFound
	}

	return &item.Video, nil
}

// UpdateVideo applies a partial update to an existing video.
func (s *DynamoStore) UpdateVideo(ctx context.Context, videoID string, patch models.VideoPatch) (*models.Video, error) {
	update, err := s.buildUpdate(videoID, patchFields(patch), liveVideo)
	if err != nil {
		return nil, err
	}

	result, err := s.client.UpdateItem(ctx, update)
	if err != nil {
		if isConditionFailed(err) {
			return nil, models.ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to update video: %w", err)
	}

	return unmarshalVideo(result.Attributes)
}

// TransitionVideo moves a video from one status to another, failing with
// ErrInvalidState when the stored status is not from.
func (s *DynamoStore) TransitionVideo(ctx context.Context, videoID string, from, to models.VideoStatus, patch models.VideoPatch) (*models.Video, error) {
	fields := patchFields(patch)
	fields["status"] = string(to)

	update, err := s.buildUpdate(videoID, fields, liveVideo+" AND #status = :expected_status")
	if err != nil {
		return nil, err
	}
	update.ExpressionAttributeNames["#status"] = "status"
	update.ExpressionAttributeValues[":expected_status"] = &types.AttributeValueMemberS{Value: string(from)}

	result, err := s.client.UpdateItem(ctx, update)
	if err != nil {
		if isConditionFailed(err) {
			current, getErr := s.GetVideo(ctx, videoID)
			if getErr != nil {
				return nil, getErr
			}
			return nil, fmt.Errorf("%w: video %s is %s, expected %s", models.ErrInvalidState, videoID, current.Status, from)
		}
		return nil, fmt.Errorf("failed to transition video: %w", err)
	}

	return unmarshalVideo(result.Attributes)
}

// buildUpdate renders fields as a SET expression. Attribute names are
// aliased so reserved words such as status and title are safe.
func (s *DynamoStore) buildUpdate(videoID string, fields map[string]any, condition string) (*dynamodb.UpdateItemInput, error) {
	fields["updated_at"] = s.now()

	names := make(map[string]string, len(fields))
	values := make(map[string]types.AttributeValue, len(fields))
	expr := "SET "

	for i, name := range slices.Sorted(maps.Keys(fields)) {
		av, err := attributevalue.Marshal(fields[name])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", name, err)
		}
		alias := "#f" + strconv.Itoa(i)
		placeholder := ":v" + strconv.Itoa(i)
		names[alias] = name
		values[placeholder] = av
		if i > 0 {
			expr += ", "
		}
		expr += alias + " = " + placeholder
	}

	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       videoKey(videoID),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	}, nil
}

// IncrementCounter atomically adds delta to a counter and returns the new value.
func (s *DynamoStore) IncrementCounter(ctx context.Context, videoID string, counter models.Counter, delta int64) (int64, error) {
	if !counter.IsValid() {
		return 0, fmt.Errorf("%w: %s", models.ErrInvalidCounter, counter)
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              videoKey(videoID),
		UpdateExpression: aws.String("ADD #counter :delta SET updated_at = :updated_at"),
		ExpressionAttributeNames: map[string]string{
			"#counter": string(counter),
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":delta":      &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
			":updated_at": &types.AttributeValueMemberS{Value: s.now().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String(liveVideo),
		ReturnValues:        types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return 0, models.ErrVideoNotFound
		}
		return 0, fmt.Errorf("failed to increment %s: %w", counter, err)
	}

	n, ok := result.Attributes[string(counter)].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("missing %s in update result", counter)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

// BeginDelete flags the video as being deleted and returns it. Calling it
// again on a flagged video is harmless.
func (s *DynamoStore) BeginDelete(ctx context.Context, videoID string) (*models.Video, error) {
	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              videoKey(videoID),
		UpdateExpression: aws.String("SET deleting = :deleting, updated_at = :updated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":deleting":   &types.AttributeValueMemberBOOL{Value: true},
			":updated_at": &types.AttributeValueMemberS{Value: s.now().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ReturnValues:        types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, models.ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to mark video deleting: %w", err)
	}

	return unmarshalVideo(result.Attributes)
}

// DeleteVideo removes the video with its renditions and view events.
func (s *DynamoStore) DeleteVideo(ctx context.Context, videoID string) error {
	ctx, span := tracer.Start(ctx, "dynamodb-delete-video")
	defer span.End()

	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: videoPK(videoID)},
		},
		ProjectionExpression: aws.String("pk, sk"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to load video items: %w", err)
	}
	if len(items) == 0 {
		return models.ErrVideoNotFound
	}

	// Children first so a partial failure never leaves rows without a parent.
	slices.SortStableFunc(items, func(a, b map[string]types.AttributeValue) int {
		return metadataLast(a) - metadataLast(b)
	})

	for chunk := range slices.Chunk(items, maxBatchWrite) {
		requests := make([]types.WriteRequest, len(chunk))
		for i, item := range chunk {
			requests[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{"pk": item["pk"], "sk": item["sk"]},
			}}
		}
		if err := s.batchWrite(ctx, requests); err != nil {
			return err
		}
	}

	return nil
}

func metadataLast(item map[string]types.AttributeValue) int {
	if sk, ok := item["sk"].(*types.AttributeValueMemberS); ok && sk.Value == skMetadata {
		return 1
	}
	return 0
}

func (s *DynamoStore) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.tableName: requests}

	for attempt := 0; attempt < maxBatchAttempts; attempt++ {
		result, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return fmt.Errorf("failed to batch write: %w", err)
		}
		if len(result.UnprocessedItems[s.tableName]) == 0 {
			return nil
		}
		pending = result.UnprocessedItems

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(50*(attempt+1)) * time.Millisecond):
		}
	}

	return fmt.Errorf("failed to batch write: %d items unprocessed", len(pending[s.tableName]))
}

// ListVideos loads the video index and filters, sorts and pages in memory.
func (s *DynamoStore) ListVideos(ctx context.Context, filter models.VideoFilter, page models.Page) (*models.VideoPage, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(gsiIndexName),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: gsiAllVideos},
		},
		ScanIndexForward: aws.Bool(false), // Descending order (newest first)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}

	var rows []videoItem
	if err := attributevalue.UnmarshalListOfMaps(items, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal videos: %w", err)
	}

	videos := make([]models.Video, len(rows))
	for i := range rows {
		videos[i] = rows[i].Video
	}

	return paginateVideos(videos, filter, page), nil
}

// PutRendition stores a rendition, replacing any earlier one at the same
// quality. The write is conditioned on the parent video still being live.
func (s *DynamoStore) PutRendition(ctx context.Context, rendition *models.Rendition) error {
	item, err := attributevalue.MarshalMap(renditionItem{
		PK:        videoPK(rendition.VideoID),
		SK:        skRenditionPref + rendition.Quality,
		Rendition: *rendition,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal rendition: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(s.tableName),
				Key:                 videoKey(rendition.VideoID),
				ConditionExpression: aws.String(liveVideo),
			}},
			{Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item:      item,
			}},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return models.ErrVideoNotFound
		}
		return fmt.Errorf("failed to put rendition: %w", err)
	}

	return nil
}

// ListRenditions returns the renditions of a video ordered by quality label.
func (s *DynamoStore) ListRenditions(ctx context.Context, videoID string) ([]models.Rendition, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: videoPK(videoID)},
			":prefix": &types.AttributeValueMemberS{Value: skRenditionPref},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list renditions: %w", err)
	}

	var rows []renditionItem
	if err := attributevalue.UnmarshalListOfMaps(items, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal renditions: %w", err)
	}

	result := make([]models.Rendition, len(rows))
	for i := range rows {
		result[i] = rows[i].Rendition
	}
	return result, nil
}

// UpsertDailyView creates the viewer's event for the day, or widens the
// existing one. The boolean reports whether a new event was created; only
// then is the video's view_count raised, in the same transaction.
func (s *DynamoStore) UpsertDailyView(ctx context.Context, event *models.ViewEvent) (*models.ViewEvent, bool, error) {
	ctx, span := tracer.Start(ctx, "dynamodb-upsert-view")
	defer span.End()

	sk := viewSK(event.Day, event.ViewerKey)
	item, err := attributevalue.MarshalMap(viewItem{
		PK:        videoPK(event.VideoID),
		SK:        sk,
		GSI1PK:    gsiAllViews,
		GSI1SK:    fmt.Sprintf("%s#%s#%s", event.Day, event.VideoID, event.ViewerKey),
		ViewEvent: *event,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal view: %w", err)
	}

	// The counted parent and the create-if-absent put commit together.
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &types.Update{
				TableName:        aws.String(s.tableName),
				Key:              videoKey(event.VideoID),
				UpdateExpression: aws.String("ADD view_count :one SET updated_at = :updated_at"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":one":        &types.AttributeValueMemberN{Value: "1"},
					":updated_at": &types.AttributeValueMemberS{Value: s.now().Format(time.RFC3339Nano)},
				},
				ConditionExpression: aws.String(liveVideo),
			}},
			{Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
		},
	})
	if err == nil {
		created := *event
		return &created, true, nil
	}

	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return nil, false, fmt.Errorf("failed to create view: %w", err)
	}
	if reasonFailed(canceled, 0) {
		return nil, false, models.ErrVideoNotFound
	}
	if !reasonFailed(canceled, 1) {
		return nil, false, fmt.Errorf("failed to create view: %w", err)
	}

	key := map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: videoPK(event.VideoID)},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}

	// DynamoDB has no max(); each widening is a conditional set that only
	// succeeds when it raises the stored value.
	for attr, value := range map[string]float64{
		"watch_duration":        event.WatchDuration,
		"completion_percentage": event.CompletionPercentage,
	} {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.tableName),
			Key:                 key,
			UpdateExpression:    aws.String("SET #attr = :value, updated_at = :updated_at"),
			ConditionExpression: aws.String("#attr < :value"),
			ExpressionAttributeNames: map[string]string{
				"#attr": attr,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":value":      &types.AttributeValueMemberN{Value: strconv.FormatFloat(value, 'f', -1, 64)},
				":updated_at": &types.AttributeValueMemberS{Value: event.UpdatedAt.UTC().Format(time.RFC3339Nano)},
			},
		})
		if err != nil && !isConditionFailed(err) {
			return nil, false, fmt.Errorf("failed to merge view: %w", err)
		}
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to reload view: %w", err)
	}
	if result.Item == nil {
		// Deleted between the merge and the read.
		return nil, false, models.ErrVideoNotFound
	}

	var merged viewItem
	if err := attributevalue.UnmarshalMap(result.Item, &merged); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal view: %w", err)
	}
	return &merged.ViewEvent, false, nil
}

// ListViewEvents returns a video's view events from sinceDay onwards.
func (s *DynamoStore) ListViewEvents(ctx context.Context, videoID, sinceDay string) ([]models.ViewEvent, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND sk BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: videoPK(videoID)},
			":from": &types.AttributeValueMemberS{Value: skViewPrefix + sinceDay},
			":to":   &types.AttributeValueMemberS{Value: skViewPrefix + "~"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}

	var rows []viewItem
	if err := attributevalue.UnmarshalListOfMaps(items, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal views: %w", err)
	}

	result := make([]models.ViewEvent, len(rows))
	for i := range rows {
		result[i] = rows[i].ViewEvent
	}
	sortViewEvents(result)
	return result, nil
}

// CountViewsSince counts view events per video from sinceDay onwards.
func (s *DynamoStore) CountViewsSince(ctx context.Context, sinceDay string) (map[string]int64, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(gsiIndexName),
		KeyConditionExpression: aws.String("gsi1pk = :pk AND gsi1sk >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: gsiAllViews},
			":since": &types.AttributeValueMemberS{Value: sinceDay},
		},
		ProjectionExpression: aws.String("video_id"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count views: %w", err)
	}

	counts := make(map[string]int64)
	for _, item := range items {
		if id, ok := item["video_id"].(*types.AttributeValueMemberS); ok {
			counts[id.Value]++
		}
	}
	return counts, nil
}

// queryAll follows LastEvaluatedKey until the query is exhausted.
func (s *DynamoStore) queryAll(ctx context.Context, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)
		if len(result.LastEvaluatedKey) == 0 {
			return items, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

func unmarshalVideo(attrs map[string]types.AttributeValue) (*models.Video, error) {
	var item videoItem
	if err := attributevalue.UnmarshalMap(attrs, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal video: %w", err)
	}
	return &item.Video, nil
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

// reasonFailed reports whether transaction item i failed its condition.
func reasonFailed(err *types.TransactionCanceledException, i int) bool {
	if i >= len(err.CancellationReasons) {
		return false
	}
	code := aws.ToString(err.CancellationReasons[i].Code)
	return code == "ConditionalCheckFailed"
}
