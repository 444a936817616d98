// Package dynamo implements the report job repository on DynamoDB. Each job
// is one item keyed by id; every transition is an UpdateItem guarded by a
// ConditionExpression on the current status.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/service/report"
)

// DynamoAPI is the subset of the DynamoDB client used by JobRepo.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// timeLayout is fixed width so stored timestamps compare lexically in
// condition expressions.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type jobItem struct {
	ID             string `dynamodbav:"id"`
	AdvertiserID   int64  `dynamodbav:"advertiser_id"`
	ReportType     string `dynamodbav:"report_type"`
	Spec           string `dynamodbav:"spec"`
	Status         string `dynamodbav:"status"`
	ResultLocation string `dynamodbav:"result_location,omitempty"`
	Error          string `dynamodbav:"error_message,omitempty"`
	WorkerID       string `dynamodbav:"worker_id,omitempty"`
	CreatedAt      string `dynamodbav:"created_at"`
	StartedAt      string `dynamodbav:"processing_started_at,omitempty"`
	CompletedAt    string `dynamodbav:"processing_completed_at,omitempty"`
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toItem(j *domain.ReportJob) (jobItem, error) {
	spec, err := json.Marshal(j.Spec)
	if err != nil {
		return jobItem{}, fmt.Errorf("encode spec: %w", err)
	}
	it := jobItem{
		ID:             j.ID,
		AdvertiserID:   j.Spec.AdvertiserID,
		ReportType:     string(j.Spec.ReportType),
		Spec:           string(spec),
		Status:         string(j.Status),
		ResultLocation: j.ResultLocation,
		Error:          j.Error,
		WorkerID:       j.WorkerID,
		CreatedAt:      formatTime(j.CreatedAt),
	}
	if j.ProcessingStartedAt != nil {
		it.StartedAt = formatTime(*j.ProcessingStartedAt)
	}
	if j.ProcessingCompletedAt != nil {
		it.CompletedAt = formatTime(*j.ProcessingCompletedAt)
	}
	return it, nil
}

func (it jobItem) job() (*domain.ReportJob, error) {
	j := &domain.ReportJob{
		ID:             it.ID,
		Status:         domain.JobStatus(it.Status),
		ResultLocation: it.ResultLocation,
		Error:          it.Error,
		WorkerID:       it.WorkerID,
	}
	if err := json.Unmarshal([]byte(it.Spec), &j.Spec); err != nil {
		return nil, fmt.Errorf("decode spec of job %s: %w", it.ID, err)
	}
	created, err := parseTime(it.CreatedAt)
	if err != nil {
		return nil, err
	}
	if created != nil {
		j.CreatedAt = *created
	}
	if j.ProcessingStartedAt, err = parseTime(it.StartedAt); err != nil {
		return nil, err
	}
	if j.ProcessingCompletedAt, err = parseTime(it.CompletedAt); err != nil {
		return nil, err
	}
	return j, nil
}

// JobRepo implements report.Repository on a DynamoDB table whose partition
// key is the string attribute "id".
type JobRepo struct {
	client DynamoAPI
	table  string
}

// NewJobRepo creates a DynamoDB-backed job repository.
func NewJobRepo(client DynamoAPI, table string) *JobRepo {
	return &JobRepo{client: client, table: table}
}

// NewClient builds a DynamoDB client from a resolved AWS config.
func NewClient(cfg aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg)
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (r *JobRepo) Create(ctx context.Context, job *domain.ReportJob) error {
	it, err := toItem(job)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err != nil {
		return fmt.Errorf("putting job to DynamoDB: %w", err)
	}
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.ReportJob, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting job from DynamoDB: %w", err)
	}
	if out.Item == nil {
		return nil, domain.ErrNotFound
	}
	var it jobItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	return it.job()
}

// transition applies set when the item's status equals expect and, if
// before is non-nil, processing started before it. Attribute names double as
// value placeholders.
func (r *JobRepo) transition(ctx context.Context, id string, expect domain.JobStatus, before *time.Time, set map[string]string) (bool, error) {
	attrs := make([]string, 0, len(set))
	for attr := range set {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	names := map[string]string{"#status": "status"}
	values := map[string]types.AttributeValue{":expect": str(string(expect))}
	assignments := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		names["#"+attr] = attr
		values[":"+attr] = str(set[attr])
		assignments = append(assignments, "#"+attr+" = :"+attr)
	}
	condition := "attribute_exists(id) AND #status = :expect"
	if before != nil {
		names["#processing_started_at"] = "processing_started_at"
		values[":before"] = str(formatTime(*before))
		condition += " AND #processing_started_at < :before"
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       key(id),
		UpdateExpression:          aws.String("SET " + strings.Join(assignments, ", ")),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("updating job in DynamoDB: %w", err)
	}
	return true, nil
}

func (r *JobRepo) Claim(ctx context.Context, id, workerID string, at time.Time) (bool, error) {
	ok, err := r.transition(ctx, id, domain.JobPending, nil, map[string]string{
		"status":                string(domain.JobProcessing),
		"worker_id":             workerID,
		"processing_started_at": formatTime(at),
	})
	if err != nil || ok {
		return ok, err
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *JobRepo) Complete(ctx context.Context, id, location string, at time.Time) error {
	ok, err := r.transition(ctx, id, domain.JobProcessing, nil, map[string]string{
		"status":                  string(domain.JobCompleted),
		"result_location":         location,
		"processing_completed_at": formatTime(at),
	})
	return r.settled(ctx, id, ok, err)
}

func (r *JobRepo) Fail(ctx context.Context, id, reason string, at time.Time) error {
	ok, err := r.transition(ctx, id, domain.JobProcessing, nil, map[string]string{
		"status":                  string(domain.JobFailed),
		"error_message":           reason,
		"processing_completed_at": formatTime(at),
	})
	return r.settled(ctx, id, ok, err)
}

func (r *JobRepo) settled(ctx context.Context, id string, ok bool, err error) error {
	if err != nil || ok {
		return err
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is not processing", domain.ErrInvalidTransition, id)
}

func (r *JobRepo) Reap(ctx context.Context, id string, startedBefore, at time.Time) (bool, error) {
	return r.transition(ctx, id, domain.JobProcessing, &startedBefore, map[string]string{
		"status":                  string(domain.JobFailed),
		"error_message":           domain.ReapReason,
		"processing_completed_at": formatTime(at),
	})
}

// scan reads every item of the table. Filtering happens client side; a
// FilterExpression would consume the same read capacity.
func (r *JobRepo) scan(ctx context.Context) ([]*domain.ReportJob, error) {
	var (
		out   []*domain.ReportJob
		start map[string]types.AttributeValue
	)
	for {
		page, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(r.table),
			ExclusiveStartKey: start,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scanning jobs: %w", err)
		}
		var items []jobItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshaling jobs: %w", err)
		}
		for _, it := range items {
			j, err := it.job()
			if err != nil {
				return nil, err
			}
			out = append(out, j)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func (r *JobRepo) List(ctx context.Context, f report.ListFilter) ([]domain.ReportJob, int, error) {
	all, err := r.scan(ctx)
	if err != nil {
		return nil, 0, err
	}
	var out []domain.ReportJob
	for _, j := range all {
		if f.AdvertiserID != 0 && j.Spec.AdvertiserID != f.AdvertiserID {
			continue
		}
		if f.Status != "" && string(j.Status) != f.Status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })

	total := len(out)
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(out) || f.Limit <= 0 {
		end = len(out)
	}
	return out[f.Offset:end], total, nil
}

func (r *JobRepo) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]string, error) {
	return r.ids(ctx, limit, func(j *domain.ReportJob) (time.Time, bool) {
		if j.Status != domain.JobProcessing || j.ProcessingStartedAt == nil || !j.ProcessingStartedAt.Before(startedBefore) {
			return time.Time{}, false
		}
		return *j.ProcessingStartedAt, true
	})
}

func (r *JobRepo) ListPending(ctx context.Context, limit int) ([]string, error) {
	return r.ids(ctx, limit, func(j *domain.ReportJob) (time.Time, bool) {
		return j.CreatedAt, j.Status == domain.JobPending
	})
}

// ids returns matching job ids ordered by the time match reports.
func (r *JobRepo) ids(ctx context.Context, limit int, match func(*domain.ReportJob) (time.Time, bool)) ([]string, error) {
	all, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	type hit struct {
		id string
		at time.Time
	}
	var hits []hit
	for _, j := range all {
		if at, ok := match(j); ok {
			hits = append(hits, hit{j.ID, at})
		}
	}
	sort.Slice(hits, func(i, k int) bool { return hits[i].at.Before(hits[k].at) })
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, h.id)
	}
	return ids, nil
}
