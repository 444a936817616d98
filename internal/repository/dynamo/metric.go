package dynamo

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/ignite/adreport/internal/domain"
)

type metricItem struct {
	ID           string `dynamodbav:"id"`
	Name         string `dynamodbav:"name"`
	Formula      string `dynamodbav:"formula"`
	AdvertiserID int64  `dynamodbav:"advertiser_id"`
	Description  string `dynamodbav:"description,omitempty"`
	CreatedAt    string `dynamodbav:"created_at"`
}

// MetricRepo persists custom metric definitions in a DynamoDB table keyed
// by "id", which is "<advertiser_id>#<name>". Saving an existing scope and
// name replaces it.
type MetricRepo struct {
	client DynamoAPI
	table  string
}

// NewMetricRepo creates a DynamoDB-backed custom metric store.
func NewMetricRepo(client DynamoAPI, table string) *MetricRepo {
	return &MetricRepo{client: client, table: table}
}

func metricID(advertiserID int64, name string) string {
	return fmt.Sprintf("%d#%s", advertiserID, name)
}

func (r *MetricRepo) SaveCustomMetric(ctx context.Context, def domain.CustomMetricDef) error {
	av, err := attributevalue.MarshalMap(metricItem{
		ID:           metricID(def.AdvertiserID, def.Name),
		Name:         def.Name,
		Formula:      def.Formula,
		AdvertiserID: def.AdvertiserID,
		Description:  def.Description,
		CreatedAt:    formatTime(def.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("marshaling custom metric: %w", err)
	}
	if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("saving custom metric %s: %w", def.Name, err)
	}
	return nil
}

// ListCustomMetrics returns every definition ordered by scope, then name.
func (r *MetricRepo) ListCustomMetrics(ctx context.Context) ([]domain.CustomMetricDef, error) {
	var (
		out   []domain.CustomMetricDef
		start map[string]types.AttributeValue
	)
	for {
		page, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(r.table),
			ExclusiveStartKey: start,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scanning custom metrics: %w", err)
		}
		var items []metricItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshaling custom metrics: %w", err)
		}
		for _, it := range items {
			def := domain.CustomMetricDef{
				Name:         it.Name,
				Formula:      it.Formula,
				AdvertiserID: it.AdvertiserID,
				Description:  it.Description,
			}
			created, err := parseTime(it.CreatedAt)
			if err != nil {
				return nil, fmt.Errorf("custom metric %s: %w", it.ID, err)
			}
			if created != nil {
				def.CreatedAt = *created
			}
			out = append(out, def)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		start = page.LastEvaluatedKey
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].AdvertiserID != out[k].AdvertiserID {
			return out[i].AdvertiserID < out[k].AdvertiserID
		}
		return out[i].Name < out[k].Name
	})
	return out, nil
}
