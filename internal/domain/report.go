package domain

import (
	"time"
)

// ReportType selects the report subject and therefore the extraction
// strategy used for a job.
type ReportType string

const (
	ReportCampaign   ReportType = "campaign"
	ReportCreative   ReportType = "creative"
	ReportAdvertiser ReportType = "advertiser"
	ReportPlatform   ReportType = "platform"
)

// ReportTypes lists every supported report subject.
var ReportTypes = []ReportType{ReportCampaign, ReportCreative, ReportAdvertiser, ReportPlatform}

// Valid reports whether t is a supported report subject.
func (t ReportType) Valid() bool {
	for _, v := range ReportTypes {
		if v == t {
			return true
		}
	}
	return false
}

// JobStatus enumerates the lifecycle states of a report job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal returns true if no transition may leave the status.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ReapReason is the failure reason recorded when a stuck job is reaped.
const ReapReason = "timeout"

// Counters holds the raw, summable measurements of a statistic row.
type Counters struct {
	Impressions        int64   `json:"impressions"`
	Clicks             int64   `json:"clicks"`
	Conversions        int64   `json:"conversions"`
	Spend              float64 `json:"spend"`
	VideoStarts        int64   `json:"video_starts"`
	VideoFirstQuartile int64   `json:"video_first_quartile"`
	VideoMidpoint      int64   `json:"video_midpoint"`
	VideoThirdQuartile int64   `json:"video_third_quartile"`
	VideoCompletes     int64   `json:"video_completes"`
}

// Add accumulates o into c.
func (c *Counters) Add(o Counters) {
	c.Impressions += o.Impressions
	c.Clicks += o.Clicks
	c.Conversions += o.Conversions
	c.Spend += o.Spend
	c.VideoStarts += o.VideoStarts
	c.VideoFirstQuartile += o.VideoFirstQuartile
	c.VideoMidpoint += o.VideoMidpoint
	c.VideoThirdQuartile += o.VideoThirdQuartile
	c.VideoCompletes += o.VideoCompletes
}

// Value returns the named counter as a float64.
func (c Counters) Value(name string) (float64, bool) {
	switch name {
	case MetricImpressions:
		return float64(c.Impressions), true
	case MetricClicks:
		return float64(c.Clicks), true
	case MetricConversions:
		return float64(c.Conversions), true
	case MetricSpend:
		return c.Spend, true
	case MetricVideoStarts:
		return float64(c.VideoStarts), true
	case MetricVideoFirstQuartile:
		return float64(c.VideoFirstQuartile), true
	case MetricVideoMidpoint:
		return float64(c.VideoMidpoint), true
	case MetricVideoThirdQuartile:
		return float64(c.VideoThirdQuartile), true
	case MetricVideoCompletes:
		return float64(c.VideoCompletes), true
	}
	return 0, false
}

// Negative reports whether any counter is below zero.
func (c Counters) Negative() bool {
	return c.Impressions < 0 || c.Clicks < 0 || c.Conversions < 0 || c.Spend < 0 ||
		c.VideoStarts < 0 || c.VideoFirstQuartile < 0 || c.VideoMidpoint < 0 ||
		c.VideoThirdQuartile < 0 || c.VideoCompletes < 0
}

// StatRow is one pre-aggregated, time-partitioned performance record as
// returned by the statistics store. Rows are never mutated by the pipeline.
type StatRow struct {
	Date           time.Time `json:"date" db:"date"`
	AdvertiserID   int64     `json:"advertiser_id" db:"advertiser_id"`
	AdvertiserName string    `json:"advertiser_name,omitempty" db:"advertiser_name"`
	CampaignID     *int64    `json:"campaign_id,omitempty" db:"campaign_id"`
	CampaignName   string    `json:"campaign_name,omitempty" db:"campaign_name"`
	CreativeID     *int64    `json:"creative_id,omitempty" db:"creative_id"`
	CreativeName   string    `json:"creative_name,omitempty" db:"creative_name"`
	Counters
}

// ReportJob is the lifecycle record of one report request.
type ReportJob struct {
	ID                    string     `json:"id" db:"id"`
	Spec                  JobSpec    `json:"spec" db:"spec"`
	Status                JobStatus  `json:"status" db:"status"`
	ResultLocation        string     `json:"result_location,omitempty" db:"result_location"`
	Error                 string     `json:"error,omitempty" db:"error_message"`
	WorkerID              string     `json:"worker_id,omitempty" db:"worker_id"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty" db:"processing_started_at"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty" db:"processing_completed_at"`
}

// JobDescriptor is the public view of a job returned by submission and
// status queries.
type JobDescriptor struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	ReportType     string    `json:"report_type,omitempty"`
	Status         JobStatus `json:"status"`
	ResultLocation string    `json:"result_location,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Descriptor returns the public view of the job.
func (j *ReportJob) Descriptor() JobDescriptor {
	return JobDescriptor{
		ID:             j.ID,
		Name:           j.Spec.Name,
		ReportType:     string(j.Spec.ReportType),
		Status:         j.Status,
		ResultLocation: j.ResultLocation,
		Error:          j.Error,
		CreatedAt:      j.CreatedAt,
	}
}

// CustomMetricDef is a user-defined metric formula owned by an advertiser
// scope. AdvertiserID 0 means the metric is visible to every scope.
type CustomMetricDef struct {
	Name         string    `json:"name" db:"name"`
	Formula      string    `json:"formula" db:"formula"`
	AdvertiserID int64     `json:"advertiser_id" db:"advertiser_id"`
	Description  string    `json:"description,omitempty" db:"description"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
