package jobs

import (
	"context"
	"time"

	"github.com/clinsynth/cohortgen/internal/cohort"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeGenerateCohort represents a synthetic cohort generation job.
	JobTypeGenerateCohort JobType = "generate_cohort"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// GenerateCohortJob represents one asynchronous cohort generation run.
type GenerateCohortJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// Request is the full run request the worker hands to the generator.
	// It is never serialized into API responses; document bytes can be large.
	Request *cohort.RunRequest `json:"-"`

	// ICDCode and Diagnosis mirror the request for status listings.
	ICDCode   string `json:"icd10_code"`
	Diagnosis string `json:"diagnosis"`
	N         int    `json:"n_requested"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the job started processing.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the job completed (success or failure).
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	// RunID and ArchivePath are set once the run succeeds.
	RunID       string `json:"run_id,omitempty"`
	ArchivePath string `json:"-"`

	// ArchiveURL is set when the archive was uploaded to remote storage.
	ArchiveURL string `json:"archive_url,omitempty"`

	// EstimatedCostUSD is the completion cost of a successful run.
	EstimatedCostUSD *float64 `json:"estimated_cost_usd,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the maximum number of retries allowed. Generation jobs
	// default to zero: a rerun bills tokens again, and transient transport
	// failures are already retried inside the pipeline.
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	// GetID returns the unique job identifier.
	GetID() string

	// GetType returns the job type.
	GetType() JobType

	// GetStatus returns the current job status.
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *GenerateCohortJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *GenerateCohortJob) GetType() JobType {
	return JobTypeGenerateCohort
}

// GetStatus implements the Job interface.
func (j *GenerateCohortJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher defines the interface for publishing jobs to a queue.
// This abstraction allows for different queue implementations (in-memory, Cloud Tasks, Pub/Sub).
type Publisher interface {
	// PublishGenerateCohort publishes a cohort generation job.
	PublishGenerateCohort(ctx context.Context, job *GenerateCohortJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job.
// It should return an error if the job failed and should be retried.
type JobHandler func(ctx context.Context, job Job) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *GenerateCohortJob) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*GenerateCohortJob, error)

	// ListJobs retrieves jobs with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*GenerateCohortJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// ICDCode filters jobs by the requested diagnosis code.
	ICDCode string

	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
