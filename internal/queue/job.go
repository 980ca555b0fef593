package queue

import (
	"context"
	"errors"

	"github.com/trunov/webpconv/internal/entities"
)

var ErrQueueFull = errors.New("intercept queue is full")

// InterceptJob is the replacement conversion for a cancelled download.
// Filename is derived before the job is queued.
type InterceptJob struct {
	DownloadID int             `json:"download_id"`
	SourceURL  string          `json:"source_url"`
	Format     entities.Format `json:"format"`
	Filename   string          `json:"filename"`
}

// Handler runs one job. Jobs are not retried.
type Handler func(ctx context.Context, job InterceptJob) error

// Enqueuer accepts jobs without blocking the caller.
type Enqueuer interface {
	Enqueue(ctx context.Context, job InterceptJob) error
}
