package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Local is an in-process queue drained by a fixed pool of workers.
type Local struct {
	jobs    chan InterceptJob
	workers int
	wg      sync.WaitGroup
}

func NewLocal(buffer, workers int) *Local {
	if buffer <= 0 {
		buffer = 64
	}
	if workers <= 0 {
		workers = 1
	}
	return &Local{jobs: make(chan InterceptJob, buffer), workers: workers}
}

// Enqueue never blocks. A full buffer yields ErrQueueFull so the caller can
// leave the original download alone.
func (q *Local) Enqueue(ctx context.Context, job InterceptJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Start runs the workers until ctx is done. Queued jobs are dropped on shutdown.
func (q *Local) Start(ctx context.Context, h Handler) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		id := i
		go func() {
			defer q.wg.Done()
			log.Printf("[intercept-queue] worker #%d started", id)
			for {
				select {
				case <-ctx.Done():
					log.Printf("[intercept-queue] worker #%d stopped", id)
					return
				case job := <-q.jobs:
					if err := h(ctx, job); err != nil {
						log.Printf("[intercept-queue] job for %s failed: %v", job.SourceURL, err)
					}
				}
			}
		}()
	}
}

func (q *Local) Wait() { q.wg.Wait() }

func (q *Local) Len() int { return len(q.jobs) }

// ClientSource hands out the current Redis client.
type ClientSource interface {
	Get() redis.UniversalClient
}

// StreamProducer appends jobs to a Redis stream consumed by Worker.
type StreamProducer struct {
	r      ClientSource
	stream string
	maxLen int64
}

func NewStreamProducer(r ClientSource, stream string, maxLen int64) *StreamProducer {
	return &StreamProducer{r: r, stream: stream, maxLen: maxLen}
}

func (p *StreamProducer) Enqueue(ctx context.Context, job InterceptJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return p.r.Get().XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(raw)},
	}).Err()
}
