package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trunov/webpconv/internal/config"
)

// Worker consumes the intercept stream through a consumer group.
type Worker struct {
	rc      ClientSource
	cfg     config.QueueConfig
	handler Handler
}

func NewWorker(rc ClientSource, cfg config.QueueConfig, h Handler) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Worker{rc: rc, cfg: cfg, handler: h}
}

func (w *Worker) EnsureGroup(ctx context.Context) error {
	err := w.rc.Get().XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "$").Err()
	// BUSYGROUP means the group already exists
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (w *Worker) Start(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	log.Printf("[intercept-worker] starting consumer group=%s stream=%s workers=%d",
		w.cfg.Group, w.cfg.Stream, w.cfg.Workers,
	)

	// jobs left pending across a restart are acknowledged without running
	w.discardPending(ctx)

	errCh := make(chan error, w.cfg.Workers)
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		go func() {
			log.Printf("[intercept-worker] worker #%d started", id)
			err := w.loop(ctx)
			if err != nil {
				log.Printf("[intercept-worker] worker #%d stopped with error: %v", id, err)
			}
			errCh <- err
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker loop exited with error: %w", err)
		}
		return nil
	}
}

func (w *Worker) discardPending(ctx context.Context) {
	next := "0-0"
	for {
		msgs, start, err := w.rc.Get().XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			MinIdle:  w.blockTimeout() * 6,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil || len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			_ = w.rc.Get().XAck(ctx, w.cfg.Stream, w.cfg.Group, m.ID).Err()
		}
		log.Printf("[intercept-worker] discarded %d stale jobs", len(msgs))
		if start == "0-0" {
			return
		}
		next = start
	}
}

func (w *Worker) blockTimeout() time.Duration {
	if w.cfg.BlockTimeout <= 0 {
		return 5 * time.Second
	}
	return w.cfg.BlockTimeout * time.Second
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		streams, err := w.rc.Get().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    1,
			Block:    w.blockTimeout(),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[intercept-worker] read failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				w.handle(ctx, m)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, m redis.XMessage) {
	defer w.rc.Get().XAck(ctx, w.cfg.Stream, w.cfg.Group, m.ID)

	job, err := decodeJob(m)
	if err != nil {
		log.Printf("[intercept-worker] dropping message %s: %v", m.ID, err)
		return
	}
	if err := w.handler(ctx, job); err != nil {
		log.Printf("[intercept-worker] job for %s failed: %v", job.SourceURL, err)
	}
}

func decodeJob(m redis.XMessage) (InterceptJob, error) {
	var job InterceptJob
	raw, ok := m.Values["payload"].(string)
	if !ok {
		return job, errors.New("missing payload")
	}
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return job, fmt.Errorf("decode payload: %w", err)
	}
	return job, nil
}
