package r2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	conf "github.com/trunov/webpconv/internal/config"
)

var ErrQueueFull = errors.New("upload queue is full")

// Uploader is the part of manager.Uploader the workers call.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type uploadReq struct {
	key      string
	fileType string
	payload  []byte

	onSuccess func()
}

// Mirror copies delivered files to an R2 bucket in the background.
type Mirror struct {
	Bucket string
	Prefix string

	Workers        int
	QueueSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration
	UploadTimeout  time.Duration

	Uploader Uploader

	queue chan uploadReq
	wg    sync.WaitGroup
}

// NewMirror builds the S3 client for the account's R2 endpoint and starts the worker pool.
func NewMirror(ctx context.Context, cfg conf.R2Config) (*Mirror, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretKey, "",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	m := &Mirror{
		Bucket:         cfg.BucketName,
		Prefix:         cfg.Prefix,
		Workers:        4,
		QueueSize:      256,
		MaxRetries:     3,
		RetryBaseDelay: 300 * time.Millisecond,
		UploadTimeout:  2 * time.Minute,
		Uploader:       manager.NewUploader(client),
	}
	m.Start()
	log.Printf("[r2] mirror to bucket %q started", m.Bucket)
	return m, nil
}

func (m *Mirror) Start() {
	m.queue = make(chan uploadReq, m.QueueSize)
	for i := 0; i < m.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Close waits for all queued uploads to finish.
func (m *Mirror) Close() {
	close(m.queue)
	m.wg.Wait()
}

// UploadWithHook queues an upload without blocking. If the queue is full it
// returns ErrQueueFull immediately.
func (m *Mirror) UploadWithHook(ctx context.Context, key, fileType string, payload []byte, onSuccess func()) error {
	req := uploadReq{key: path.Join(m.Prefix, key), fileType: fileType, payload: payload, onSuccess: onSuccess}
	select {
	case m.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (m *Mirror) worker() {
	defer m.wg.Done()
	for req := range m.queue {
		if err := m.upload(req); err != nil {
			log.Printf("[r2] mirror of %s failed: %v", req.key, err)
		}
	}
}

func (m *Mirror) upload(req uploadReq) error {
	var err error
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.UploadTimeout)
		_, err = m.Uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(m.Bucket),
			Key:         aws.String(req.key),
			Body:        bytes.NewReader(req.payload),
			ContentType: aws.String(req.fileType),
		})
		cancel()
		if err == nil {
			if req.onSuccess != nil {
				req.onSuccess()
			}
			return nil
		}
		if attempt > m.MaxRetries {
			return err
		}
		time.Sleep(m.backoffDelay(attempt))
	}
}

// backoffDelay doubles per attempt with +-10% jitter.
func (m *Mirror) backoffDelay(attempt int) time.Duration {
	delay := m.RetryBaseDelay << (attempt - 1)
	jitter := time.Duration(int64(delay) / 10)
	if jitter <= 0 {
		return delay
	}
	return delay - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
}
