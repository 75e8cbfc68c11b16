package eventlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the credentials and location for archive uploads.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
}

// IsConfigured reports whether uploads can be attempted.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

const (
	// DefaultRotateInterval is how often the event log is rotated and
	// shipped off-box.
	DefaultRotateInterval = 24 * time.Hour
	// MaxUploadRetryAge is how long a failed archive upload keeps being
	// retried before it is abandoned.
	MaxUploadRetryAge = 24 * time.Hour

	uploadTimeout = 5 * time.Minute
)

type pendingArchive struct {
	localPath    string
	s3Key        string
	firstAttempt time.Time
	retryCount   int
}

// Archiver rotates the event log on an interval and uploads rotated files
// to S3. Failed uploads are retried at the next rotation until
// MaxUploadRetryAge passes, then abandoned with the local file kept.
type Archiver struct {
	logger *Logger
	config func() S3Config

	mu        sync.Mutex
	client    *s3.Client
	clientCfg S3Config
	retries   []pendingArchive

	rotateInterval time.Duration
}

// NewArchiver creates an archiver over the given logger. config is read
// fresh before every upload so credential changes apply without restart.
func NewArchiver(logger *Logger, config func() S3Config) *Archiver {
	return &Archiver{
		logger:         logger,
		config:         config,
		rotateInterval: DefaultRotateInterval,
	}
}

// Run rotates on the archive interval until ctx is done.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.rotateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.RotateAndUpload(ctx); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Error("Event log rotation failed", "error", err)
			}
		}
	}
}

// RotateAndUpload rotates the log and ships the rotated file plus any
// pending retries. Without S3 configured, rotation still happens and the
// archive stays local.
func (a *Archiver) RotateAndUpload(ctx context.Context) error {
	archivePath := a.archivePath(time.Now())
	if err := a.logger.Rotate(archivePath); err != nil {
		return err
	}
	slog.Info("Event log rotated", "archive", filepath.Base(archivePath))

	cfg := a.config()
	if !cfg.IsConfigured() {
		return nil
	}

	a.processRetries(ctx)
	if err := a.upload(ctx, archivePath); err != nil {
		a.addRetry(archivePath)
		return err
	}
	return nil
}

func (a *Archiver) archivePath(now time.Time) string {
	base := a.logger.Path()
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s-%s%s", base[:len(base)-len(ext)], now.Format("20060102-150405"), ext)
}

func (a *Archiver) s3Key(localPath string) string {
	cfg := a.config()
	key := filepath.Base(localPath)
	if cfg.Prefix != "" {
		key = cfg.Prefix + "/" + key
	}
	return key
}

func (a *Archiver) upload(ctx context.Context, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("Failed to close archive after upload", "error", err)
		}
	}()

	client, err := a.getOrCreateClient()
	if err != nil {
		return err
	}

	uctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	cfg := a.config()
	key := a.s3Key(localPath)
	_, err = client.PutObject(uctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		slog.Error("Archive upload failed", "s3_key", key, "error", err)
		_ = a.logger.LogSystem(ArchiveFailed, fmt.Sprintf("%s: %v", key, err))
		return fmt.Errorf("upload archive: %w", err)
	}

	slog.Info("Archive uploaded", "s3_key", key)
	_ = a.logger.LogSystem(ArchiveUploaded, key)

	if err := os.Remove(localPath); err != nil {
		slog.Warn("Failed to delete archive after upload", "path", localPath, "error", err)
	}
	return nil
}

func (a *Archiver) addRetry(localPath string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.retries {
		if p.localPath == localPath {
			return
		}
	}
	a.retries = append(a.retries, pendingArchive{
		localPath:    localPath,
		s3Key:        a.s3Key(localPath),
		firstAttempt: time.Now(),
	})
	slog.Info("Archive queued for retry", "file", filepath.Base(localPath))
}

func (a *Archiver) processRetries(ctx context.Context) {
	a.mu.Lock()
	pending := a.retries
	a.retries = nil
	a.mu.Unlock()

	now := time.Now()
	for i := range pending {
		p := &pending[i]
		if now.Sub(p.firstAttempt) > MaxUploadRetryAge {
			slog.Warn("Archive upload abandoned",
				"file", filepath.Base(p.localPath), "attempts", p.retryCount+1)
			continue
		}
		if _, err := os.Stat(p.localPath); os.IsNotExist(err) {
			continue
		}
		p.retryCount++
		if err := a.upload(ctx, p.localPath); err != nil {
			a.mu.Lock()
			a.retries = append(a.retries, *p)
			a.mu.Unlock()
		}
	}
}

// getOrCreateClient returns a cached client, rebuilding it when the
// configuration changed.
func (a *Archiver) getOrCreateClient() (*s3.Client, error) {
	cfg := a.config()
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil && cfg == a.clientCfg {
		return a.client, nil
	}
	client, err := newS3Client(&cfg)
	if err != nil {
		return nil, err
	}
	a.client = client
	a.clientCfg = cfg
	return client, nil
}

// newS3Client builds a client with static credentials, optionally pointed
// at a custom endpoint.
func newS3Client(cfg *S3Config) (*s3.Client, error) {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, options...), nil
}

// TestS3Connection verifies the archive bucket by writing and removing a
// probe object.
func TestS3Connection(cfg *S3Config) error {
	if !cfg.IsConfigured() {
		return fmt.Errorf("S3 archive is not configured")
	}

	client, err := newS3Client(cfg)
	if err != nil {
		return fmt.Errorf("create S3 client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	probeKey := fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano())
	probe := []byte("levelpin archive connection test")

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(probeKey),
		Body:          bytes.NewReader(probe),
		ContentLength: aws.Int64(int64(len(probe))),
	})
	if err != nil {
		return fmt.Errorf("upload test object: %w", err)
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(probeKey),
	})
	if err != nil {
		slog.Warn("Failed to delete test object", "key", probeKey, "error", err)
	}
	return nil
}
