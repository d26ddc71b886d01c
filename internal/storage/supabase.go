package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/clipsa/internal/models"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// Per-attempt timeouts; final videos can be large
	uploadTimeout   = 180 * time.Second
	downloadTimeout = 120 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// errPermanent marks a failure that retrying will not fix.
var errPermanent = errors.New("permanent")

// Supabase stores blobs in a Supabase Storage bucket and indexes them in the
// document store so they can be fetched by id.
type Supabase struct {
	url        string
	serviceKey string
	Bucket     string
	index      AssetIndex
	client     *http.Client
}

func NewSupabase(url, serviceKey, bucket string, index AssetIndex) *Supabase {
	return &Supabase{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		index:      index,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (s *Supabase) Store(ctx context.Context, r io.Reader, filename string, meta Metadata) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read blob %s: %w", filename, err)
	}

	id := uuid.NewString()
	path := objectKey(id)
	contentType := ContentTypeFor(filename)

	if err := s.upload(ctx, path, data, contentType); err != nil {
		return "", err
	}

	asset := &models.Asset{
		ID:          id,
		Filename:    filename,
		StoragePath: path,
		ContentType: contentType,
		ByteSize:    int64(len(data)),
		Metadata:    meta,
	}
	if err := s.index.CreateAsset(ctx, asset); err != nil {
		return "", fmt.Errorf("failed to index blob %s: %w", id, err)
	}

	return id, nil
}

func (s *Supabase) Fetch(ctx context.Context, id string) (*Object, error) {
	asset, err := s.index.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := s.download(ctx, asset.StoragePath)
	if err != nil {
		return nil, err
	}

	return &Object{
		Body:        io.NopCloser(bytes.NewReader(data)),
		Filename:    asset.Filename,
		ContentType: asset.ContentType,
		Size:        int64(len(data)),
	}, nil
}

func (s *Supabase) Delete(ctx context.Context, id string) error {
	asset, err := s.index.GetAsset(ctx, id)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "DELETE", s.objectURL(asset.StoragePath), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", asset.StoragePath, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete failed with status %d", resp.StatusCode)
	}

	return s.index.DeleteAsset(ctx, id)
}

func (s *Supabase) objectURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, path)
}

// upload PUTs the object with x-upsert, retrying transient failures.
func (s *Supabase) upload(ctx context.Context, path string, data []byte, contentType string) error {
	return withRetry(ctx, "Upload "+path, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, "PUT", s.objectURL(path), bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%w: failed to create request: %v", errPermanent, err)
		}

		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.ContentLength = int64(len(data))
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			return classifyNetErr(fmt.Errorf("failed to upload: %w", err))
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return nil
		}
		return classifyStatus(resp.StatusCode, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	})
}

// download GETs the object, retrying transient failures.
func (s *Supabase) download(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, "Download "+path, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, "GET", s.objectURL(path), nil)
		if err != nil {
			return fmt.Errorf("%w: failed to create request: %v", errPermanent, err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return classifyNetErr(fmt.Errorf("failed to download: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s: %w", errPermanent, path, models.ErrNotFound)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return classifyStatus(resp.StatusCode, fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200)))
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read download body: %w", err)
		}
		return nil
	})
	return data, err
}

// withRetry runs fn with exponential backoff until it succeeds, returns an
// errPermanent error, or retries are exhausted.
func withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Warnf("[Storage] %s retry %d/%d (waiting %v): %v", op, attempt, maxRetries, delay, lastErr)

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				log.Infof("[Storage] %s succeeded on attempt %d", op, attempt+1)
			}
			return nil
		}
		if errors.Is(lastErr, errPermanent) {
			return lastErr
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}

func classifyNetErr(err error) error {
	if isRetryableError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", errPermanent, err)
}

func classifyStatus(status int, err error) error {
	if isRetryableStatus(status) {
		return err
	}
	return fmt.Errorf("%w: %w", errPermanent, err)
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// 0-25% jitter
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
