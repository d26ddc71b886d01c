package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bobarin/clipsa/internal/relay"
	log "github.com/sirupsen/logrus"
)

// Source is the durable queue the worker drains.
type Source interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*relay.Message, error)
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	Retry(ctx context.Context, msg *relay.Message, delay time.Duration) error
	DeadLetter(ctx context.Context, msg *relay.Message) error
}

type Config struct {
	MaxAttempts  int
	PollInterval time.Duration
	BaseBackoff  time.Duration
}

// Worker delivers relay messages to their target URL, the way a hosted relay
// would: POST the body, retry on failure with backoff, dead-letter when
// attempts run out.
type Worker struct {
	source Source
	client *http.Client
	signer *relay.Signer // nil = unsigned deliveries
	cfg    Config
}

// errPermanent marks a delivery the target rejected outright.
var errPermanent = errors.New("permanent delivery failure")

func New(source Source, signer *relay.Signer, cfg Config) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}

	return &Worker{
		source: source,
		// Handlers run synchronously behind the endpoint; a stitch can take minutes.
		client: &http.Client{Timeout: 15 * time.Minute},
		signer: signer,
		cfg:    cfg,
	}
}

// Start runs the promoter and concurrency delivery loops until ctx is done.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Infof("[Worker] Relay worker started with concurrency: %d", concurrency)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.promoteLoop(ctx)
	}()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processQueue(ctx)
		}()
	}

	<-ctx.Done()
	log.Info("[Worker] Relay worker shutting down...")
	wg.Wait()
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := w.source.PromoteDue(ctx, now); err != nil && ctx.Err() == nil {
				log.Errorf("[Worker] Failed to promote delayed messages: %v", err)
			}
		}
	}
}

func (w *Worker) processQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := w.source.Dequeue(ctx, 5*time.Second)
			if err != nil {
				if ctx.Err() == nil {
					log.Errorf("[Worker] Error dequeuing: %v", err)
					time.Sleep(w.cfg.PollInterval)
				}
				continue
			}

			if msg == nil {
				continue // No message available, retry
			}

			w.Handle(ctx, msg)
		}
	}
}

// Handle delivers one message and schedules its retry or dead-letters it.
func (w *Worker) Handle(ctx context.Context, msg *relay.Message) {
	logger := log.WithFields(log.Fields{"messageId": msg.ID, "attempt": msg.Attempts + 1})

	err := w.deliver(ctx, msg)
	if err == nil {
		logger.Infof("[Worker] Delivered to %s", msg.TargetURL)
		return
	}

	if errors.Is(err, errPermanent) || msg.Attempts+1 >= w.cfg.MaxAttempts {
		logger.Errorf("[Worker] Delivery failed, dead-lettering: %v", err)
		if dlErr := w.source.DeadLetter(ctx, msg); dlErr != nil {
			logger.Errorf("[Worker] Failed to dead-letter message: %v", dlErr)
		}
		return
	}

	delay := w.backoff(msg.Attempts)
	logger.Warnf("[Worker] Delivery failed, retrying in %v: %v", delay, err)
	if rErr := w.source.Retry(ctx, msg, delay); rErr != nil {
		logger.Errorf("[Worker] Failed to schedule retry: %v", rErr)
	}
}

func (w *Worker) deliver(ctx context.Context, msg *relay.Message) error {
	req, err := http.NewRequestWithContext(ctx, "POST", msg.TargetURL, bytes.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Upstash-Message-Id", msg.ID)
	req.Header.Set("Upstash-Retried", strconv.Itoa(msg.Attempts))

	if w.signer != nil {
		sig, err := w.signer.Sign(msg.Body, msg.TargetURL)
		if err != nil {
			return fmt.Errorf("%w: %v", errPermanent, err)
		}
		req.Header.Set(relay.SignatureHeader, sig)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("target returned %d: %s", resp.StatusCode, body)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: target returned %d: %s", errPermanent, resp.StatusCode, body)
	default:
		return fmt.Errorf("target returned %d: %s", resp.StatusCode, body)
	}
}

// backoff doubles per attempt, capped at ten minutes.
func (w *Worker) backoff(attempts int) time.Duration {
	d := float64(w.cfg.BaseBackoff) * math.Pow(2, float64(attempts))
	if d > float64(10*time.Minute) {
		d = float64(10 * time.Minute)
	}
	return time.Duration(d)
}
