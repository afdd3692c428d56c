package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	xlog "github.com/bobarin/beatsync/internal/log"
	"github.com/bobarin/beatsync/internal/metrics"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/retry"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"

	defaultWebhookQueue = 256
)

// EventFor maps a terminal status to its webhook event name.
func EventFor(status models.JobStatus) string {
	switch status {
	case models.JobStatusCompleted:
		return EventJobCompleted
	case models.JobStatusCancelled:
		return EventJobCancelled
	}
	return EventJobFailed
}

// DeliveryFailure reports a webhook that could not be delivered. It never
// feeds back into job state.
type DeliveryFailure struct {
	JobID uuid.UUID
	URL   string
	Err   error
}

type NotifierConfig struct {
	Workers    int
	RatePerSec float64
	Timeout    time.Duration
	QueueSize  int
	Policy     retry.Policy
	Client     *http.Client
}

// Notifier delivers webhooks from a bounded pool of workers, paced by a
// shared rate limiter.
type Notifier struct {
	client   *http.Client
	limiter  *rate.Limiter
	policy   retry.Policy
	timeout  time.Duration
	tasks    chan delivery
	failures chan DeliveryFailure
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type delivery struct {
	url     string
	payload models.WebhookPayload
}

func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaultWebhookQueue
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	n := &Notifier{
		client:   client,
		limiter:  rate.NewLimiter(limit, cfg.Workers),
		policy:   cfg.Policy,
		timeout:  cfg.Timeout,
		tasks:    make(chan delivery, cfg.QueueSize),
		failures: make(chan DeliveryFailure, cfg.QueueSize),
		logger:   xlog.WithComponent("webhook"),
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.work()
	}
	return n
}

// Notify queues a delivery without blocking. It reports false when the
// notifier is closed or its queue is full.
func (n *Notifier) Notify(url string, payload models.WebhookPayload) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}

	select {
	case n.tasks <- delivery{url: url, payload: payload}:
		return true
	default:
		n.logger.Warn().Str("job_id", payload.JobID.String()).Msg("webhook queue full, dropping delivery")
		metrics.RecordWebhook("dropped")
		n.fail(DeliveryFailure{JobID: payload.JobID, URL: url, Err: fmt.Errorf("webhook queue full")})
		return false
	}
}

// Failures streams deliveries that exhausted their retries. It is closed
// by Close.
func (n *Notifier) Failures() <-chan DeliveryFailure {
	return n.failures
}

// Close stops accepting deliveries, drains the queue and waits for the
// workers.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.tasks)
	n.mu.Unlock()

	n.wg.Wait()
	close(n.failures)
}

func (n *Notifier) work() {
	defer n.wg.Done()
	for d := range n.tasks {
		logger := n.logger.With().Str("job_id", d.payload.JobID.String()).Str("event", d.payload.Event).Logger()

		if err := n.deliver(context.Background(), d); err != nil {
			logger.Error().Err(err).Str("url", d.url).Str("code", string(models.CodeWebhookDeliveryFailure)).Msg("webhook delivery failed")
			metrics.RecordWebhook("failed")
			n.fail(DeliveryFailure{JobID: d.payload.JobID, URL: d.url, Err: err})
			continue
		}
		logger.Info().Msg("webhook delivered")
		metrics.RecordWebhook("delivered")
	}
}

func (n *Notifier) fail(f DeliveryFailure) {
	select {
	case n.failures <- f:
	default:
	}
}

func (n *Notifier) deliver(ctx context.Context, d delivery) error {
	body, err := json.Marshal(d.payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	return retry.Do(ctx, n.policy, func(ctx context.Context) error {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Beatsync-Event", d.payload.Event)

		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		io.Copy(io.Discard, resp.Body)
		return nil
	})
}
