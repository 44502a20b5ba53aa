package email

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/otpauth/otpauth-api/internal/config"
	"github.com/otpauth/otpauth-api/internal/logging"
	"github.com/otpauth/otpauth-api/internal/metrics"
)

var (
	ErrQueueFull        = errors.New("email queue is full")
	ErrDispatcherClosed = errors.New("email dispatcher is shut down")
)

// Sender delivers a single OTP email
type Sender interface {
	SendOTPEmail(ctx context.Context, toEmail, code string) error
}

type job struct {
	id   string
	to   string
	code string
}

// Dispatcher sends OTP emails from a bounded queue on a fixed pool of workers.
// Enqueue never blocks the caller; failed sends are retried with exponential
// backoff and every final failure is logged and counted.
type Dispatcher struct {
	sender     Sender
	logger     *logging.Logger
	queue      chan job
	workers    int
	maxRetries int
	backoff    time.Duration
	limiter    *rate.Limiter

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	// ctx is cancelled when Shutdown gives up waiting, aborting retries in flight
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(sender Sender, cfg config.EmailConfig, logger *logging.Logger) *Dispatcher {
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		sender:     sender,
		logger:     logger,
		queue:      make(chan job, queueSize),
		workers:    workers,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		limiter:    rate.NewLimiter(limit, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.closed {
		return
	}
	d.started = true

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}

	d.logger.Info("email dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
}

// Enqueue schedules an OTP email and returns the job id
func (d *Dispatcher) Enqueue(toEmail, code string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return "", ErrDispatcherClosed
	}

	j := job{
		id:   ulid.MustNew(ulid.Now(), rand.Reader).String(),
		to:   toEmail,
		code: code,
	}

	select {
	case d.queue <- j:
		metrics.EmailQueueDepth.Set(float64(len(d.queue)))
		return j.id, nil
	default:
		metrics.EmailDeliveriesTotal.WithLabelValues("dropped").Inc()
		return "", ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for the queue to drain. When ctx
// ends first, sends in progress are cancelled and ctx.Err() is returned
// without waiting for the workers.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("email dispatcher stopped")
		return nil
	case <-ctx.Done():
		// workers notice the cancellation and exit on their own
		d.cancel()
		d.logger.Warn("email dispatcher stopped before the queue drained", "error", ctx.Err())
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()

	for j := range d.queue {
		metrics.EmailQueueDepth.Set(float64(len(d.queue)))
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	logger := d.logger.WithFields(map[string]any{
		"job_id": j.id,
		"email":  j.to,
	})
	ctx := logging.WithLogger(d.ctx, logger)

	var err error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.EmailDeliveriesTotal.WithLabelValues("retried").Inc()
			if !d.sleep(d.backoff << (attempt - 1)) {
				break
			}
		}

		if err = d.limiter.Wait(ctx); err != nil {
			break
		}

		if err = d.sender.SendOTPEmail(ctx, j.to, j.code); err == nil {
			metrics.EmailDeliveriesTotal.WithLabelValues("sent").Inc()
			return
		}

		logger.Warn("otp email attempt failed", "attempt", attempt+1, "error", err)
	}

	if err == nil {
		err = d.ctx.Err()
	}
	metrics.EmailDeliveriesTotal.WithLabelValues("failed").Inc()
	logger.Error("otp email not delivered", "attempts", d.maxRetries+1, "error", err)
}

// sleep waits for delay and reports false when the dispatcher is cancelled first
func (d *Dispatcher) sleep(delay time.Duration) bool {
	if delay <= 0 {
		return d.ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}
