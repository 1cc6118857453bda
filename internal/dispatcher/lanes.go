package dispatcher

import (
	"context"
	"controlplane/internal/job"
	"controlplane/pkg/circuitbreaker"
	"controlplane/pkg/cloudevent"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MetricsRecorder is an optional interface for recording notification metrics.
type MetricsRecorder interface {
	RecordNotificationDelivered(ctx context.Context, eventType string, durationSeconds float64)
	RecordNotificationFailed(ctx context.Context, eventType string)
	RecordNotificationDropped(ctx context.Context, reason string)
	RecordNotificationBacklog(ctx context.Context, delta int64)
}

// Drop reasons reported to metrics.
const (
	dropLaneFull    = "lane_full"
	dropCircuitOpen = "circuit_open"
	dropShutdown    = "shutdown"
)

// Lanes delivers notifications over a fixed set of lanes. A job is hashed to
// one lane and each lane delivers sequentially, so a job's notifications are
// sent one at a time in dispatch order.
type Lanes struct {
	lanes    []chan *Notification
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	cfg      Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	// ctx is cancelled when Close gives up waiting; in-flight requests abort
	// and whatever is still pending is dropped.
	ctx   context.Context
	abort context.CancelFunc

	pending   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64

	mu     sync.RWMutex // guards closed against sends on closed lanes
	closed bool
	wg     sync.WaitGroup
}

// New starts cfg.Lanes delivery goroutines.
func New(cfg Config, metrics MetricsRecorder) *Lanes {
	cfg = cfg.withDefaults()
	ctx, abort := context.WithCancel(context.Background())

	l := &Lanes{
		lanes:  make([]chan *Notification, cfg.Lanes),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		cfg:     cfg,
		logger:  slog.With("component", "dispatcher"),
		metrics: metrics,
		ctx:     ctx,
		abort:   abort,
	}
	l.wg.Add(cfg.Lanes)
	for i := range l.lanes {
		l.lanes[i] = make(chan *Notification, cfg.LaneBuffer)
		go l.run(l.lanes[i])
	}

	l.logger.Info("Dispatcher started", "lanes", cfg.Lanes, "laneBuffer", cfg.LaneBuffer, "maxRetries", cfg.MaxRetries)
	return l
}

func (l *Lanes) laneFor(id job.ID) chan *Notification {
	return l.lanes[xxhash.Sum64String(string(id))%uint64(len(l.lanes))]
}

// Dispatch queues n on its job's lane. A full lane drops n rather than
// blocking the caller.
func (l *Lanes) Dispatch(n *Notification) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	l.setPending(1)
	select {
	case l.laneFor(n.JobID) <- n:
		return nil
	default:
		l.setPending(-1)
		l.drop(n, dropLaneFull)
		return ErrBacklogFull
	}
}

// Stats returns delivery counters.
func (l *Lanes) Stats() Stats {
	return Stats{
		Pending:      l.pending.Load(),
		Delivered:    l.delivered.Load(),
		Failed:       l.failed.Load(),
		Dropped:      l.dropped.Load(),
		Retries:      l.retries.Load(),
		BreakersOpen: l.breakers.Stats().Open,
	}
}

// Close stops accepting notifications and waits for the lanes to drain.
// When ctx ends first, in-flight deliveries are aborted and the rest dropped.
func (l *Lanes) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, lane := range l.lanes {
		close(lane)
	}
	l.mu.Unlock()

	l.logger.Info("Dispatcher shutting down", "pending", l.pending.Load())

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.abort()
		l.logger.Info("Dispatcher shutdown complete",
			"delivered", l.delivered.Load(),
			"failed", l.failed.Load(),
			"dropped", l.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		l.abort()
		l.logger.Warn("Dispatcher shutdown timed out", "pending", l.pending.Load())
		return ctx.Err()
	}
}

func (l *Lanes) run(lane <-chan *Notification) {
	defer l.wg.Done()
	for n := range lane {
		l.setPending(-1)
		if l.ctx.Err() != nil {
			l.drop(n, dropShutdown)
			continue
		}
		l.deliver(n)
	}
}

func (l *Lanes) deliver(n *Notification) {
	host := callbackHost(n.URL)
	breaker := l.breakers.Get(host)
	if !breaker.Allow() {
		l.drop(n, dropCircuitOpen)
		return
	}

	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	if err := l.send(ctx, n); err != nil {
		breaker.RecordFailure()
		l.failed.Add(1)
		if l.metrics != nil {
			l.metrics.RecordNotificationFailed(ctx, n.Event.Type)
		}
		l.log(n).Warn("Notification delivery failed", "host", host, "error", err)
		return
	}

	breaker.RecordSuccess()
	l.delivered.Add(1)
	if l.metrics != nil {
		l.metrics.RecordNotificationDelivered(ctx, n.Event.Type, time.Since(start).Seconds())
	}
}

// send posts n, retrying server errors and transport failures with backoff.
// A 4xx answer is final.
func (l *Lanes) send(ctx context.Context, n *Notification) error {
	opts := cloudevent.SendOptions{SigningKey: n.SigningKey}

	var err error
	for try := range l.cfg.MaxRetries + 1 {
		if try > 0 {
			l.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.Backoff.Delay(try)):
			}
		}
		if err = l.sender.Send(ctx, n.URL, n.Event, opts); err == nil || cloudevent.IsClientError(err) {
			return err
		}
	}
	return err
}

func (l *Lanes) drop(n *Notification, reason string) {
	l.dropped.Add(1)
	if l.metrics != nil {
		l.metrics.RecordNotificationDropped(context.Background(), reason)
	}
	l.log(n).Warn("Notification dropped", "host", callbackHost(n.URL), "reason", reason)
}

func (l *Lanes) setPending(delta int64) {
	l.pending.Add(delta)
	if l.metrics != nil {
		l.metrics.RecordNotificationBacklog(context.Background(), delta)
	}
}

func (l *Lanes) log(n *Notification) *slog.Logger {
	logger := l.logger.With("jobId", n.JobID, "type", n.Event.Type)
	if n.Attempt != JobLevel {
		logger = logger.With("attempt", n.Attempt)
	}
	return logger
}

// callbackHost keys circuit breakers. Unparseable URLs key on themselves.
func callbackHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*Lanes)(nil)
