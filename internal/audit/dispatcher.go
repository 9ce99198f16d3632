package audit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/common/metrics"
	"entitlement-delivery/internal/models"
)

// ErrQueueFull is returned when the dispatcher drops an event.
var ErrQueueFull = stderrors.New("download event queue full")

// Recorder consumes committed download events.
type Recorder interface {
	Record(ctx context.Context, ev models.DownloadEvent) error
}

type DispatcherConfig struct {
	QueueSize   int
	Workers     int
	SinkTimeout time.Duration
}

// Dispatcher hands download events to slow recorders (index, mail) on a
// bounded queue so their latency stays off the download path. When the queue
// is full the event is dropped and counted; the SQL audit row is unaffected.
type Dispatcher struct {
	recorders []Recorder
	queue     chan models.DownloadEvent
	timeout   time.Duration
	logger    logger.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(recorders []Recorder, cfg DispatcherConfig, log logger.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	d := &Dispatcher{
		recorders: recorders,
		queue:     make(chan models.DownloadEvent, cfg.QueueSize),
		timeout:   cfg.SinkTimeout,
		logger:    log.WithFields(map[string]interface{}{"component": "event-dispatcher"}),
	}
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.run()
	}
	return d
}

// Record enqueues ev without blocking. ctx is not carried over: the request
// that produced the event may finish before the recorders run.
func (d *Dispatcher) Record(_ context.Context, ev models.DownloadEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.DownloadEventsDropped.WithLabelValues("closed").Inc()
		return ErrQueueFull
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		metrics.DownloadEventsDropped.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		for _, r := range d.recorders {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			err := r.Record(ctx, ev)
			cancel()
			if err != nil {
				d.logger.Warn("download event recorder failed", map[string]interface{}{
					"eventId": ev.ID,
					"error":   err.Error(),
				})
			}
		}
	}
}

// Close stops accepting events and waits for queued ones until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("download event queue not drained before shutdown", map[string]interface{}{
			"pending": len(d.queue),
		})
		return ctx.Err()
	}
}
