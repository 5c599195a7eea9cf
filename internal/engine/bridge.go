package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultDispatchTimeout = 2 * time.Second
	defaultNotifyTimeout   = 5 * time.Second
	defaultBridgeQueue     = 256
)

// Notification is an event forwarded to an external worker surface.
type Notification struct {
	RunID   string         `json:"run_id"`
	State   string         `json:"state,omitempty"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Notifier delivers a notification to one external surface, e.g. an MCP
// client subscription or a webhook.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Bridge forwards run events to external worker surfaces without letting a
// slow or broken surface stall the run. Dispatch enqueues with a bounded
// wait; delivery failures are logged and dropped, never propagated.
type Bridge struct {
	notifier Notifier
	logger   *slog.Logger
	queue    chan Notification
	timeout  time.Duration

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// NewBridge creates a bridge and starts its delivery worker. A nil notifier
// yields a bridge that drops everything, which keeps wiring simple when no
// external surface is attached.
func NewBridge(notifier Notifier, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		notifier: notifier,
		logger:   logger,
		queue:    make(chan Notification, defaultBridgeQueue),
		timeout:  defaultDispatchTimeout,
		closed:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.deliver()
	return b
}

// Dispatch enqueues a notification for delivery. Blocks at most the dispatch
// timeout when the queue is full, then drops with a warning. Never fails the
// caller.
func (b *Bridge) Dispatch(ctx context.Context, n Notification) {
	if b.notifier == nil {
		return
	}
	select {
	case <-b.closed:
		return
	default:
	}

	select {
	case b.queue <- n:
		return
	default:
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.queue <- n:
	case <-timer.C:
		b.logger.WarnContext(ctx, "event bridge queue full, dropping notification",
			"run_id", n.RunID, "kind", n.Kind)
	case <-ctx.Done():
		b.logger.WarnContext(ctx, "event bridge dispatch cancelled",
			"run_id", n.RunID, "kind", n.Kind)
	case <-b.closed:
	}
}

// Close stops accepting notifications and waits for queued ones to drain.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.closed) })
	b.wg.Wait()
}

func (b *Bridge) deliver() {
	defer b.wg.Done()
	for {
		select {
		case n := <-b.queue:
			b.notify(n)
		case <-b.closed:
			for {
				select {
				case n := <-b.queue:
					b.notify(n)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) notify(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultNotifyTimeout)
	defer cancel()
	if err := b.notifier.Notify(ctx, n); err != nil {
		b.logger.Warn("event bridge delivery failed",
			"run_id", n.RunID, "kind", n.Kind, "error", err)
	}
}
