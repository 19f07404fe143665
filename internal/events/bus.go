// Package events fans finished upload events out to notification
// subscribers. Delivery is best effort: a failing subscriber is logged and
// never affects the ingestion run that produced the event.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fuelwise/fuel-ingest/internal/metrics"
	"github.com/fuelwise/fuel-ingest/internal/model"
)

// DefaultDeliveryTimeout bounds one subscriber delivery when none is set.
const DefaultDeliveryTimeout = 30 * time.Second

var errPanic = eris.New("events: subscriber panicked")

// Subscriber receives upload events.
type Subscriber interface {
	Name() string
	Notify(ctx context.Context, ev model.UploadEvent) error
}

// Bus delivers each emitted event to every subscriber concurrently.
type Bus struct {
	mu      sync.RWMutex
	subs    []Subscriber
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewBus creates a Bus. timeout <= 0 selects DefaultDeliveryTimeout.
func NewBus(timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	return &Bus{timeout: timeout}
}

// Subscribe registers s for all future events.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Subscribers returns the names of registered subscribers.
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.subs))
	for i, s := range b.subs {
		names[i] = s.Name()
	}
	return names
}

// Emit starts one delivery goroutine per subscriber and returns
// immediately. Deliveries outlive ctx cancellation but not the per-delivery
// timeout.
func (b *Bus) Emit(ctx context.Context, ev model.UploadEvent) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.RUnlock()

	base := context.WithoutCancel(ctx)
	for _, s := range subs {
		b.wg.Add(1)
		go func(s Subscriber) {
			defer b.wg.Done()
			b.deliver(base, s, ev)
		}(s)
	}
}

func (b *Bus) deliver(ctx context.Context, s Subscriber, ev model.UploadEvent) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	log := zap.L().With(
		zap.String("component", "events.bus"),
		zap.String("subscriber", s.Name()),
		zap.String("upload_id", ev.ID),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber panicked", zap.Any("panic", r))
			metrics.ObserveNotification(s.Name(), errPanic)
		}
	}()

	err := s.Notify(ctx, ev)
	metrics.ObserveNotification(s.Name(), err)
	if err != nil {
		log.Warn("notification failed", zap.Error(err))
		return
	}
	log.Debug("notification delivered")
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
