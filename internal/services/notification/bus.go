// Package notification fans payment flow events out to live listeners.
package notification

import (
	"sync"

	"github.com/diogomassis/ob-payments/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const DefaultBuffer = 32

type Subscription struct {
	C  <-chan models.PaymentFlowEvent
	ch chan models.PaymentFlowEvent
}

// Bus is a broadcast hub. Publish never blocks: a subscriber whose buffer
// is full misses the event and everyone else still receives it. Events
// are not retained, so late subscribers see only what is published after
// they join.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped prometheus.Counter
	logger  zerolog.Logger
}

func NewBus(logger zerolog.Logger, dropped prometheus.Counter) *Bus {
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		dropped: dropped,
		logger:  logger,
	}
}

func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan models.PaymentFlowEvent, buffer)
	sub := &Subscription{C: ch, ch: ch}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, exists := b.subs[sub]
	if exists {
		delete(b.subs, sub)
	}
	b.mu.Unlock()
	if exists {
		close(sub.ch)
	}
}

func (b *Bus) Publish(evt models.PaymentFlowEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		b.deliver(sub, evt)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(sub *Subscription, evt models.PaymentFlowEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("[notification] subscriber delivery failed")
		}
	}()
	select {
	case sub.ch <- evt:
	default:
		if b.dropped != nil {
			b.dropped.Inc()
		}
		b.logger.Debug().Str("kind", string(evt.Kind)).Msg("[notification] subscriber buffer full, event dropped")
	}
}
