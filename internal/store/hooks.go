package store

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// ChangeKind identifies what a hook notification describes.
type ChangeKind string

const (
	// ChangeDeployment fires after a deployment row mutation.
	ChangeDeployment ChangeKind = "deployment_changed"
	// ChangeEventAppended fires after an order or deployment event insert.
	ChangeEventAppended ChangeKind = "event_appended"
)

// Change is a best-effort notification about a store mutation.
type Change struct {
	Kind         ChangeKind `json:"kind"`
	OrderID      string     `json:"orderId,omitempty"`
	DeploymentID string     `json:"deploymentId,omitempty"`
	EventType    string     `json:"eventType,omitempty"`
}

const hookBufferSize = 64

// hookBus fans out change notifications to subscribers. Delivery is
// best-effort: a subscriber whose buffer is full loses the notification.
// Publishing never blocks a store transaction.
type hookBus struct {
	mu   sync.RWMutex
	subs []chan Change
}

func newHookBus() *hookBus {
	return &hookBus{}
}

// Subscribe registers fn to receive change notifications on a dedicated
// goroutine. A panicking or slow subscriber cannot affect the store.
func (s *Store) Subscribe(fn func(Change)) {
	ch := make(chan Change, hookBufferSize)
	s.hooks.mu.Lock()
	s.hooks.subs = append(s.hooks.subs, ch)
	s.hooks.mu.Unlock()

	go func() {
		for c := range ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("store hook subscriber panicked")
					}
				}()
				fn(c)
			}()
		}
	}()
}

func (b *hookBus) publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
			log.Warn().Str("kind", string(c.Kind)).Msg("store hook subscriber buffer full, dropping notification")
		}
	}
}
