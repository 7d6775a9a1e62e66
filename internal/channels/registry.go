package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/store"
)

// Registry maps a channel name to its registered outbound Adapter, letting
// the outbox worker's single DeliverFunc route a row to whichever provider
// it names without knowing about any concrete channel package.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Adapter)}
}

func (r *Registry) Register(a *Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name] = a
}

func (r *Registry) Get(name string) (*Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// SupportsIdempotencyKey reports whether the adapter registered for name
// declares SupportsIdempotencyKey, so the dispatch driver can decide
// whether to populate an outbox row's idempotency_key.
func (r *Registry) SupportsIdempotencyKey(name string) bool {
	a, ok := r.Get(name)
	return ok && a.SupportsIdempotencyKey
}

// Deliver implements workers.DeliverFunc: it decodes an outbox row's
// payload and routes it to the adapter registered for row.Channel.
func (r *Registry) Deliver(ctx context.Context, row store.OutboxRow) error {
	a, ok := r.Get(row.Channel)
	if !ok {
		return fmt.Errorf("channels: outbound not configured for channel %q", row.Channel)
	}
	payload, err := msgctx.DecodeDeliveryPayload(row.Payload)
	if err != nil {
		return fmt.Errorf("channels: decode delivery payload for row %s: %w", row.ID, err)
	}
	_, err = a.Send(ctx, row.Target, payload)
	return err
}
