package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-process Conn for tests. Publishes are dispatched
// synchronously to subscribers and recorded per subject.
type Fake struct {
	mu        sync.Mutex
	handlers  map[string]Handler
	published map[string][]map[string]any
	connected bool
}

// NewFake returns a connected in-memory bus.
func NewFake() *Fake {
	return &Fake{
		handlers:  make(map[string]Handler),
		published: make(map[string][]map[string]any),
		connected: true,
	}
}

func (f *Fake) Publish(subject string, payload map[string]any) error {
	f.mu.Lock()
	f.published[subject] = append(f.published[subject], payload)
	h := f.handlers[subject]
	f.mu.Unlock()

	if h != nil {
		h(context.Background(), payload) //nolint:errcheck
	}
	return nil
}

func (f *Fake) Subscribe(subject string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = h
	return nil
}

func (f *Fake) Request(ctx context.Context, subject string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	f.mu.Lock()
	h := f.handlers[subject]
	f.mu.Unlock()

	if h == nil {
		return nil, fmt.Errorf("request to %s: %w", subject, ErrNoReply)
	}
	reply, err := h(ctx, payload)
	if err != nil {
		return map[string]any{"status": "error", "error": err.Error()}, nil
	}
	if reply == nil {
		return nil, fmt.Errorf("request to %s: %w", subject, ErrNoReply)
	}
	return reply, nil
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// Published returns the payloads published on subject, in order.
func (f *Fake) Published(subject string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.published[subject]))
	copy(out, f.published[subject])
	return out
}
