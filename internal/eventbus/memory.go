package eventbus

import (
	"context"
	"sync"

	"github.com/openmercato/payments/internal/domain/errors"
)

// MemoryTransport is an in-process Transport used in tests and local runs.
// It reproduces the delivery semantics of the streams transport: grouped
// subscribers compete round robin, ungrouped subscribers each get a copy.
type MemoryTransport struct {
	mu     sync.Mutex
	subs   map[string][]*memorySub
	next   map[string]int
	closed bool
	wg     sync.WaitGroup
}

type memorySub struct {
	group string
	fn    RawHandler
	ctx   context.Context
}

// NewMemoryTransport builds an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs: make(map[string][]*memorySub),
		next: make(map[string]int),
	}
}

func (t *MemoryTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.ErrBusNotConnected
	}

	// One delivery per ungrouped subscriber, one per group.
	var targets []*memorySub
	delivered := make(map[string]bool)
	for _, sub := range t.subs[subject] {
		if sub.group == "" {
			targets = append(targets, sub)
			continue
		}
		if !delivered[sub.group] {
			delivered[sub.group] = true
			targets = append(targets, t.pickGroupMember(subject, sub.group))
		}
	}
	t.wg.Add(len(targets))
	t.mu.Unlock()

	data := make([]byte, len(payload))
	copy(data, payload)
	for _, sub := range targets {
		go func(s *memorySub) {
			defer t.wg.Done()
			s.fn(s.ctx, data)
		}(sub)
	}
	return nil
}

// pickGroupMember rotates through a group's members so deliveries are
// load balanced. Caller holds the lock.
func (t *MemoryTransport) pickGroupMember(subject, group string) *memorySub {
	var members []*memorySub
	for _, sub := range t.subs[subject] {
		if sub.group == group {
			members = append(members, sub)
		}
	}
	key := subject + "/" + group
	idx := t.next[key] % len(members)
	t.next[key] = idx + 1
	return members[idx]
}

func (t *MemoryTransport) Subscribe(ctx context.Context, subject, group string, fn RawHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.ErrBusNotConnected
	}
	t.subs[subject] = append(t.subs[subject], &memorySub{group: group, fn: fn, ctx: ctx})
	return nil
}

// Close stops accepting publishes and waits for in-flight deliveries.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
