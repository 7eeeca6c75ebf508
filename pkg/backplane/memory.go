package backplane

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("backplane closed")

const subscriberBuffer = 256

// Memory is an in-process backplane for single-gateway deployments and
// tests. Multiple routers/watchers sharing one Memory behave like separate
// processes sharing a broker.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string]map[*memorySub]struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[topic] {
		// A subscriber that cannot keep up loses messages rather than
		// blocking every publisher, matching broker semantics.
		select {
		case sub.ch <- Message{Topic: topic, Payload: payload}:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		parent: m,
		topics: topics,
		ch:     make(chan Message, subscriberBuffer),
	}
	for _, topic := range topics {
		if m.subs[topic] == nil {
			m.subs[topic] = make(map[*memorySub]struct{})
		}
		m.subs[topic][sub] = struct{}{}
	}
	return sub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	m.subs = make(map[string]map[*memorySub]struct{})
	return nil
}

type memorySub struct {
	parent *Memory
	topics []string
	ch     chan Message
	once   sync.Once
}

func (s *memorySub) Messages() <-chan Message {
	return s.ch
}

func (s *memorySub) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	for _, topic := range s.topics {
		delete(s.parent.subs[topic], s)
	}
	s.closeLocked()
	return nil
}

func (s *memorySub) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}
