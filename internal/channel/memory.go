package channel

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

type memMessage struct {
	id      string
	body    []byte
	attempt int
}

type memQueue struct {
	ready    []memMessage
	inflight map[string]memMessage
}

// Memory is an in-process broker. Unacknowledged deliveries are redelivered
// only after Nack; there is no visibility timeout.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	seq    uint64
	closed bool
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{queues: make(map[string]*memQueue)}
}

func (m *Memory) queue(name string) (*memQueue, error) {
	if m.closed {
		return nil, ErrClosed
	}
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownChannel)
	}
	return q, nil
}

func (m *Memory) Declare(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.queues[name]; !ok {
		m.queues[name] = &memQueue{inflight: make(map[string]memMessage)}
	}
	return nil
}

func (m *Memory) Publish(_ context.Context, name string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.queue(name)
	if err != nil {
		return err
	}
	m.seq++
	q.ready = append(q.ready, memMessage{id: strconv.FormatUint(m.seq, 10), body: append([]byte(nil), body...)})
	return nil
}

func (m *Memory) Get(_ context.Context, name string) (Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.queue(name)
	if err != nil {
		return Delivery{}, false, err
	}
	if len(q.ready) == 0 {
		return Delivery{}, false, nil
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	msg.attempt++
	q.inflight[msg.id] = msg
	return Delivery{ID: msg.id, Channel: name, Body: append([]byte(nil), msg.body...), Attempt: msg.attempt}, true, nil
}

func (m *Memory) Ack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.queue(d.Channel)
	if err != nil {
		return err
	}
	if _, ok := q.inflight[d.ID]; !ok {
		return fmt.Errorf("%s/%s: %w", d.Channel, d.ID, ErrUnknownDelivery)
	}
	delete(q.inflight, d.ID)
	return nil
}

func (m *Memory) Nack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.queue(d.Channel)
	if err != nil {
		return err
	}
	msg, ok := q.inflight[d.ID]
	if !ok {
		return fmt.Errorf("%s/%s: %w", d.Channel, d.ID, ErrUnknownDelivery)
	}
	delete(q.inflight, d.ID)
	q.ready = append([]memMessage{msg}, q.ready...)
	return nil
}

func (m *Memory) Purge(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.queue(name)
	if err != nil {
		return err
	}
	q.ready = nil
	q.inflight = make(map[string]memMessage)
	return nil
}

func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.queues, name)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queues = nil
	return nil
}

// Len reports ready plus in-flight messages on name.
func (m *Memory) Len(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return 0
	}
	return len(q.ready) + len(q.inflight)
}
