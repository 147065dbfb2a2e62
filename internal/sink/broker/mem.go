package broker

import (
	"context"
	"sync"
)

// MemBroker fans out in process. Delivery is at-most-once: a subscriber whose
// buffer is full misses the message.
type MemBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	buffer int
	closed bool
}

func NewMemBroker(buffer int) *MemBroker {
	if buffer <= 0 {
		buffer = 4096
	}
	return &MemBroker{subs: make(map[string][]chan Message), buffer: buffer}
}

func (b *MemBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, b.buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(topics, ch)
	}()
	return ch, nil
}

// unsubscribe 在写锁下摘掉 channel 再关闭，Publish 不会写到已关闭的 channel
func (b *MemBroker) unsubscribe(topics []string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return // Close 已经关过了
	}
	for _, t := range topics {
		list := b.subs[t]
		for i, c := range list {
			if c == ch {
				b.subs[t] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[t]) == 0 {
			delete(b.subs, t)
		}
	}
	close(ch)
}

// Close closes every subscription channel.
func (b *MemBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	seen := make(map[chan Message]struct{})
	for _, list := range b.subs {
		for _, ch := range list {
			if _, ok := seen[ch]; !ok {
				seen[ch] = struct{}{}
				close(ch)
			}
		}
	}
	b.subs = nil
	return nil
}
