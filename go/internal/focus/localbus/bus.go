// Package localbus is the in-process equivalent of a browser
// BroadcastChannel: every coordinator on a device attaches to one Bus and
// hears every other coordinator's messages, never its own echoes (senders
// are skipped by tab ID at the subscriber).
package localbus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mkove/focusdeck/go/internal/focus/events"
)

const defaultBuffer = 64

type subscriber struct {
	ch   chan events.Message
	done chan struct{}
}

// Bus fans messages out to every subscriber through per-subscriber buffered
// queues. A subscriber that falls behind loses messages rather than slowing
// the rest of the device down.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	buffer int
}

func New() *Bus {
	return NewWithBuffer(defaultBuffer)
}

func NewWithBuffer(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{subs: make(map[int]*subscriber), buffer: size}
}

// Broadcast delivers msg to every current subscriber. It never blocks; a
// full subscriber queue drops the message with a warning.
func (b *Bus) Broadcast(msg events.Message) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			log.Warn().
				Str("kind", string(msg.Kind)).
				Str("tabId", msg.TabID).
				Msg("local bus subscriber full, dropping message")
		}
	}
}

// SubscribeLocal registers cb and returns a cancel func. cb runs on a
// dedicated goroutine per subscriber, so it may safely call back into Bus.
func (b *Bus) SubscribeLocal(cb func(events.Message)) (cancel func()) {
	s := &subscriber{
		ch:   make(chan events.Message, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-s.ch:
				cb(msg)
			case <-s.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.done)
		})
	}
}
