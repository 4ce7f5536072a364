// Package events fans execution transitions out to in-process subscribers
// and external brokers.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types.
const (
	TypeTransition     = "execution.transition"
	TypeStrategyStatus = "strategy.status"
	TypePolicy         = "policy.changed"
)

type Event struct {
	Type          string    `json:"type" msgpack:"type"`
	ExecutionID   string    `json:"execution_id,omitempty" msgpack:"execution_id,omitempty"`
	StrategyID    string    `json:"strategy_id,omitempty" msgpack:"strategy_id,omitempty"`
	WalletAddress string    `json:"wallet_address,omitempty" msgpack:"wallet_address,omitempty"`
	From          string    `json:"from,omitempty" msgpack:"from,omitempty"`
	To            string    `json:"to,omitempty" msgpack:"to,omitempty"`
	Trigger       string    `json:"trigger,omitempty" msgpack:"trigger,omitempty"`
	Actor         string    `json:"actor,omitempty" msgpack:"actor,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty" msgpack:"error_code,omitempty"`
	Seq           int       `json:"seq,omitempty" msgpack:"seq,omitempty"`
	At            time.Time `json:"at" msgpack:"at"`
}

// Publisher forwards events to an external system.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus delivers events to subscribers without blocking the emitter; a slow
// subscriber loses events rather than stalling the state machine.
type Bus struct {
	Logger     *zap.Logger
	BufferSize int

	mu         sync.RWMutex
	nextID     int
	subs       map[int]chan Event
	publishers []Publisher
}

func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	return &Bus{BufferSize: bufferSize, Logger: logger, subs: map[int]chan Event{}}
}

func (b *Bus) AddPublisher(p Publisher) {
	if b == nil || p == nil {
		return
	}
	b.mu.Lock()
	b.publishers = append(b.publishers, p)
	b.mu.Unlock()
}

// Subscribe returns a channel of future events and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	size := b.BufferSize
	if size <= 0 {
		size = 64
	}
	ch := make(chan Event, size)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = map[int]chan Event{}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Emit must not be called while holding a store transaction.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	pubs := append([]Publisher(nil), b.publishers...)
	b.mu.RUnlock()

	for _, p := range pubs {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Publish(pctx, e)
		cancel()
		if err != nil && b.Logger != nil {
			b.Logger.Warn("events: publish failed", zap.String("type", e.Type), zap.String("execution_id", e.ExecutionID), zap.Error(err))
		}
	}
}
