// Package events is the typed notification channel for pipeline progress.
// Subscribers receive structured events; nothing in the system infers state
// from log text.
package events

import (
	"math/big"
	"sync"
	"time"

	"github.com/mediafoundry/orchestrator/internal/payment"
)

type Type string

const (
	TypeRequestReceived  Type = "request_received"
	TypeChannelsOpened   Type = "channels_opened"
	TypeStageSettled     Type = "stage_settled"
	TypeStageFailed      Type = "stage_failed"
	TypePipelineComplete Type = "pipeline_complete"
	TypeClaimCompleted   Type = "claim_completed"
)

type Event struct {
	Type      Type
	RequestID uint64
	Role      payment.Role
	Amount    *big.Int
	Nonce     uint64
	Reason    string
	At        time.Time
}

// Bus fans events out to subscribers. Publish never blocks; a slow
// subscriber loses events rather than stalling settlement.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and an unsubscribe func.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
