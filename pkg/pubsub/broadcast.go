package pubsub

import (
	"sync"

	"github.com/ul-gh/bms-gateway/pkg/state"
)

// Broadcast is a single-slot, read-only-to-subscribers holder for the
// latest unified state. Subscribers always observe the most recent value;
// they may miss intermediate generations if they are slow to look again,
// which is deliberate.
type Broadcast struct {
	mu    sync.Mutex
	value *state.Unified
	ch    chan struct{}
}

// NewBroadcast returns an empty broadcast slot.
func NewBroadcast() *Broadcast {
	return &Broadcast{ch: make(chan struct{})}
}

// Publish stores a new unified state and wakes every subscriber currently
// blocked in Latest's returned channel.
func (b *Broadcast) Publish(v *state.Unified) {
	b.mu.Lock()
	b.value = v
	old := b.ch
	b.ch = make(chan struct{})
	b.mu.Unlock()
	close(old)
}

// Latest returns the current value (nil if nothing has been published yet)
// and a channel that closes the next time Publish is called. Callers
// select on the channel, then call Latest again to pick up the new value.
func (b *Broadcast) Latest() (*state.Unified, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, b.ch
}
