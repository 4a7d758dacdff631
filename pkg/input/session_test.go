package input

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ul-gh/bms-gateway/pkg/can"
	"github.com/ul-gh/bms-gateway/pkg/telegram"
)

// fakeBus is a minimal can.Bus double: Send records transmitted frames,
// Subscribe captures the listener so a test can feed it frames directly.
type fakeBus struct {
	mu       sync.Mutex
	sent     []can.Frame
	listener can.FrameListener
}

func (b *fakeBus) Connect(...any) error { return nil }
func (b *fakeBus) Disconnect() error    { return nil }
func (b *fakeBus) Send(frame can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, frame)
	return nil
}
func (b *fakeBus) Subscribe(l can.FrameListener) error {
	b.listener = l
	return nil
}

func (b *fakeBus) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func requiredGroupFrames() []can.Frame {
	return []can.Frame{
		telegram.EncodeLimits(telegram.Limits{UChargeV: 55, ILimChargeA: 100, ILimDischargeA: 100, UDischargeV: 40}),
		telegram.EncodeSOCSOH(telegram.SOCSOH{SOCPercent: 50, SOHPercent: 100}),
		telegram.EncodeMeasurement(telegram.Measurement{UMeasuredV: 52, IMeasuredA: 20, TMeasuredC: 25}),
		telegram.EncodeAlarms(telegram.Alarms{}),
	}
}

func TestSessionNotifiesOnceCompleteThenOnEveryUpdate(t *testing.T) {
	bus := &fakeBus{}
	var notifications int
	var mu sync.Mutex
	notify := func() {
		mu.Lock()
		notifications++
		mu.Unlock()
	}

	s := New("A", "vcan0", 100, 0, bus, nil, notify)

	for i, f := range requiredGroupFrames() {
		s.Handle(f)
		if i < 3 {
			assert.False(t, s.Snapshot().Complete)
		}
	}
	require.True(t, s.Snapshot().Complete)

	mu.Lock()
	got := notifications
	mu.Unlock()
	assert.Equal(t, 1, got)

	// A further update on an already-complete snapshot notifies again.
	s.Handle(telegram.EncodeSOCSOH(telegram.SOCSOH{SOCPercent: 60}))
	mu.Lock()
	got = notifications
	mu.Unlock()
	assert.Equal(t, 2, got)
	assert.Equal(t, 60.0, s.Snapshot().SOCPercent)
}

func TestSessionDropsUndecodableFrameAndCountsIt(t *testing.T) {
	bus := &fakeBus{}
	s := New("A", "vcan0", 100, 0, bus, nil, nil)

	truncated := can.Frame{ID: telegram.IDLimits, DLC: 2}
	s.Handle(truncated)
	assert.Equal(t, uint64(1), s.DecodeErrors())
	assert.False(t, s.Snapshot().Complete)
}

func TestSessionIgnoresUnknownID(t *testing.T) {
	bus := &fakeBus{}
	s := New("A", "vcan0", 100, 0, bus, nil, nil)

	s.Handle(can.Frame{ID: 0x7FF, DLC: 8})
	assert.Equal(t, uint64(0), s.DecodeErrors())
}

func TestSessionFreshnessTransitions(t *testing.T) {
	bus := &fakeBus{}
	s := New("A", "vcan0", 100, 0, bus, nil, nil)
	for _, f := range requiredGroupFrames() {
		s.Handle(f)
	}
	require.True(t, s.Snapshot().Complete)

	now := time.Now()
	assert.True(t, s.Fresh(now))
	assert.False(t, s.Fresh(now.Add(NominalTransmitPeriod*10)))
}

func TestSessionPollEmitsSyncTelegram(t *testing.T) {
	bus := &fakeBus{}
	s := New("A", "vcan0", 100, 20*time.Millisecond, bus, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()
	_ = s.connectAndServe(ctx)

	assert.GreaterOrEqual(t, bus.sentCount(), 2)
}
