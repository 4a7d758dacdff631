package output

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ul-gh/bms-gateway/pkg/can"
	"github.com/ul-gh/bms-gateway/pkg/config"
	"github.com/ul-gh/bms-gateway/pkg/pubsub"
	"github.com/ul-gh/bms-gateway/pkg/state"
	"github.com/ul-gh/bms-gateway/pkg/telegram"
)

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

func (b *fakeBus) frames() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]can.Frame, len(b.sent))
	copy(out, b.sent)
	return out
}

func unifiedFixture() *state.Unified {
	return &state.Unified{
		Generation:          1,
		USetpointChargeV:    55,
		USetpointDischargeV: 40,
		ILimChargeA:         100,
		ILimDischargeA:      100,
		UMeasuredV:          52,
		IMeasuredA:          20,
		TMeasuredC:          25,
		SOCPercent:          50,
		SOHPercent:          100,
		CapacityTotalAh:     100,
	}
}

func TestPushModeTransmitsSixTelegramsInOrder(t *testing.T) {
	bus := &fakeBus{}
	bc := pubsub.NewBroadcast()
	out := config.BMSOut{ILimChargeA: 100, ILimDischargeA: 100, IScaling: 1}
	s := New(out, bus, bc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	bc.Publish(unifiedFixture())

	require.Eventually(t, func() bool { return len(bus.frames()) == 6 }, time.Second, time.Millisecond)
	frames := bus.frames()
	for i, id := range telegram.OutboundOrder {
		assert.Equal(t, id, frames[i].ID)
	}
}

func TestPushModeAppliesScalingAndOffset(t *testing.T) {
	bus := &fakeBus{}
	bc := pubsub.NewBroadcast()
	out := config.BMSOut{ILimChargeA: 1000, ILimDischargeA: 1000, IScaling: 2.0, IOffset: -1.0}
	s := New(out, bus, bc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	bc.Publish(unifiedFixture())

	require.Eventually(t, func() bool { return len(bus.frames()) == 6 }, time.Second, time.Millisecond)
	var measurement can.Frame
	for _, f := range bus.frames() {
		if f.ID == telegram.IDMeasurement {
			measurement = f
		}
	}
	decoded, err := telegram.Decode(measurement.ID, measurement.Data[:measurement.DLC])
	require.NoError(t, err)
	m := decoded.(telegram.Measurement)
	// i_out = 20*2.0 + (-1.0) = 39.0
	assert.InDelta(t, 39.0, m.IMeasuredA, 0.05)
}

func TestPushModeClampsToPerInverterLimit(t *testing.T) {
	bus := &fakeBus{}
	bc := pubsub.NewBroadcast()
	out := config.BMSOut{ILimChargeA: 40, ILimDischargeA: 40, IScaling: 1}
	s := New(out, bus, bc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	unified := unifiedFixture()
	unified.ILimChargeA = 400
	unified.ILimDischargeA = 400
	time.Sleep(20 * time.Millisecond)
	bc.Publish(unified)

	require.Eventually(t, func() bool { return len(bus.frames()) == 6 }, time.Second, time.Millisecond)
	var limits can.Frame
	for _, f := range bus.frames() {
		if f.ID == telegram.IDLimits {
			limits = f
		}
	}
	decoded, err := telegram.Decode(limits.ID, limits.Data[:limits.DLC])
	require.NoError(t, err)
	l := decoded.(telegram.Limits)
	assert.Equal(t, 40.0, l.ILimChargeA)
	assert.Equal(t, 40.0, l.ILimDischargeA)
}

func TestSyncModeTransmitsOnlyOnAcknowledge(t *testing.T) {
	bus := &fakeBus{}
	bc := pubsub.NewBroadcast()
	out := config.BMSOut{ILimChargeA: 100, ILimDischargeA: 100, IScaling: 1, SendSyncActivated: true}
	s := New(out, bus, bc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	bc.Publish(unifiedFixture())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, len(bus.frames()))

	s.Handle(telegram.EncodeSync())
	require.Eventually(t, func() bool { return len(bus.frames()) == 6 }, time.Second, time.Millisecond)
}

func TestHandleIgnoresNonAcknowledgeSyncFrame(t *testing.T) {
	bus := &fakeBus{}
	bc := pubsub.NewBroadcast()
	out := config.BMSOut{SendSyncActivated: true}
	s := New(out, bus, bc, nil)
	bc.Publish(unifiedFixture())

	nonZero := can.Frame{ID: telegram.IDSync, DLC: 8, Data: [8]byte{1}}
	s.Handle(nonZero)
	assert.Equal(t, 0, len(bus.frames()))
}
