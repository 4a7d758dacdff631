package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ul-gh/bms-gateway/pkg/config"
	"github.com/ul-gh/bms-gateway/pkg/state"
	"github.com/ul-gh/bms-gateway/pkg/telegram"
)

type fakeInput struct {
	desc string
	snap state.Snapshot
	isFresh bool
}

func (f *fakeInput) Snapshot() state.Snapshot { return f.snap }
func (f *fakeInput) Fresh(time.Time) bool     { return f.isFresh }
func (f *fakeInput) Description() string      { return f.desc }

func TestWeightedAverageSOC(t *testing.T) {
	a := &fakeInput{desc: "A", isFresh: true, snap: state.Snapshot{CapacityAh: 100, SOCPercent: 40, SOHPercent: 100}}
	b := &fakeInput{desc: "B", isFresh: true, snap: state.Snapshot{CapacityAh: 300, SOCPercent: 80, SOHPercent: 100}}

	agg := New([]InputSource{a, b}, config.Battery{ILimChargeA: 1000, ILimDischargeA: 1000, ITotScaling: 1}, nil)
	unified, ok := agg.Compute(time.Now())
	require.True(t, ok)
	assert.InDelta(t, 70.0, unified.SOCPercent, 1e-9)
	assert.EqualValues(t, 1, unified.Generation)
}

func TestVoltageSafetyMinMax(t *testing.T) {
	a := &fakeInput{desc: "A", isFresh: true, snap: state.Snapshot{CapacityAh: 100, USetpointChargeV: 55.0, USetpointDischargeV: 40.0}}
	b := &fakeInput{desc: "B", isFresh: true, snap: state.Snapshot{CapacityAh: 100, USetpointChargeV: 56.0, USetpointDischargeV: 42.0}}

	agg := New([]InputSource{a, b}, config.Battery{}, nil)
	unified, ok := agg.Compute(time.Now())
	require.True(t, ok)
	assert.Equal(t, 55.0, unified.USetpointChargeV)
	assert.Equal(t, 42.0, unified.USetpointDischargeV)
}

func TestCurrentLimitClamp(t *testing.T) {
	a := &fakeInput{desc: "A", isFresh: true, snap: state.Snapshot{CapacityAh: 100, ILimChargeA: 500}}
	b := &fakeInput{desc: "B", isFresh: true, snap: state.Snapshot{CapacityAh: 100, ILimChargeA: 300}}

	agg := New([]InputSource{a, b}, config.Battery{ILimChargeA: 700}, nil)
	unified, ok := agg.Compute(time.Now())
	require.True(t, ok)
	assert.Equal(t, 700.0, unified.ILimChargeA)
}

func TestStaleInputSuppressesOutput(t *testing.T) {
	a := &fakeInput{desc: "A", isFresh: true, snap: state.Snapshot{CapacityAh: 100}}
	b := &fakeInput{desc: "B", isFresh: false, snap: state.Snapshot{CapacityAh: 100}}

	agg := New([]InputSource{a, b}, config.Battery{}, nil)
	_, ok := agg.Compute(time.Now())
	assert.False(t, ok)
}

func TestZeroCapacityMisconfigurationSuppressesOutput(t *testing.T) {
	a := &fakeInput{desc: "A", isFresh: true, snap: state.Snapshot{CapacityAh: 0}}
	agg := New([]InputSource{a}, config.Battery{}, nil)
	_, ok := agg.Compute(time.Now())
	assert.False(t, ok)
}

func TestRepeatedComputeIsPureModuloGeneration(t *testing.T) {
	a := &fakeInput{desc: "A", isFresh: true, snap: state.Snapshot{CapacityAh: 100, SOCPercent: 50}}
	agg := New([]InputSource{a}, config.Battery{}, nil)
	first, ok := agg.Compute(time.Now())
	require.True(t, ok)
	second, ok := agg.Compute(time.Now())
	require.True(t, ok)
	assert.Equal(t, first.SOCPercent, second.SOCPercent)
	assert.Equal(t, first.Generation+1, second.Generation)
}

func TestEnableBitsRequireUnanimity(t *testing.T) {
	// One input has charge_enable, the other doesn't: unified must NOT
	// carry charge_enable, since enable semantics are AND'd.
	a := &fakeInput{desc: "A", isFresh: true, snap: state.Snapshot{CapacityAh: 100, StatusFlags: telegram.StatusChargeEnable}}
	b := &fakeInput{desc: "B", isFresh: true, snap: state.Snapshot{CapacityAh: 100}}

	agg := New([]InputSource{a, b}, config.Battery{}, nil)
	unified, ok := agg.Compute(time.Now())
	require.True(t, ok)
	assert.Equal(t, telegram.StatusFlags(0), unified.StatusFlags&telegram.StatusChargeEnable)
}
