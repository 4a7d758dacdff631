// Package aggregator implements the state aggregator (C3): it combines all
// fresh input snapshots into a single unified pack state under a fixed set
// of capacity-weighted and safety-biased reduction rules.
package aggregator

import (
	"log/slog"
	"time"

	"github.com/ul-gh/bms-gateway/pkg/config"
	"github.com/ul-gh/bms-gateway/pkg/state"
)

// InputSource is anything the aggregator can pull a current snapshot and
// freshness verdict from — satisfied by *input.Session, mocked by tests.
type InputSource interface {
	Snapshot() state.Snapshot
	Fresh(now time.Time) bool
	Description() string
}

// Aggregator reduces all configured inputs into a unified state.
type Aggregator struct {
	logger  *slog.Logger
	inputs  []InputSource
	battery config.Battery

	generation uint64
}

// New creates an aggregator over the given inputs.
func New(inputs []InputSource, battery config.Battery, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		logger:  logger.With("service", "[AGGR]"),
		inputs:  inputs,
		battery: battery,
	}
}

// Compute reads every input's current snapshot and freshness and, if and
// only if every input is currently fresh, returns a new unified state with
// an incremented generation. If any input is stale, or total configured
// capacity is zero, it returns (nil, false): the deliberate "no output"
// quorum policy that prevents mis-commanding inverters on partial data.
func (a *Aggregator) Compute(now time.Time) (*state.Unified, bool) {
	snapshots := make([]state.Snapshot, len(a.inputs))
	inputStatus := make([]state.InputStatus, len(a.inputs))
	allFresh := true

	for i, in := range a.inputs {
		snap := in.Snapshot()
		snapshots[i] = snap
		fresh := in.Fresh(now)
		if !fresh {
			allFresh = false
		}
		age := 0.0
		if !snap.LastUpdate.IsZero() {
			age = now.Sub(snap.LastUpdate).Seconds()
		}
		inputStatus[i] = state.InputStatus{
			Description:  in.Description(),
			Fresh:        fresh,
			LastSeenAgeS: age,
		}
	}

	if !allFresh {
		a.logger.Debug("suppressing unified state, not all inputs fresh")
		return nil, false
	}

	totalCapacity := 0.0
	for _, s := range snapshots {
		totalCapacity += s.CapacityAh
	}
	if totalCapacity <= 0 {
		a.logger.Error("suppressing unified state, total capacity is zero (misconfiguration)")
		return nil, false
	}

	unified := reduce(snapshots, totalCapacity, a.battery)
	unified.Inputs = inputStatus
	unified.ProducedAt = now
	a.generation++
	unified.Generation = a.generation
	return unified, true
}

func reduce(snapshots []state.Snapshot, totalCapacity float64, battery config.Battery) *state.Unified {
	u := &state.Unified{CapacityTotalAh: totalCapacity}

	minCharge := snapshots[0].USetpointChargeV
	maxDischarge := snapshots[0].USetpointDischargeV
	sumILimCharge := 0.0
	sumILimDischarge := 0.0
	sumIMeasured := 0.0
	weightedU := 0.0
	weightedT := 0.0
	weightedSOC := 0.0
	weightedSOH := 0.0

	enableAnd := snapshots[0].StatusFlags.EnableBits()

	for i, s := range snapshots {
		if s.USetpointChargeV < minCharge {
			minCharge = s.USetpointChargeV
		}
		if s.USetpointDischargeV > maxDischarge {
			maxDischarge = s.USetpointDischargeV
		}
		sumILimCharge += s.ILimChargeA
		sumILimDischarge += s.ILimDischargeA
		sumIMeasured += s.IMeasuredA

		weightedU += s.UMeasuredV * s.CapacityAh
		weightedT += s.TMeasuredC * s.CapacityAh
		weightedSOC += s.SOCPercent * s.CapacityAh
		weightedSOH += s.SOHPercent * s.CapacityAh

		u.ErrorFlags |= s.ErrorFlags
		u.WarningFlags |= s.WarningFlags
		u.StatusFlags |= s.StatusFlags.RequestBits()
		if i > 0 {
			enableAnd &= s.StatusFlags.EnableBits()
		}
	}
	u.StatusFlags |= enableAnd

	u.USetpointChargeV = minCharge
	u.USetpointDischargeV = maxDischarge

	u.ILimChargeA = clamp(sumILimCharge, battery.ILimChargeA)
	u.ILimDischargeA = clamp(sumILimDischarge, battery.ILimDischargeA)

	u.IMeasuredA = sumIMeasured*battery.ITotScaling + battery.ITotOffset

	u.UMeasuredV = weightedU / totalCapacity
	u.TMeasuredC = weightedT / totalCapacity
	u.SOCPercent = weightedSOC / totalCapacity
	u.SOHPercent = weightedSOH / totalCapacity

	return u
}

// clamp caps a summed limit at the configured pack-wide ceiling, but never
// raises it: a ceiling of zero or less is treated as "no additional cap"
// and the sum is returned unchanged.
func clamp(sum, ceiling float64) float64 {
	if ceiling > 0 && sum > ceiling {
		return ceiling
	}
	return sum
}
