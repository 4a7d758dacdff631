// Package state defines the data model shared by every input session, the
// aggregator, and the downstream consumers: the per-BMS snapshot and the
// aggregator's unified pack state.
package state

import (
	"time"

	"github.com/ul-gh/bms-gateway/pkg/telegram"
)

// Snapshot is one input BMS's most recently decoded view. A session owns
// its snapshot exclusively; the aggregator only ever reads a copy.
type Snapshot struct {
	Description string

	USetpointChargeV    float64
	USetpointDischargeV float64
	ILimChargeA         float64
	ILimDischargeA      float64

	UMeasuredV float64
	IMeasuredA float64
	TMeasuredC float64

	SOCPercent float64
	SOHPercent float64

	CapacityAh float64

	ErrorFlags   telegram.ErrorFlags
	WarningFlags telegram.WarningFlags
	StatusFlags  telegram.StatusFlags

	LastUpdate time.Time
	// LastSeen tracks the last receive time for each group in
	// telegram.RequiredGroup, keyed by CAN ID.
	LastSeen map[uint32]time.Time

	// Complete is true once every group in telegram.RequiredGroup has been
	// observed at least once. It never reverts to false.
	Complete bool
}

// NewSnapshot returns a zeroed snapshot ready to receive telegrams.
func NewSnapshot(description string, capacityAh float64) *Snapshot {
	return &Snapshot{
		Description: description,
		CapacityAh:  capacityAh,
		LastSeen:    make(map[uint32]time.Time, len(telegram.RequiredGroup)),
	}
}

// Apply decodes a telegram's fields into the snapshot in place, records
// LastSeen for its group, and marks the snapshot complete once every
// required group has been seen. The 0x35C status telegram is applied as
// well, although it is not part of the required set; the 0x35E
// manufacturer and 0x305 sync telegrams are ignored here.
func (s *Snapshot) Apply(tg telegram.Telegram, now time.Time) {
	switch v := tg.(type) {
	case telegram.Limits:
		s.USetpointChargeV = v.UChargeV
		s.USetpointDischargeV = v.UDischargeV
		s.ILimChargeA = v.ILimChargeA
		s.ILimDischargeA = v.ILimDischargeA
	case telegram.SOCSOH:
		s.SOCPercent = v.SOCPercent
		s.SOHPercent = v.SOHPercent
	case telegram.Measurement:
		s.UMeasuredV = v.UMeasuredV
		s.IMeasuredA = v.IMeasuredA
		s.TMeasuredC = v.TMeasuredC
	case telegram.Alarms:
		s.ErrorFlags = v.Errors
		s.WarningFlags = v.Warnings
	case telegram.Status:
		s.StatusFlags = v.Flags
	default:
		return
	}
	s.LastUpdate = now
	s.LastSeen[tg.CANID()] = now
	if !s.Complete && s.hasSeenAllRequired() {
		s.Complete = true
	}
}

func (s *Snapshot) hasSeenAllRequired() bool {
	for _, id := range telegram.RequiredGroup {
		if _, ok := s.LastSeen[id]; !ok {
			return false
		}
	}
	return true
}

// Fresh reports whether every required group was updated within window of
// now. A snapshot that has never completed is never fresh.
func (s *Snapshot) Fresh(now time.Time, window time.Duration) bool {
	if !s.Complete {
		return false
	}
	for _, id := range telegram.RequiredGroup {
		seen, ok := s.LastSeen[id]
		if !ok || now.Sub(seen) > window {
			return false
		}
	}
	return true
}

// Clone returns a value copy safe to hand to the aggregator without sharing
// the LastSeen map with the owning session.
func (s *Snapshot) Clone() Snapshot {
	clone := *s
	clone.LastSeen = make(map[uint32]time.Time, len(s.LastSeen))
	for k, v := range s.LastSeen {
		clone.LastSeen[k] = v
	}
	return clone
}

// Unified is the aggregator's single virtual-BMS output representing the
// whole parallel battery stack.
type Unified struct {
	Generation uint64
	ProducedAt time.Time

	USetpointChargeV    float64
	USetpointDischargeV float64
	ILimChargeA         float64
	ILimDischargeA      float64

	UMeasuredV float64
	IMeasuredA float64
	TMeasuredC float64

	SOCPercent float64
	SOHPercent float64

	CapacityTotalAh float64

	ErrorFlags   telegram.ErrorFlags
	WarningFlags telegram.WarningFlags
	StatusFlags  telegram.StatusFlags

	// Inputs records, for telemetry, each input's freshness at the moment
	// this unified state was produced.
	Inputs []InputStatus
}

// InputStatus is the per-input freshness summary carried in the MQTT
// telemetry payload.
type InputStatus struct {
	Description  string
	Fresh        bool
	LastSeenAgeS float64
}
