// Package output implements one output BMS session (C4): it owns a single
// output CAN interface, applies the per-inverter transform to the unified
// state, and emits telegrams in either push or sync-triggered mode.
package output

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ul-gh/bms-gateway/pkg/can"
	"github.com/ul-gh/bms-gateway/pkg/config"
	"github.com/ul-gh/bms-gateway/pkg/pubsub"
	"github.com/ul-gh/bms-gateway/pkg/state"
	"github.com/ul-gh/bms-gateway/pkg/telegram"
)

// Session owns one output CAN interface (one inverter).
type Session struct {
	logger    *slog.Logger
	transform config.BMSOut
	bus       can.Bus
	broadcast *pubsub.Broadcast

	mu       sync.Mutex
	lastSend time.Time

	sendFailures atomic.Uint64
}

// New creates an output session for one configured inverter.
func New(transform config.BMSOut, bus can.Bus, broadcast *pubsub.Broadcast, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		logger:    logger.With("service", "[BMS-OUT]", "if", transform.CANInterface, "desc", transform.Description),
		transform: transform,
		bus:       bus,
		broadcast: broadcast,
	}
}

// SendFailures returns the running count of individual telegram sends that
// failed; failures are counted, never propagated.
func (s *Session) SendFailures() uint64 { return s.sendFailures.Load() }

// Handle implements can.FrameListener: in sync mode, an inbound 0x305
// all-zero acknowledge triggers one immediate outbound telegram set.
func (s *Session) Handle(frame can.Frame) {
	if !s.transform.SendSyncActivated {
		return
	}
	if frame.ID != telegram.IDSync {
		return
	}
	if !telegram.IsSyncAck(frame.Data[:frame.DLC]) {
		return
	}
	unified, _ := s.broadcast.Latest()
	if unified == nil {
		return
	}
	s.transmitSet(unified)
}

// Run connects the output interface and, depending on configuration, runs
// either the push-mode coalescing loop or the sync-mode trigger loop. It
// blocks until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	if err := s.bus.Connect(); err != nil {
		s.logger.Error("failed to connect output interface", "error", err)
		return
	}
	defer func() { _ = s.bus.Disconnect() }()

	if s.transform.SendSyncActivated {
		if err := s.bus.Subscribe(s); err != nil {
			s.logger.Error("failed to subscribe for sync acknowledges", "error", err)
			return
		}
		s.runSyncMode(ctx)
		return
	}
	s.runPushMode(ctx)
}

// runPushMode applies the transform to every new unified state and
// transmits it, coalescing bursts faster than PushMinDelay by letting the
// most recent generation win.
func (s *Session) runPushMode(ctx context.Context) {
	unified, ch := s.broadcast.Latest()
	delay := s.transform.PushMinDelay()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			unified, ch = s.broadcast.Latest()
			if unified == nil {
				continue
			}
			if delay > 0 {
				s.waitForMinDelay(ctx, delay)
				unified, ch = s.broadcast.Latest()
			}
			s.transmitSet(unified)
		}
	}
}

func (s *Session) waitForMinDelay(ctx context.Context, delay time.Duration) {
	s.mu.Lock()
	elapsed := time.Since(s.lastSend)
	s.mu.Unlock()
	if elapsed >= delay {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay - elapsed):
	}
}

// runSyncMode periodically emits an outbound 0x305 sync telegram to
// bootstrap and retrigger inverters that expect it; the actual telegram
// set is emitted from Handle upon receiving the inverter's acknowledge.
func (s *Session) runSyncMode(ctx context.Context) {
	interval := s.transform.SyncInterval()
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.bus.Send(telegram.EncodeSync()); err != nil {
				s.logger.Warn("failed to send outgoing sync telegram", "error", err)
			}
		}
	}
}

// transmitSet applies the per-inverter transform and sends all six
// outbound telegrams back to back in protocol order. A failed frame does
// not abort the remaining ones.
func (s *Session) transmitSet(u *state.Unified) {
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()

	t := s.transform
	limits := telegram.Limits{
		UChargeV:       u.USetpointChargeV,
		ILimChargeA:    min(u.ILimChargeA, t.ILimChargeA),
		ILimDischargeA: min(u.ILimDischargeA, t.ILimDischargeA),
		UDischargeV:    u.USetpointDischargeV,
	}
	socsoh := telegram.SOCSOH{SOCPercent: u.SOCPercent, SOHPercent: u.SOHPercent}
	measurement := telegram.Measurement{
		UMeasuredV: u.UMeasuredV,
		IMeasuredA: u.IMeasuredA*t.IScaling + t.IOffset,
		TMeasuredC: u.TMeasuredC,
	}
	alarms := telegram.Alarms{Errors: u.ErrorFlags, Warnings: u.WarningFlags, Vendor: [3]byte{'P', 'N', 0}}
	status := telegram.Status{Flags: u.StatusFlags}
	manufacturer := telegram.Manufacturer{Name: [8]byte{'b', 'm', 's', '-', 'g', 'a', 't', 'e'}}

	s.send(telegram.EncodeLimits(limits))
	s.send(telegram.EncodeSOCSOH(socsoh))
	s.send(telegram.EncodeMeasurement(measurement))
	s.send(telegram.EncodeAlarms(alarms))
	s.send(telegram.EncodeStatus(status))
	s.send(telegram.EncodeManufacturer(manufacturer))
}

func (s *Session) send(frame can.Frame) {
	if err := s.bus.Send(frame); err != nil {
		s.sendFailures.Add(1)
		s.logger.Warn("failed to transmit telegram", "id", frame.ID, "error", err)
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
