// Package input implements one input BMS session (C2): it owns a single
// input CAN interface, reassembles the BMS telegram group into a snapshot,
// and tracks per-group freshness.
package input

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ul-gh/bms-gateway/pkg/can"
	"github.com/ul-gh/bms-gateway/pkg/state"
	"github.com/ul-gh/bms-gateway/pkg/telegram"
)

// NominalTransmitPeriod is the BMS's assumed nominal telegram period. The
// freshness window is three times this value, per the gateway's staleness
// policy.
const NominalTransmitPeriod = time.Second

const (
	minBackoff = 250 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Session owns one input CAN interface.
type Session struct {
	logger       *slog.Logger
	description  string
	canInterface string
	bus          can.Bus
	pollInterval time.Duration
	freshWindow  time.Duration

	notify func()

	mu       sync.Mutex
	snapshot *state.Snapshot

	decodeErrors atomic.Uint64
}

// New creates a session for one configured input BMS. notify is called
// (non-blocking, from the bus's receive goroutine) on the update that first
// makes the snapshot complete and on every update after that; it should
// enqueue, never block.
func New(description, canInterface string, capacityAh float64, pollInterval time.Duration, bus can.Bus, logger *slog.Logger, notify func()) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		logger:       logger.With("service", "[BMS-IN]", "if", canInterface, "desc", description),
		description:  description,
		canInterface: canInterface,
		bus:          bus,
		pollInterval: pollInterval,
		freshWindow:  3 * NominalTransmitPeriod,
		notify:       notify,
		snapshot:     state.NewSnapshot(description, capacityAh),
	}
}

// Handle implements can.FrameListener: it is invoked by the bus for every
// received frame, in receive order.
func (s *Session) Handle(frame can.Frame) {
	tg, err := telegram.DecodeFrame(frame)
	if err != nil {
		s.decodeErrors.Add(1)
		s.logger.Warn("dropping undecodable frame", "id", frame.ID, "error", err)
		return
	}
	if tg == nil {
		return // unknown id, ignored per protocol
	}

	s.mu.Lock()
	wasComplete := s.snapshot.Complete
	s.snapshot.Apply(tg, time.Now())
	justCompleted := !wasComplete && s.snapshot.Complete
	s.mu.Unlock()

	if justCompleted || wasComplete {
		if s.notify != nil {
			s.notify()
		}
	}
}

// DecodeErrors returns the running count of dropped, undecodable frames.
func (s *Session) DecodeErrors() uint64 { return s.decodeErrors.Load() }

// Snapshot returns a point-in-time copy of the session's snapshot, safe to
// hand to the aggregator.
func (s *Session) Snapshot() state.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

// Fresh reports whether the session's snapshot is currently fresh.
func (s *Session) Fresh(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Fresh(now, s.freshWindow)
}

// Description returns the configured human-readable name of this input.
func (s *Session) Description() string { return s.description }

// Run connects to the CAN interface and blocks until ctx is cancelled,
// reconnecting with exponential backoff on connect failures. It never
// panics the process; connect and subscribe errors are logged and retried.
// Receive errors inside the bus implementation are not reported to the
// session and do not trigger a reconnect.
func (s *Session) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connectAndServe(ctx); err != nil {
			s.logger.Error("interface error, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// connectAndServe only returns nil when ctx was cancelled.
		return
	}
}

func (s *Session) connectAndServe(ctx context.Context) error {
	if err := s.bus.Connect(); err != nil {
		return err
	}
	defer func() { _ = s.bus.Disconnect() }()

	if err := s.bus.Subscribe(s); err != nil {
		return err
	}

	var pollCh <-chan time.Time
	if s.pollInterval > 0 {
		pollTicker := time.NewTicker(s.pollInterval)
		defer pollTicker.Stop()
		pollCh = pollTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pollCh:
			if err := s.bus.Send(telegram.EncodeSync()); err != nil {
				s.logger.Warn("failed to send poll sync telegram", "error", err)
			}
		}
	}
}

func jitter(d time.Duration) time.Duration {
	//nolint:gosec // jitter does not need cryptographic randomness
	return d/2 + time.Duration(rand.Int63n(int64(d/2+1)))
}
