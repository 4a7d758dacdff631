package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ul-gh/bms-gateway/pkg/aggregator"
	"github.com/ul-gh/bms-gateway/pkg/can"
	_ "github.com/ul-gh/bms-gateway/pkg/can/socketcan"
	_ "github.com/ul-gh/bms-gateway/pkg/can/virtual"
	"github.com/ul-gh/bms-gateway/pkg/config"
	"github.com/ul-gh/bms-gateway/pkg/input"
	"github.com/ul-gh/bms-gateway/pkg/mqttpub"
	"github.com/ul-gh/bms-gateway/pkg/output"
	"github.com/ul-gh/bms-gateway/pkg/pubsub"
)

// aggregateInterval bounds how often the aggregator recomputes even absent
// a mailbox notification, so input staleness is still detected when no new
// frame ever arrives.
const aggregateInterval = 500 * time.Millisecond

// Gateway is the fully wired dispatch core (C6): every input session,
// the aggregator, every output session and the telemetry publisher,
// running under one Supervisor.
type Gateway struct {
	logger     *slog.Logger
	supervisor *Supervisor

	inputs  []*input.Session
	agg     *aggregator.Aggregator
	outputs []*output.Session
	mqtt    *mqttpub.Publisher

	mailbox   *pubsub.Mailbox
	broadcast *pubsub.Broadcast
}

// New builds every component described by cfg but starts nothing; call Run
// to start the supervised tasks.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mailbox := pubsub.NewMailbox(len(cfg.BMSesIn))
	broadcast := pubsub.NewBroadcast()

	inputs := make([]*input.Session, 0, len(cfg.BMSesIn))
	aggInputs := make([]aggregator.InputSource, 0, len(cfg.BMSesIn))
	for _, in := range cfg.BMSesIn {
		bus, err := can.NewBus(interfaceKind(in.CANInterface), in.CANInterface, 0)
		if err != nil {
			return nil, fmt.Errorf("gateway: input %q: %w", in.Description, err)
		}
		session := input.New(in.Description, in.CANInterface, in.CapacityAh, in.PollInterval(), bus, logger, mailbox.Notify)
		inputs = append(inputs, session)
		aggInputs = append(aggInputs, session)
	}

	agg := aggregator.New(aggInputs, cfg.Battery, logger)

	outputs := make([]*output.Session, 0, len(cfg.BMSesOut))
	for _, out := range cfg.BMSesOut {
		bus, err := can.NewBus(interfaceKind(out.CANInterface), out.CANInterface, 0)
		if err != nil {
			return nil, fmt.Errorf("gateway: output %q: %w", out.Description, err)
		}
		outputs = append(outputs, output.New(out, bus, broadcast, logger))
	}

	mqtt := mqttpub.New(cfg.MQTT, broadcast, logger)

	return &Gateway{
		logger:     logger.With("service", "[GATEWAY]"),
		supervisor: NewSupervisor(logger),
		inputs:     inputs,
		agg:        agg,
		outputs:    outputs,
		mqtt:       mqtt,
		mailbox:    mailbox,
		broadcast:  broadcast,
	}, nil
}

// interfaceKind derives the registered can.Bus implementation from the
// interface name: anything starting with "vcan" or "virtual" uses the
// TCP-broker virtual bus, everything else is assumed to be a real SocketCAN
// link.
func interfaceKind(canInterface string) string {
	if hasPrefix(canInterface, "virtual") || hasPrefix(canInterface, "vcan") {
		return "virtual"
	}
	return "socketcan"
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Run launches every component, including the aggregation loop, under the
// supervisor, blocking until ctx is cancelled or a supervised task exceeds
// its restart budget.
func (g *Gateway) Run(ctx context.Context) error {
	for _, in := range g.inputs {
		in := in
		g.supervisor.Go(ctx, "input:"+in.Description(), in.Run)
	}
	for i, out := range g.outputs {
		out := out
		g.supervisor.Go(ctx, fmt.Sprintf("output:%d", i), out.Run)
	}
	g.supervisor.Go(ctx, "mqtt", g.mqtt.Run)
	g.supervisor.Go(ctx, "aggregator", g.runAggregator)

	select {
	case <-ctx.Done():
		g.supervisor.Wait()
		return nil
	case <-g.supervisor.Fatal():
		return g.supervisor.FatalErr()
	}
}

// runAggregator recomputes the unified state on every input notification
// and at least every aggregateInterval, publishing each successful result.
func (g *Gateway) runAggregator(ctx context.Context) {
	ticker := time.NewTicker(aggregateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.mailbox.C():
		case <-ticker.C:
		}
		unified, ok := g.agg.Compute(time.Now())
		if !ok {
			continue
		}
		g.broadcast.Publish(unified)
	}
}
