// Package mqttpub implements the telemetry publisher (C5): it serializes the
// aggregator's unified state to JSON and publishes it to a broker at no more
// than the configured minimum interval, for as long as the underlying inputs
// stay fresh.
package mqttpub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ul-gh/bms-gateway/pkg/config"
	"github.com/ul-gh/bms-gateway/pkg/pubsub"
	"github.com/ul-gh/bms-gateway/pkg/state"
)

const (
	connectTimeout  = 5 * time.Second
	minBackoff      = time.Second
	maxBackoff      = 30 * time.Second
	publishQoS      = 0
	publishRetained = false
)

// Payload is the wire shape of one telemetry message, matching the
// configured schema field for field.
type Payload struct {
	Generation uint64  `json:"gen"`
	Timestamp  float64 `json:"ts"`

	UChargeV       float64 `json:"u_charge"`
	UDischargeV    float64 `json:"u_discharge"`
	ILimChargeA    float64 `json:"i_lim_charge"`
	ILimDischargeA float64 `json:"i_lim_discharge"`

	UMeasuredV float64 `json:"u"`
	IMeasuredA float64 `json:"i"`
	TMeasuredC float64 `json:"t"`

	SOCPercent float64 `json:"soc"`
	SOHPercent float64 `json:"soh"`
	CapacityAh float64 `json:"capacity_ah"`

	Errors   []string        `json:"errors"`
	Warnings []string        `json:"warnings"`
	Status   map[string]bool `json:"status"`

	Inputs []InputPayload `json:"inputs"`
}

// InputPayload is the per-input freshness summary embedded in Payload.
type InputPayload struct {
	Description  string  `json:"desc"`
	Fresh        bool    `json:"fresh"`
	LastSeenAgeS float64 `json:"last_seen_age_s"`
}

// Publisher owns the MQTT client connection and the publish-rate gate.
type Publisher struct {
	logger    *slog.Logger
	cfg       config.MQTT
	broadcast *pubsub.Broadcast
	client    mqtt.Client
}

// New creates a telemetry publisher. The client is constructed but not
// connected until Run is called.
func New(cfg config.MQTT, broadcast *pubsub.Broadcast, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[MQTT]", "topic", cfg.Topic)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg))
	opts.SetClientID("bms-gateway")
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(minBackoff)
	opts.SetMaxReconnectInterval(maxBackoff)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("lost connection to broker", "error", err)
	})

	return &Publisher{
		logger:    logger,
		cfg:       cfg,
		broadcast: broadcast,
		client:    mqtt.NewClient(opts),
	}
}

func brokerURL(cfg config.MQTT) string {
	return "tcp://" + cfg.Broker + ":" + strconv.Itoa(cfg.Port)
}

// Run connects to the broker and publishes every unified state produced
// while both the connection is alive and at least the configured minimum
// interval has elapsed since the previous publish. It blocks until ctx is
// cancelled. The publisher never queues a message: a unified state that
// arrives mid-interval is simply superseded by the next one.
func (p *Publisher) Run(ctx context.Context) {
	if !p.cfg.Activated {
		<-ctx.Done()
		return
	}

	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		p.logger.Error("failed initial connect to broker", "error", token.Error())
	}
	defer p.client.Disconnect(250)

	interval := p.cfg.Interval()
	var lastPublish time.Time

	unified, ch := p.broadcast.Latest()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			unified, ch = p.broadcast.Latest()
		}
		if unified == nil {
			continue
		}
		if interval > 0 && time.Since(lastPublish) < interval {
			continue
		}
		if !p.client.IsConnected() {
			continue
		}
		p.publish(unified)
		lastPublish = time.Now()
	}
}

func (p *Publisher) publish(u *state.Unified) {
	payload := toPayload(u)
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to marshal telemetry payload", "error", err)
		return
	}
	token := p.client.Publish(p.cfg.Topic, publishQoS, publishRetained, body)
	if token.WaitTimeout(connectTimeout) && token.Error() != nil {
		p.logger.Warn("failed to publish telemetry", "error", token.Error())
	}
}

func toPayload(u *state.Unified) Payload {
	inputs := make([]InputPayload, len(u.Inputs))
	for i, in := range u.Inputs {
		inputs[i] = InputPayload{Description: in.Description, Fresh: in.Fresh, LastSeenAgeS: in.LastSeenAgeS}
	}
	errs := u.ErrorFlags.Names()
	if errs == nil {
		errs = []string{}
	}
	warns := u.WarningFlags.Names()
	if warns == nil {
		warns = []string{}
	}

	return Payload{
		Generation:     u.Generation,
		Timestamp:      float64(u.ProducedAt.UnixNano()) / 1e9,
		UChargeV:       u.USetpointChargeV,
		UDischargeV:    u.USetpointDischargeV,
		ILimChargeA:    u.ILimChargeA,
		ILimDischargeA: u.ILimDischargeA,
		UMeasuredV:     u.UMeasuredV,
		IMeasuredA:     u.IMeasuredA,
		TMeasuredC:     u.TMeasuredC,
		SOCPercent:     u.SOCPercent,
		SOHPercent:     u.SOHPercent,
		CapacityAh:     u.CapacityTotalAh,
		Errors:         errs,
		Warnings:       warns,
		Status:         u.StatusFlags.AsMap(),
		Inputs:         inputs,
	}
}
