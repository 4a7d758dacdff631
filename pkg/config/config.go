// Package config loads the gateway's TOML configuration file and validates
// it into the typed shape the rest of the program consumes.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level decoded configuration.
type Config struct {
	GatewayActivated bool `toml:"GATEWAY-ACTIVATED"`

	MQTT    MQTT      `toml:"mqtt"`
	Battery Battery   `toml:"battery"`
	BMSesIn []BMSIn   `toml:"bmses-in"`
	BMSesOut []BMSOut `toml:"bmses-out"`
}

// MQTT configures the telemetry publisher (C5).
type MQTT struct {
	Activated bool   `toml:"ACTIVATED"`
	Topic     string `toml:"TOPIC"`
	Broker    string `toml:"BROKER"`
	Port      int    `toml:"PORT"`
	// IntervalS is the minimum seconds between publishes.
	IntervalS float64 `toml:"INTERVAL"`
}

// Battery configures the pack-wide current limit ceiling and the
// total-current linear correction applied by the aggregator.
type Battery struct {
	ILimChargeA    float64 `toml:"I-LIM-CHARGE"`
	ILimDischargeA float64 `toml:"I-LIM-DISCHARGE"`
	ITotScaling    float64 `toml:"I-TOT-SCALING"`
	ITotOffset     float64 `toml:"I-TOT-OFFSET"`
}

// BMSIn configures one input BMS session (C2).
type BMSIn struct {
	CANInterface string  `toml:"CAN-IF"`
	Description  string  `toml:"DESCRIPTION"`
	CapacityAh   float64 `toml:"CAPACITY-AH"`
	// PollIntervalS, if non-zero, periodically transmits a 0x305 sync
	// telegram on this interface to elicit responses from polled BMSes.
	PollIntervalS float64 `toml:"POLL-INTERVAL"`
}

// BMSOut configures one output BMS session (C4), i.e. one inverter.
type BMSOut struct {
	CANInterface       string  `toml:"CAN-IF"`
	Description        string  `toml:"DESCRIPTION"`
	ILimChargeA        float64 `toml:"I-LIM-CHARGE"`
	ILimDischargeA     float64 `toml:"I-LIM-DISCHARGE"`
	IScaling           float64 `toml:"I-SCALING"`
	IOffset            float64 `toml:"I-OFFSET"`
	PushMinDelayS      float64 `toml:"PUSH-MIN-DELAY"`
	SendSyncActivated  bool    `toml:"SEND-SYNC-ACTIVATED"`
	SyncIntervalS      float64 `toml:"SYNC-INTERVAL"`
}

// PushMinDelay returns the configured push coalescing delay as a Duration.
func (b BMSOut) PushMinDelay() time.Duration {
	return time.Duration(b.PushMinDelayS * float64(time.Second))
}

// SyncInterval returns the configured sync-telegram period as a Duration.
func (b BMSOut) SyncInterval() time.Duration {
	return time.Duration(b.SyncIntervalS * float64(time.Second))
}

// PollInterval returns the configured poll period as a Duration; zero means
// polling is disabled.
func (b BMSIn) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalS * float64(time.Second))
}

// Interval returns the configured minimum MQTT publish interval.
func (m MQTT) Interval() time.Duration {
	return time.Duration(m.IntervalS * float64(time.Second))
}

// Load parses the TOML configuration at path. It validates the result only
// when GATEWAY-ACTIVATED is true; a deactivated gateway's configuration may
// be empty or incomplete since no session will ever be started from it.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if !cfg.GatewayActivated {
		return &cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the rest of the program relies on:
// distinct, non-empty interface names and a non-zero total capacity.
// It is only meaningful, and only called, when GatewayActivated is true.
func (cfg *Config) Validate() error {
	if len(cfg.BMSesIn) == 0 {
		return fmt.Errorf("config: at least one [[bmses-in]] entry is required")
	}
	if len(cfg.BMSesOut) == 0 {
		return fmt.Errorf("config: at least one [[bmses-out]] entry is required")
	}

	seen := make(map[string]bool, len(cfg.BMSesIn)+len(cfg.BMSesOut))
	totalCapacity := 0.0
	for _, in := range cfg.BMSesIn {
		if in.CANInterface == "" {
			return fmt.Errorf("config: bmses-in entry %q missing CAN-IF", in.Description)
		}
		if seen[in.CANInterface] {
			return fmt.Errorf("config: CAN-IF %q used more than once", in.CANInterface)
		}
		seen[in.CANInterface] = true
		if in.CapacityAh <= 0 {
			return fmt.Errorf("config: bmses-in %q has non-positive CAPACITY-AH", in.Description)
		}
		totalCapacity += in.CapacityAh
	}
	if totalCapacity <= 0 {
		return fmt.Errorf("config: total configured capacity is zero")
	}
	for _, out := range cfg.BMSesOut {
		if out.CANInterface == "" {
			return fmt.Errorf("config: bmses-out entry %q missing CAN-IF", out.Description)
		}
		if seen[out.CANInterface] {
			return fmt.Errorf("config: CAN-IF %q used more than once", out.CANInterface)
		}
		seen[out.CANInterface] = true
	}
	if cfg.MQTT.Activated && cfg.MQTT.Topic == "" {
		return fmt.Errorf("config: [mqtt] ACTIVATED but TOPIC is empty")
	}
	return nil
}

// WriteDefault copies the bundled default configuration template to path,
// used by the `--init` CLI flag. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists, refusing to overwrite", path)
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o644)
}
