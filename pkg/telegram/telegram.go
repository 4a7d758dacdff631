// Package telegram implements the Pylontech/SMA Sunny Island low-voltage BMS
// CAN telegram family: a pure, bit-exact mapping between raw CAN frames and
// typed records. It performs no I/O and keeps no clocks, so every encode/
// decode pair is a deterministic function of its input.
package telegram

import (
	"errors"
	"fmt"

	"github.com/ul-gh/bms-gateway/pkg/can"
)

// Recognized CAN identifiers. All are 11-bit standard frames; no other IDs
// are transmitted by this protocol family.
const (
	IDLimits      uint32 = 0x351 // u_charge, i_lim_charge, i_lim_discharge, u_discharge
	IDSOCSOH      uint32 = 0x355 // soc, soh
	IDMeasurement uint32 = 0x356 // u_measured, i_measured, t_measured
	IDAlarms      uint32 = 0x359 // protection bits, alarm bits, module count, vendor
	IDStatus      uint32 = 0x35C // charge/discharge enable and request bits
	IDManufacturer uint32 = 0x35E // 8 ASCII bytes
	IDSync        uint32 = 0x305 // inverter<->BMS sync/acknowledge, 8x0x00
)

// RequiredGroup is the set of telegrams an input session must see at least
// once before its snapshot is marked complete.
var RequiredGroup = []uint32{IDLimits, IDSOCSOH, IDMeasurement, IDAlarms}

// OutboundOrder is the transmission order used by an output session when it
// emits a full telegram set, matching the order observed on real inverters.
var OutboundOrder = []uint32{IDLimits, IDSOCSOH, IDMeasurement, IDAlarms, IDStatus, IDManufacturer}

var (
	// ErrTruncated is returned by Decode when a frame is shorter than the
	// payload its ID requires.
	ErrTruncated = errors.New("telegram: frame shorter than required payload")
)

// Telegram is implemented by every decoded record. Unknown CAN IDs decode to
// (nil, nil) rather than an error — "ignored", per the wire family's open
// set of IDs other devices may share the bus with.
type Telegram interface {
	CANID() uint32
}

// Decode maps a raw CAN frame onto a typed telegram. An unrecognized ID
// yields (nil, nil); a recognized ID with too few data bytes yields
// (nil, ErrTruncated).
func Decode(id uint32, data []byte) (Telegram, error) {
	required, ok := payloadLength[id]
	if !ok {
		return nil, nil
	}
	if len(data) < required {
		return nil, fmt.Errorf("%w: id 0x%X needs %d bytes, got %d", ErrTruncated, id, required, len(data))
	}
	switch id {
	case IDLimits:
		return Limits{
			UChargeV:       u16ToFloat(data, 0, scaleDeciVolt),
			ILimChargeA:    u16ToFloat(data, 2, scaleDeciAmp),
			ILimDischargeA: u16ToFloat(data, 4, scaleDeciAmp),
			UDischargeV:    u16ToFloat(data, 6, scaleDeciVolt),
		}, nil
	case IDSOCSOH:
		return SOCSOH{
			SOCPercent: u16ToFloat(data, 0, scaleUnit),
			SOHPercent: u16ToFloat(data, 2, scaleUnit),
		}, nil
	case IDMeasurement:
		return Measurement{
			UMeasuredV: i16ToFloat(data, 0, scaleCentiVolt),
			IMeasuredA: i16ToFloat(data, 2, scaleDeciAmp),
			TMeasuredC: i16ToFloat(data, 4, scaleDeciDegree),
		}, nil
	case IDAlarms:
		var vendor [3]byte
		copy(vendor[:], data[5:8])
		return Alarms{
			Errors:      ErrorFlags(u16le(data, 0)),
			Warnings:    WarningFlags(u16le(data, 2)),
			ModuleCount: data[4],
			Vendor:      vendor,
		}, nil
	case IDStatus:
		return Status{Flags: StatusFlags(u16le(data, 0))}, nil
	case IDManufacturer:
		var name [8]byte
		copy(name[:], data[0:8])
		return Manufacturer{Name: name}, nil
	case IDSync:
		return Sync{}, nil
	}
	return nil, nil
}

// DecodeFrame is the Decode entry point used by sessions: it derives the
// byte slice to inspect from the frame's own DLC.
func DecodeFrame(frame can.Frame) (Telegram, error) {
	dlc := int(frame.DLC)
	if dlc > len(frame.Data) {
		dlc = len(frame.Data)
	}
	return Decode(frame.ID, frame.Data[:dlc])
}

var payloadLength = map[uint32]int{
	IDLimits:       8,
	IDSOCSOH:       4,
	IDMeasurement:  6,
	IDAlarms:       8,
	IDStatus:       2,
	IDManufacturer: 8,
	IDSync:         0,
}

// IsSyncAck reports whether data is a valid inbound 0x305 acknowledge:
// exactly eight zero bytes, as emitted by inverters in sync mode.
func IsSyncAck(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	for _, b := range data[:8] {
		if b != 0 {
			return false
		}
	}
	return true
}

// --- Telegram records ---

type Limits struct {
	UChargeV       float64
	ILimChargeA    float64
	ILimDischargeA float64
	UDischargeV    float64
}

func (Limits) CANID() uint32 { return IDLimits }

type SOCSOH struct {
	SOCPercent float64
	SOHPercent float64
}

func (SOCSOH) CANID() uint32 { return IDSOCSOH }

type Measurement struct {
	UMeasuredV float64
	IMeasuredA float64
	TMeasuredC float64
}

func (Measurement) CANID() uint32 { return IDMeasurement }

type Alarms struct {
	Errors      ErrorFlags
	Warnings    WarningFlags
	ModuleCount uint8
	Vendor      [3]byte
}

func (Alarms) CANID() uint32 { return IDAlarms }

type Status struct {
	Flags StatusFlags
}

func (Status) CANID() uint32 { return IDStatus }

type Manufacturer struct {
	Name [8]byte
}

func (Manufacturer) CANID() uint32 { return IDManufacturer }

// Sync is the zero-payload 0x305 telegram used both as an inverter->BMS
// acknowledge (sync mode) and as a BMS->inverter poll request.
type Sync struct{}

func (Sync) CANID() uint32 { return IDSync }
