package telegram

import "github.com/ul-gh/bms-gateway/pkg/can"

// EncodeLimits encodes the 0x351 telegram: u_charge, i_lim_charge,
// i_lim_discharge, u_discharge, all u16 little-endian.
func EncodeLimits(t Limits) can.Frame {
	frame := can.NewFrame(IDLimits, 0, 8)
	putU16le(frame.Data[:], 0, floatToU16(t.UChargeV, scaleDeciVolt))
	putU16le(frame.Data[:], 2, floatToU16(t.ILimChargeA, scaleDeciAmp))
	putU16le(frame.Data[:], 4, floatToU16(t.ILimDischargeA, scaleDeciAmp))
	putU16le(frame.Data[:], 6, floatToU16(t.UDischargeV, scaleDeciVolt))
	return frame
}

// EncodeSOCSOH encodes the 0x355 telegram: soc, soh, both u16.
func EncodeSOCSOH(t SOCSOH) can.Frame {
	frame := can.NewFrame(IDSOCSOH, 0, 4)
	putU16le(frame.Data[:], 0, floatToU16(t.SOCPercent, scaleUnit))
	putU16le(frame.Data[:], 2, floatToU16(t.SOHPercent, scaleUnit))
	return frame
}

// EncodeMeasurement encodes the 0x356 telegram: u_measured, i_measured,
// t_measured, all signed i16.
func EncodeMeasurement(t Measurement) can.Frame {
	frame := can.NewFrame(IDMeasurement, 0, 6)
	putI16le(frame.Data[:], 0, floatToI16(t.UMeasuredV, scaleCentiVolt))
	putI16le(frame.Data[:], 2, floatToI16(t.IMeasuredA, scaleDeciAmp))
	putI16le(frame.Data[:], 4, floatToI16(t.TMeasuredC, scaleDeciDegree))
	return frame
}

// EncodeAlarms encodes the 0x359 telegram: protection bits, alarm bits,
// module count, and a 3-byte vendor tag (conventionally "PN").
func EncodeAlarms(t Alarms) can.Frame {
	frame := can.NewFrame(IDAlarms, 0, 8)
	putU16le(frame.Data[:], 0, uint16(t.Errors))
	putU16le(frame.Data[:], 2, uint16(t.Warnings))
	frame.Data[4] = t.ModuleCount
	copy(frame.Data[5:8], t.Vendor[:])
	return frame
}

// EncodeStatus encodes the 0x35C telegram: charge/discharge enable and
// request bits.
func EncodeStatus(t Status) can.Frame {
	frame := can.NewFrame(IDStatus, 0, 2)
	putU16le(frame.Data[:], 0, uint16(t.Flags))
	return frame
}

// EncodeManufacturer encodes the 0x35E telegram: 8 ASCII bytes.
func EncodeManufacturer(t Manufacturer) can.Frame {
	frame := can.NewFrame(IDManufacturer, 0, 8)
	copy(frame.Data[:], t.Name[:])
	return frame
}

// EncodeSync encodes the 0x305 sync/acknowledge telegram: eight zero bytes.
func EncodeSync() can.Frame {
	return can.NewFrame(IDSync, 0, 8)
}
