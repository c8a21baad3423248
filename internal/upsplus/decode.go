package upsplus

import (
	"encoding/binary"

	"codeberg.org/mutker/upsplusd/internal/errors"
)

// BufferLen is the fixed length of a register snapshot. Index 0 mirrors the
// reserved register 0 and is never populated.
const BufferLen = 255

// Register offsets of the decoded fields. Multi-byte values are
// little-endian, low byte in the lower register.
const (
	regVoltage   = 0x05 // battery voltage, mV, 2 bytes
	regBattTemp  = 0x0B // battery temperature, degrees C, signed 2 bytes
	regRemaining = 0x13 // remaining charge, percent, 2 bytes
	regUptime    = 0x24 // accumulated running time, seconds, 4 bytes
)

// RawBuffer is one full register snapshot of the board.
type RawBuffer []byte

// Sample is one decoded telemetry reading. It is built once per cycle and
// never mutated afterwards.
type Sample struct {
	// Time is the board's accumulated running time counter in seconds. It is
	// board-local, not wall-clock time.
	Time uint32
	// Voltage is the battery voltage in millivolts.
	Voltage uint16
	// Remaining is the reported charge percentage. The firmware overstates
	// this while the battery is charging.
	Remaining uint16
	// BattTemp is the battery temperature in degrees Celsius.
	BattTemp int16
	// Power is the system power draw in milliwatts, NaN when the system
	// sensor saturated.
	Power float64
	// BattCurrent is the battery current in milliamps, positive on
	// discharge, NaN when the battery sensor saturated.
	BattCurrent float64
}

// Decode interprets a register snapshot together with the two sensor
// readings taken in the same cycle. It is a pure structural transform; NaN
// sensor values pass through untouched.
func Decode(buf RawBuffer, powerMW, battCurrentMA float64) (Sample, error) {
	if len(buf) != BufferLen {
		errFactory := errors.New()
		return Sample{}, errFactory.WithData(ErrMalformedBuffer, len(buf))
	}

	return Sample{
		Time:        binary.LittleEndian.Uint32(buf[regUptime : regUptime+4]),
		Voltage:     binary.LittleEndian.Uint16(buf[regVoltage : regVoltage+2]),
		Remaining:   binary.LittleEndian.Uint16(buf[regRemaining : regRemaining+2]),
		BattTemp:    int16(binary.LittleEndian.Uint16(buf[regBattTemp : regBattTemp+2])),
		Power:       powerMW,
		BattCurrent: battCurrentMA,
	}, nil
}
