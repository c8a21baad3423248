package upsplus

import (
	"encoding/binary"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/mmr"

	"codeberg.org/mutker/upsplusd/internal/errors"
)

// Board reads the UPSplus v5 (EP-0136) register file over I2C. The board
// exposes its state as 255 one-byte registers; register 0 is reserved.
type Board struct {
	m mmr.Dev8
}

// NewBoard returns a Board on the given bus. The bus handle remains owned by
// the caller and this process must be its only user; the board firmware does
// not tolerate interleaved readers.
func NewBoard(bus i2c.Bus, addr uint16) *Board {
	return &Board{
		m: mmr.Dev8{
			Conn:  &i2c.Dev{Addr: addr, Bus: bus},
			Order: binary.LittleEndian,
		},
	}
}

// Snapshot reads registers 1..254 in order into a fresh RawBuffer. The
// firmware only answers single-byte register reads, so this is one bus
// transaction per register. Any failed read aborts the snapshot; a partial
// buffer is never returned.
func (b *Board) Snapshot() (RawBuffer, error) {
	errFactory := errors.New()

	buf := make(RawBuffer, BufferLen)
	for reg := 1; reg < BufferLen; reg++ {
		value, err := b.m.ReadUint8(uint8(reg))
		if err != nil {
			return nil, errFactory.WithData(ErrBusTransaction, struct {
				Register int
				Error    string
			}{reg, err.Error()})
		}
		buf[reg] = value
	}

	return buf, nil
}
