package ina219

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/mmr"
	"periph.io/x/conn/v3/physic"

	"codeberg.org/mutker/upsplusd/internal/errors"
)

// Registers, per the TI INA219 datasheet. All are 16-bit big-endian.
const (
	regConfig       = 0x00
	regShuntVoltage = 0x01
	regBusVoltage   = 0x02
	regPower        = 0x03
	regCurrent      = 0x04
	regCalibration  = 0x05
)

// Configuration register fields.
const (
	configBusRange32V    = 0x2000
	configGainDiv8       = 0x1800
	configBusADC12Bit    = 0x0180
	configShuntADC12Bit  = 0x0018
	configModeContinuous = 0x0007

	// 32 V bus range, +-320 mV shunt range, 12-bit conversions, continuous
	// shunt and bus sampling.
	configValue = configBusRange32V | configGainDiv8 | configBusADC12Bit | configShuntADC12Bit | configModeContinuous
)

// calibrationValue programs the chip for its full +-320 mV shunt range:
// trunc(0.04096 * 32768 / 0.32). It does not depend on the shunt; only the
// derived current LSB does.
const calibrationValue = 4194

// busOverflowFlag is bit 0 of the bus voltage register. The chip sets it
// while the shunt signal exceeds the programmed range, in which case the
// current and power registers hold garbage.
const busOverflowFlag = 0x0001

// Opts holds the device parameters for one sensor.
type Opts struct {
	// Addr is the 7-bit I2C address.
	Addr uint16
	// SenseResistor is the shunt the chip measures across.
	SenseResistor physic.ElectricResistance
}

// Dev is a calibrated INA219 current and power monitor on an I2C bus.
type Dev struct {
	m          mmr.Dev8
	sense      physic.ElectricResistance
	currentLSB physic.ElectricCurrent
	powerLSB   physic.Power
}

// New configures and calibrates the sensor. The configuration selects the
// full measurement range; saturation is detected through the overflow flag
// afterwards rather than prevented through a tighter calibration.
func New(bus i2c.Bus, opts Opts) (*Dev, error) {
	errFactory := errors.New()

	if opts.SenseResistor <= 0 {
		return nil, errFactory.WithData(ErrInvalidShunt, opts.SenseResistor)
	}

	d := &Dev{
		m: mmr.Dev8{
			Conn:  &i2c.Dev{Addr: opts.Addr, Bus: bus},
			Order: binary.BigEndian,
		},
		sense: opts.SenseResistor,
	}
	if err := d.calibrate(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("ina219{%s}", d.m.Conn)
}

// Current returns the instantaneous shunt current, positive flowing into the
// load. ErrSensorRange is returned while the reading is saturated.
func (d *Dev) Current() (physic.ElectricCurrent, error) {
	errFactory := errors.New()

	if err := d.checkRange(); err != nil {
		return 0, err
	}
	raw, err := d.m.ReadUint16(regCurrent)
	if err != nil {
		return 0, errFactory.Wrap(ErrBusTransaction, err)
	}

	return physic.ElectricCurrent(int16(raw)) * d.currentLSB, nil
}

// Power returns the averaged power reading. ErrSensorRange is returned while
// the reading is saturated.
func (d *Dev) Power() (physic.Power, error) {
	errFactory := errors.New()

	if err := d.checkRange(); err != nil {
		return 0, err
	}
	raw, err := d.m.ReadUint16(regPower)
	if err != nil {
		return 0, errFactory.Wrap(ErrBusTransaction, err)
	}

	return physic.Power(raw) * d.powerLSB, nil
}

// Measurement is one full reading of the sensor.
type Measurement struct {
	Shunt   physic.ElectricPotential
	Voltage physic.ElectricPotential
	Current physic.ElectricCurrent
	Power   physic.Power
}

// Sense reads all four measurement registers.
func (d *Dev) Sense() (Measurement, error) {
	errFactory := errors.New()

	busRaw, err := d.m.ReadUint16(regBusVoltage)
	if err != nil {
		return Measurement{}, errFactory.Wrap(ErrBusTransaction, err)
	}
	if busRaw&busOverflowFlag != 0 {
		return Measurement{}, errFactory.New(ErrSensorRange)
	}
	shuntRaw, err := d.m.ReadUint16(regShuntVoltage)
	if err != nil {
		return Measurement{}, errFactory.Wrap(ErrBusTransaction, err)
	}
	currentRaw, err := d.m.ReadUint16(regCurrent)
	if err != nil {
		return Measurement{}, errFactory.Wrap(ErrBusTransaction, err)
	}
	powerRaw, err := d.m.ReadUint16(regPower)
	if err != nil {
		return Measurement{}, errFactory.Wrap(ErrBusTransaction, err)
	}

	return Measurement{
		// The shunt register LSB is 10 uV; the bus voltage sits in bits
		// 15..3 with a 4 mV LSB.
		Shunt:   physic.ElectricPotential(int16(shuntRaw)) * 10 * physic.MicroVolt,
		Voltage: physic.ElectricPotential(busRaw>>3) * 4 * physic.MilliVolt,
		Current: physic.ElectricCurrent(int16(currentRaw)) * d.currentLSB,
		Power:   physic.Power(powerRaw) * d.powerLSB,
	}, nil
}

// calibrate writes the configuration and calibration registers and derives
// the scale factors: currentLSB = 0.04096 / (cal * Rshunt) and
// powerLSB = 20 * currentLSB. The math stays integral in nano units.
func (d *Dev) calibrate() error {
	errFactory := errors.New()

	if err := d.m.WriteUint16(regConfig, configValue); err != nil {
		return errFactory.Wrap(ErrBusTransaction, err)
	}
	if err := d.m.WriteUint16(regCalibration, calibrationValue); err != nil {
		return errFactory.Wrap(ErrBusTransaction, err)
	}

	d.currentLSB = physic.ElectricCurrent(40960000000000000 / (calibrationValue * int64(d.sense)))
	d.powerLSB = physic.Power(20 * int64(d.currentLSB))

	return nil
}

// checkRange reads the bus voltage register and fails on the overflow flag.
func (d *Dev) checkRange() error {
	errFactory := errors.New()

	raw, err := d.m.ReadUint16(regBusVoltage)
	if err != nil {
		return errFactory.Wrap(ErrBusTransaction, err)
	}
	if raw&busOverflowFlag != 0 {
		return errFactory.New(ErrSensorRange)
	}

	return nil
}
