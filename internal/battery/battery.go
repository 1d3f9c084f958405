// Package battery reads the charge of a PiSugar 3 UPS board over I2C, so a
// battery powered panel can report when it needs charging.
package battery

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultAddr is the I2C address of the PiSugar 3 controller.
const DefaultAddr = 0x57

// PiSugar 3 registers.
const (
	regVoltageHigh byte = 0x22
	regVoltageLow  byte = 0x23
	regPercent     byte = 0x2A
)

// Status represents current battery status.
type Status struct {
	// Percent is the battery level in 0-100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts.
	VoltageMv int `json:"voltage_mv"`
}

// Reader abstracts how we obtain battery information.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// PiSugar reads a PiSugar 3 over I2C. The bus is opened for every read and
// closed right after, so the reader holds no resources between cycles.
type PiSugar struct {
	// Bus is the periph i2creg name; "" selects the first bus
	// (/dev/i2c-1 on a Raspberry Pi).
	Bus  string
	Addr uint16

	open func(name string) (i2c.BusCloser, error)
}

// NewPiSugar returns a reader for the controller at addr on bus.
func NewPiSugar(bus string, addr uint16) *PiSugar {
	if addr == 0 {
		addr = DefaultAddr
	}
	return &PiSugar{Bus: bus, Addr: addr, open: openBus}
}

func openBus(name string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("battery: periph host init failed: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("battery: i2creg.Open(%q) = %w", name, err)
	}
	return b, nil
}

// Read implements Reader.
func (p *PiSugar) Read(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	open := p.open
	if open == nil {
		open = openBus
	}
	bus, err := open(p.Bus)
	if err != nil {
		return Status{}, err
	}
	defer bus.Close()

	return readStatus(&i2c.Dev{Bus: bus, Addr: p.Addr})
}

func readStatus(dev conn.Conn) (Status, error) {
	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, fmt.Errorf("battery: read register 0x%02X: %w", reg, err)
		}
		return buf[0], nil
	}

	high, err := readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := readReg(regPercent)
	if err != nil {
		return Status{}, err
	}
	if pct > 100 {
		pct = 100
	}

	return Status{
		Percent:   int(pct),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}, nil
}
