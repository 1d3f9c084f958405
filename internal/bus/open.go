package bus

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Pins names the control lines as understood by gpioreg.ByName.
type Pins struct {
	// RST pin name, typically "GPIO17".
	RST string
	// DC pin name, typically "GPIO25".
	DC string
	// CS pin name. Empty leaves chip-select to the SPI controller (CE0).
	CS string
	// Busy pin name, typically "GPIO24".
	Busy string
}

// DefaultPins is the wiring of the Waveshare e-Paper HAT (BCM numbering).
var DefaultPins = Pins{
	RST:  "GPIO17",
	DC:   "GPIO25",
	Busy: "GPIO24",
}

// Opts selects the port and lines opened by Open.
type Opts struct {
	// BusID and ChipSelect select /dev/spidev<BusID>.<ChipSelect>.
	BusID      int
	ChipSelect int
	// Speed defaults to DefaultSpeed when zero.
	Speed physic.Frequency
	Pins  Pins
}

// Open initializes periph's host drivers, opens the SPI port and resolves
// all control lines. On failure nothing stays open.
func Open(o Opts) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("bus: periph host init failed: %w", err)
	}

	lines, err := resolveLines(o.Pins)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("SPI%d.%d", o.BusID, o.ChipSelect)
	port, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("bus: spireg.Open(%q) = %w", name, err)
	}

	b, err := New(port, lines)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	if o.Speed != 0 {
		if err := b.SetClockSpeed(o.Speed); err != nil {
			_ = b.Close()
			return nil, err
		}
	}
	return b, nil
}

func resolveLines(p Pins) (Lines, error) {
	var l Lines
	var err error
	if l.RST, err = pinByName("rst", p.RST); err != nil {
		return Lines{}, err
	}
	if l.DC, err = pinByName("dc", p.DC); err != nil {
		return Lines{}, err
	}
	if l.Busy, err = pinByName("busy", p.Busy); err != nil {
		return Lines{}, err
	}
	if p.CS != "" {
		if l.CS, err = pinByName("cs", p.CS); err != nil {
			return Lines{}, err
		}
	}
	return l, nil
}

func pinByName(role, name string) (gpio.PinIO, error) {
	if name == "" {
		return nil, fmt.Errorf("bus: %s pin not configured", role)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("bus: invalid %s pin %q", role, name)
	}
	return p, nil
}
