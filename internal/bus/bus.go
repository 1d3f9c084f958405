// Package bus is the command/data transport of an e-paper panel: one SPI
// connection plus the DC, RST and optional CS output lines and the BUSY
// input, driven through periph.io.
//
// Every byte is framed on its own: DC low for a command or high for data,
// CS low for the single-byte transfer, then CS high again.
//
// A Bus is owned by exactly one session; sharing the panel between
// processes is not supported.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// ErrClosed is returned by any transfer attempted after Close. It signals a
// programming error and must not be retried.
var ErrClosed = errors.New("bus: write after close")

// DefaultSpeed matches the clock the panel vendor's examples use.
const DefaultSpeed = 4 * physic.MegaHertz

// Lines are the GPIO lines owned by a Bus. CS may be nil when the SPI
// controller frames transfers with its own chip-enable.
type Lines struct {
	DC   gpio.PinOut
	RST  gpio.PinOut
	CS   gpio.PinOut
	Busy gpio.PinIn
}

// Bus implements the transport consumed by the panel state machine.
type Bus struct {
	mu sync.Mutex

	port  spi.PortCloser
	conn  spi.Conn
	speed physic.Frequency
	lines Lines

	closed bool
}

// New wraps an opened SPI port and the control lines. DC and RST are
// driven to their idle levels right away; the SPI connection itself is
// made on the first transfer so SetClockSpeed can still be applied.
func New(port spi.PortCloser, l Lines) (*Bus, error) {
	if port == nil {
		return nil, errors.New("bus: nil spi port")
	}
	if l.DC == nil || l.RST == nil || l.Busy == nil {
		return nil, errors.New("bus: dc, rst and busy lines are required")
	}
	if l.DC == gpio.INVALID {
		return nil, errors.New("bus: dc line is gpio.INVALID")
	}
	if err := l.DC.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("bus: dc.Out(%v) = %w", gpio.Low, err)
	}
	if err := l.RST.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("bus: rst.Out(%v) = %w", gpio.High, err)
	}
	if l.CS != nil {
		if err := l.CS.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("bus: cs.Out(%v) = %w", gpio.High, err)
		}
	}
	if err := l.Busy.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("bus: busy.In() = %w", err)
	}
	return &Bus{
		port:  port,
		speed: DefaultSpeed,
		lines: l,
	}, nil
}

func (b *Bus) String() string {
	return fmt.Sprintf("bus.Bus{%s, %s}", b.port, b.speed)
}

// SetClockSpeed changes the SPI clock. It must be called before the first
// transfer.
func (b *Bus) SetClockSpeed(f physic.Frequency) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if f <= 0 {
		return fmt.Errorf("bus: invalid clock speed %s", f)
	}
	if b.conn != nil {
		return errors.New("bus: clock speed must be set before the first transfer")
	}
	if err := b.port.LimitSpeed(f); err != nil {
		return fmt.Errorf("bus: LimitSpeed(%s) = %w", f, err)
	}
	b.speed = f
	return nil
}

// WriteCommand sends one command byte.
func (b *Bus) WriteCommand(c byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeByte(gpio.Low, c)
}

// WriteData sends one data byte.
func (b *Bus) WriteData(d byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeByte(gpio.High, d)
}

// WriteDataBytes streams p as data, still framing every byte separately.
func (b *Bus) WriteDataBytes(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range p {
		if err := b.writeByte(gpio.High, d); err != nil {
			return fmt.Errorf("bus: data byte %d/%d: %w", i, len(p), err)
		}
	}
	return nil
}

// SetReset drives the reset line.
func (b *Bus) SetReset(l gpio.Level) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return b.lines.RST.Out(l)
}

// ReadBusy samples the busy input. After Close it reports gpio.Low.
func (b *Bus) ReadBusy() gpio.Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gpio.Low
	}
	return b.lines.Busy.Read()
}

// Close releases the SPI port and returns every owned line to high
// impedance. It is safe to call more than once; only the first call
// touches the hardware. All release steps run even if one fails; the first
// error is returned.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.port.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus: spi close: %w", err))
	}
	for _, p := range []gpio.PinOut{b.lines.CS, b.lines.DC, b.lines.RST} {
		if p == nil {
			continue
		}
		if err := release(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.lines.Busy.Halt(); err != nil {
		errs = append(errs, fmt.Errorf("bus: %s halt: %w", b.lines.Busy, err))
	}
	return errors.Join(errs...)
}

func (b *Bus) writeByte(dc gpio.Level, v byte) error {
	if b.closed {
		return ErrClosed
	}
	if b.conn == nil {
		c, err := b.port.Connect(b.speed, spi.Mode0, 8)
		if err != nil {
			return fmt.Errorf("bus: spi connect: %w", err)
		}
		b.conn = c
	}
	if err := b.lines.DC.Out(dc); err != nil {
		return fmt.Errorf("bus: dc.Out(%v) = %w", dc, err)
	}
	if b.lines.CS != nil {
		if err := b.lines.CS.Out(gpio.Low); err != nil {
			return fmt.Errorf("bus: cs.Out(%v) = %w", gpio.Low, err)
		}
	}
	txErr := b.conn.Tx([]byte{v}, nil)
	if b.lines.CS != nil {
		// Release CS even when the transfer failed.
		if err := b.lines.CS.Out(gpio.High); err != nil && txErr == nil {
			return fmt.Errorf("bus: cs.Out(%v) = %w", gpio.High, err)
		}
	}
	if txErr != nil {
		return fmt.Errorf("bus: tx 0x%02X: %w", v, txErr)
	}
	return nil
}

// release puts an output line into high impedance when the pin supports
// input, then halts it.
func release(p gpio.PinOut) error {
	if in, ok := p.(gpio.PinIn); ok {
		if err := in.In(gpio.Float, gpio.NoEdge); err != nil {
			return fmt.Errorf("bus: %s release: %w", p, err)
		}
	}
	if err := p.Halt(); err != nil {
		return fmt.Errorf("bus: %s halt: %w", p, err)
	}
	return nil
}
