package bus

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

// tracePin records every output level change into a shared timeline.
type tracePin struct {
	gpiotest.Pin
	trace *[]string
}

func (p *tracePin) Out(l gpio.Level) error {
	*p.trace = append(*p.trace, fmt.Sprintf("%s:%s", p.N, l))
	return p.Pin.Out(l)
}

// tracePort records transfers into the same timeline as the pins.
type tracePort struct {
	spitest.Record
	trace *[]string
	txErr error
	speed physic.Frequency
}

func (p *tracePort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	c, err := p.Record.Connect(f, mode, bits)
	if err != nil {
		return nil, err
	}
	p.speed = f
	return &traceConn{Conn: c, p: p}, nil
}

type traceConn struct {
	spi.Conn
	p *tracePort
}

func (c *traceConn) Tx(w, r []byte) error {
	*c.p.trace = append(*c.p.trace, fmt.Sprintf("tx %02X", w))
	if c.p.txErr != nil {
		return c.p.txErr
	}
	return c.Conn.Tx(w, r)
}

type fixture struct {
	trace             []string
	port              *tracePort
	dc, rst, cs, busy *tracePin
}

func newFixture(t *testing.T, withCS bool) (*fixture, *Bus) {
	t.Helper()
	f := &fixture{}
	f.port = &tracePort{trace: &f.trace}
	f.dc = &tracePin{Pin: gpiotest.Pin{N: "DC"}, trace: &f.trace}
	f.rst = &tracePin{Pin: gpiotest.Pin{N: "RST"}, trace: &f.trace}
	f.cs = &tracePin{Pin: gpiotest.Pin{N: "CS"}, trace: &f.trace}
	f.busy = &tracePin{Pin: gpiotest.Pin{N: "BUSY"}, trace: &f.trace}

	l := Lines{DC: f.dc, RST: f.rst, Busy: f.busy}
	if withCS {
		l.CS = f.cs
	}
	b, err := New(f.port, l)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	f.trace = nil
	return f, b
}

func TestNewDrivesIdleLevels(t *testing.T) {
	var trace []string
	dc := &tracePin{Pin: gpiotest.Pin{N: "DC"}, trace: &trace}
	rst := &tracePin{Pin: gpiotest.Pin{N: "RST"}, trace: &trace}
	cs := &tracePin{Pin: gpiotest.Pin{N: "CS"}, trace: &trace}
	busy := &tracePin{Pin: gpiotest.Pin{N: "BUSY"}, trace: &trace}

	if _, err := New(&spitest.Record{}, Lines{DC: dc, RST: rst, CS: cs, Busy: busy}); err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	want := []string{"DC:Low", "RST:High", "CS:High"}
	if diff := cmp.Diff(trace, want); diff != "" {
		t.Errorf("New() line levels (-got +want):\n%s", diff)
	}
}

func TestNewValidation(t *testing.T) {
	pin := &gpiotest.Pin{}
	for _, tc := range []struct {
		name  string
		port  spi.PortCloser
		lines Lines
	}{
		{name: "nil port", lines: Lines{DC: pin, RST: pin, Busy: pin}},
		{name: "no dc", port: &spitest.Record{}, lines: Lines{RST: pin, Busy: pin}},
		{name: "no rst", port: &spitest.Record{}, lines: Lines{DC: pin, Busy: pin}},
		{name: "no busy", port: &spitest.Record{}, lines: Lines{DC: pin, RST: pin}},
		{name: "invalid dc", port: &spitest.Record{}, lines: Lines{DC: gpio.INVALID, RST: pin, Busy: pin}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.port, tc.lines); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}
}

func TestWriteFraming(t *testing.T) {
	f, b := newFixture(t, true)

	if err := b.WriteCommand(0x12); err != nil {
		t.Fatalf("WriteCommand() failed: %v", err)
	}
	if err := b.WriteData(0xA5); err != nil {
		t.Fatalf("WriteData() failed: %v", err)
	}

	want := []string{
		"DC:Low", "CS:Low", "tx 12", "CS:High",
		"DC:High", "CS:Low", "tx A5", "CS:High",
	}
	if diff := cmp.Diff(f.trace, want); diff != "" {
		t.Errorf("framing (-got +want):\n%s", diff)
	}
	if f.port.speed != DefaultSpeed {
		t.Errorf("connected at %s, want %s", f.port.speed, DefaultSpeed)
	}
}

func TestWriteDataBytesFramesEachByte(t *testing.T) {
	f, b := newFixture(t, false)

	if err := b.WriteCommand(0x10); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteDataBytes([]byte{0x11, 0x22, 0x33}); err != nil {
		t.Fatal(err)
	}

	want := []conntest.IO{
		{W: []byte{0x10}},
		{W: []byte{0x11}},
		{W: []byte{0x22}},
		{W: []byte{0x33}},
	}
	if diff := cmp.Diff(f.port.Ops, want, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Ops (-got +want):\n%s", diff)
	}
}

func TestTxErrorReleasesCS(t *testing.T) {
	f, b := newFixture(t, true)
	f.port.txErr = errors.New("spi gone")

	err := b.WriteCommand(0x06)
	if err == nil {
		t.Fatal("WriteCommand() succeeded, want error")
	}
	if !errors.Is(err, f.port.txErr) {
		t.Errorf("WriteCommand() = %v, want wrapped %v", err, f.port.txErr)
	}
	want := []string{"DC:Low", "CS:Low", "tx 06", "CS:High"}
	if diff := cmp.Diff(f.trace, want); diff != "" {
		t.Errorf("framing (-got +want):\n%s", diff)
	}
}

func TestSetClockSpeed(t *testing.T) {
	f, b := newFixture(t, false)

	if err := b.SetClockSpeed(0); err == nil {
		t.Error("SetClockSpeed(0) succeeded, want error")
	}
	if err := b.SetClockSpeed(2 * physic.MegaHertz); err != nil {
		t.Fatalf("SetClockSpeed() failed: %v", err)
	}
	if err := b.WriteCommand(0x01); err != nil {
		t.Fatal(err)
	}
	if f.port.speed != 2*physic.MegaHertz {
		t.Errorf("connected at %s, want 2MHz", f.port.speed)
	}
	if err := b.SetClockSpeed(physic.MegaHertz); err == nil {
		t.Error("SetClockSpeed() after transfer succeeded, want error")
	}
}

func TestResetAndBusy(t *testing.T) {
	f, b := newFixture(t, false)

	if err := b.SetReset(gpio.Low); err != nil {
		t.Fatal(err)
	}
	if f.rst.L != gpio.Low {
		t.Errorf("rst = %s, want Low", f.rst.L)
	}

	f.busy.L = gpio.High
	if got := b.ReadBusy(); got != gpio.High {
		t.Errorf("ReadBusy() = %s, want High", got)
	}
	f.busy.L = gpio.Low
	if got := b.ReadBusy(); got != gpio.Low {
		t.Errorf("ReadBusy() = %s, want Low", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f, b := newFixture(t, true)

	if err := b.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	for _, p := range []*tracePin{f.dc, f.rst, f.cs} {
		if p.P != gpio.Float {
			t.Errorf("%s pull = %s, want Float after Close", p.N, p.P)
		}
	}

	f.trace = nil
	if err := b.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if len(f.trace) != 0 {
		t.Errorf("second Close() touched lines: %v", f.trace)
	}
}

func TestWriteAfterClose(t *testing.T) {
	f, b := newFixture(t, false)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	f.trace = nil

	for name, fn := range map[string]func() error{
		"WriteCommand":   func() error { return b.WriteCommand(0x07) },
		"WriteData":      func() error { return b.WriteData(0xA5) },
		"WriteDataBytes": func() error { return b.WriteDataBytes([]byte{1}) },
		"SetReset":       func() error { return b.SetReset(gpio.High) },
		"SetClockSpeed":  func() error { return b.SetClockSpeed(physic.MegaHertz) },
	} {
		if err := fn(); !errors.Is(err, ErrClosed) {
			t.Errorf("%s() after Close = %v, want ErrClosed", name, err)
		}
	}
	if len(f.trace) != 0 {
		t.Errorf("writes after Close touched hardware: %v", f.trace)
	}
}
