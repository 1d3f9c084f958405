package epd

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"periph.io/x/conn/v3/gpio"

	"infocal/internal/convert"
)

// Opcodes of the UC8159/UC8179 controller family.
const (
	panelSetting           byte = 0x00
	powerSetting           byte = 0x01
	powerOff               byte = 0x02
	powerOn                byte = 0x04
	boosterSoftStart       byte = 0x06
	deepSleep              byte = 0x07
	dataStartTransmission1 byte = 0x10
	displayRefresh         byte = 0x12
	dataStartTransmission2 byte = 0x13
	dualSPI                byte = 0x15
	vcomDataInterval       byte = 0x50
	lutOption              byte = 0x52
	tconSetting            byte = 0x60
	resolutionSetting      byte = 0x61
)

// deepSleepCheck is the key the controller expects after deepSleep.
const deepSleepCheck byte = 0xA5

// Frame is one command with its parameters. Delay is slept after the last
// parameter byte; WaitBusy then polls the busy line until ready.
type Frame struct {
	Cmd      byte
	Data     []byte
	Delay    time.Duration
	WaitBusy bool
}

// Transmission streams plane Plane of the encoded frame after command Cmd.
type Transmission struct {
	Cmd   byte
	Plane int
}

// Profile describes one panel model.
type Profile struct {
	Name     string
	Geometry convert.Geometry
	Encoding convert.Encoding

	// SoftReset, when set, is sent right after the reset pulse.
	SoftReset *Frame
	// Config is sent in order to finish initialization.
	Config   []Frame
	Transmit []Transmission
	Refresh  Frame
	Sleep    []Frame

	// ReadyLevel is the busy line level meaning "ready".
	ReadyLevel gpio.Level
}

func (p *Profile) validate() error {
	if p.Name == "" {
		return errors.New("epd: profile without name")
	}
	if convert.ExpectedSize(p.Geometry, p.Encoding.Format) == 0 {
		return fmt.Errorf("epd: profile %s: geometry %s is invalid for %s", p.Name, p.Geometry, p.Encoding.Format)
	}
	if len(p.Transmit) == 0 {
		return fmt.Errorf("epd: profile %s: no transmissions", p.Name)
	}
	for _, t := range p.Transmit {
		if t.Plane < 0 || t.Plane >= p.Encoding.Format.Planes() {
			return fmt.Errorf("epd: profile %s: transmission 0x%02X references plane %d", p.Name, t.Cmd, t.Plane)
		}
	}
	return nil
}

// DefaultProfile is the 4.01" seven-colour HAT.
const DefaultProfile = "epd4in01f"

// EPD4in01F is the Waveshare 4.01" seven-colour (F) panel.
var EPD4in01F = Profile{
	Name:     "epd4in01f",
	Geometry: convert.Geometry{Width: 640, Height: 400},
	Encoding: convert.Encoding{Format: convert.FormatPacked4, Palette: convert.SevenColor},
	SoftReset: &Frame{
		Cmd:      displayRefresh,
		Delay:    100 * time.Millisecond,
		WaitBusy: true,
	},
	Config: []Frame{
		{Cmd: boosterSoftStart, Data: []byte{0x17, 0x17, 0x17}},
		{Cmd: powerSetting, Data: []byte{0x03, 0x00, 0x2B, 0x2B}},
	},
	Transmit: []Transmission{
		{Cmd: dataStartTransmission1, Plane: 0},
	},
	Refresh: Frame{Cmd: displayRefresh, Delay: 100 * time.Millisecond, WaitBusy: true},
	Sleep: []Frame{
		{Cmd: deepSleep, Data: []byte{deepSleepCheck}},
	},
	ReadyLevel: gpio.High,
}

// 800x480 for the resolution setting: HRES then VRES, big endian.
var res800x480 = []byte{0x03, 0x20, 0x01, 0xE0}

// EPD7in5BV2 is the Waveshare 7.5" black/white/red (B) V2 panel.
var EPD7in5BV2 = Profile{
	Name:     "epd7in5b_v2",
	Geometry: convert.Geometry{Width: 800, Height: 480},
	Encoding: convert.Encoding{Format: convert.FormatDualPlane, Palette: convert.BlackWhiteRed},
	Config: []Frame{
		{Cmd: powerSetting, Data: []byte{0x07, 0x07, 0x3F, 0x3F}},
		{Cmd: powerOn, Delay: 100 * time.Millisecond, WaitBusy: true},
		{Cmd: panelSetting, Data: []byte{0x0F}},
		{Cmd: resolutionSetting, Data: res800x480},
		{Cmd: dualSPI, Data: []byte{0x00}},
		{Cmd: vcomDataInterval, Data: []byte{0x11, 0x07}},
		{Cmd: tconSetting, Data: []byte{0x22}},
	},
	Transmit: []Transmission{
		{Cmd: dataStartTransmission1, Plane: 0},
		{Cmd: dataStartTransmission2, Plane: 1},
	},
	Refresh: Frame{Cmd: displayRefresh, Delay: 100 * time.Millisecond, WaitBusy: true},
	Sleep: []Frame{
		{Cmd: powerOff, WaitBusy: true},
		{Cmd: deepSleep, Data: []byte{deepSleepCheck}},
	},
	ReadyLevel: gpio.High,
}

// EPD7in5V2 is the Waveshare 7.5" monochrome V2 panel.
var EPD7in5V2 = Profile{
	Name:     "epd7in5_v2",
	Geometry: convert.Geometry{Width: 800, Height: 480},
	Encoding: convert.Encoding{Format: convert.FormatMono, Palette: convert.BlackWhite},
	Config: []Frame{
		{Cmd: powerSetting, Data: []byte{0x07, 0x07, 0x3F, 0x3F}},
		{Cmd: boosterSoftStart, Data: []byte{0x17, 0x17, 0x28, 0x17}},
		{Cmd: powerOn, Delay: 100 * time.Millisecond, WaitBusy: true},
		{Cmd: panelSetting, Data: []byte{0x1F}},
		{Cmd: resolutionSetting, Data: res800x480},
		{Cmd: dualSPI, Data: []byte{0x00}},
		{Cmd: vcomDataInterval, Data: []byte{0x10, 0x17}},
		{Cmd: lutOption, Data: []byte{0x03}},
		{Cmd: tconSetting, Data: []byte{0x22}},
	},
	Transmit: []Transmission{
		{Cmd: dataStartTransmission1, Plane: 0},
		{Cmd: dataStartTransmission2, Plane: 0},
	},
	Refresh: Frame{Cmd: displayRefresh, Delay: 100 * time.Millisecond, WaitBusy: true},
	Sleep: []Frame{
		{Cmd: powerOff, WaitBusy: true},
		{Cmd: deepSleep, Data: []byte{deepSleepCheck}},
	},
	ReadyLevel: gpio.High,
}

var profiles = map[string]*Profile{
	EPD4in01F.Name:  &EPD4in01F,
	EPD7in5BV2.Name: &EPD7in5BV2,
	EPD7in5V2.Name:  &EPD7in5V2,
}

// Lookup returns a copy of the named profile.
func Lookup(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("epd: unknown panel %q (known: %v)", name, Names())
	}
	return *p, nil
}

// Names lists the known panel profiles, sorted.
func Names() []string {
	out := make([]string, 0, len(profiles))
	for n := range profiles {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
