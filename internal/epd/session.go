// Package epd drives an e-paper panel through its command protocol: reset,
// configuration, frame transmission, refresh and deep sleep.
//
// A Session owns the transport of exactly one panel. The panel is only
// touched between Init and Close; Close must run on every exit path.
package epd

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"infocal/internal/convert"
	"infocal/internal/log"
)

var (
	// ErrNotInitialized is returned when a frame is sent before Init.
	ErrNotInitialized = errors.New("epd: panel not initialized")
	// ErrSleeping is returned when a frame is sent to a sleeping panel.
	// Init wakes it up again.
	ErrSleeping = errors.New("epd: panel is in deep sleep")
	// ErrClosed is returned by any operation after Close.
	ErrClosed = errors.New("epd: session closed")
)

// State is the lifecycle state of a Session.
type State int

const (
	Uninitialized State = iota
	Resetting
	AwaitingReady
	Configuring
	Idle
	TransmittingBuffer
	Refreshing
	Sleeping
	Closed
)

var stateNames = [...]string{
	Uninitialized:      "uninitialized",
	Resetting:          "resetting",
	AwaitingReady:      "awaiting-ready",
	Configuring:        "configuring",
	Idle:               "idle",
	TransmittingBuffer: "transmitting",
	Refreshing:         "refreshing",
	Sleeping:           "sleeping",
	Closed:             "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transport is the command/data channel to the panel. *bus.Bus implements
// it.
type Transport interface {
	SetReset(l gpio.Level) error
	WriteCommand(c byte) error
	WriteDataBytes(p []byte) error
	ReadBusy() gpio.Level
	Close() error
}

// Opts tunes a Session. The zero value is usable.
type Opts struct {
	// PollInterval between busy line samples; 100ms when zero.
	PollInterval time.Duration
	// TimeoutPolls bounds a busy wait; 50 when zero. A wait that runs out
	// logs a warning and carries on.
	TimeoutPolls int
	// Dither enables error diffusion in the encoder.
	Dither bool
	// Sink, if not nil, receives the quantized image after every
	// successful refresh.
	Sink Sink
	// Sleep replaces time.Sleep, for tests.
	Sleep func(time.Duration)
}

// Reset pulse timing.
const (
	resetSettle = 200 * time.Millisecond
	resetPulse  = 2 * time.Millisecond
)

// Session is the state machine of one panel.
type Session struct {
	// op serializes Init, Display, Clear and Sleep. Close does not take it
	// so it can interrupt a running operation.
	op sync.Mutex

	mu    sync.Mutex
	state State

	t    Transport
	p    Profile
	opts Opts
}

// New returns an uninitialized session over t.
func New(t Transport, p Profile, opts *Opts) (*Session, error) {
	if t == nil {
		return nil, errors.New("epd: nil transport")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	s := &Session{t: t, p: p}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.PollInterval <= 0 {
		s.opts.PollInterval = 100 * time.Millisecond
	}
	if s.opts.TimeoutPolls <= 0 {
		s.opts.TimeoutPolls = 50
	}
	if s.opts.Sleep == nil {
		s.opts.Sleep = time.Sleep
	}
	s.p.Encoding.Dither = s.opts.Dither
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Profile returns the panel profile the session drives.
func (s *Session) Profile() Profile {
	return s.p
}

// Init resets and configures the panel. It is valid on a fresh session,
// on an idle panel and to wake a sleeping one.
func (s *Session) Init() error {
	s.op.Lock()
	defer s.op.Unlock()

	switch st := s.State(); st {
	case Closed:
		return ErrClosed
	case Uninitialized, Idle, Sleeping:
	default:
		return fmt.Errorf("epd: cannot init in state %s", st)
	}

	log.Info("epd: initializing panel", "panel", s.p.Name)
	if err := s.init(); err != nil {
		return s.fail("init", err)
	}
	log.Debug("epd: panel ready", "panel", s.p.Name)
	return nil
}

func (s *Session) init() error {
	if err := s.setState(Resetting); err != nil {
		return err
	}
	for _, step := range []struct {
		l gpio.Level
		d time.Duration
	}{
		{gpio.High, resetSettle},
		{gpio.Low, resetPulse},
		{gpio.High, resetSettle},
	} {
		if err := s.t.SetReset(step.l); err != nil {
			return fmt.Errorf("reset pulse: %w", err)
		}
		s.opts.Sleep(step.d)
	}

	if s.p.SoftReset != nil {
		if err := s.send(*s.p.SoftReset); err != nil {
			return err
		}
	}

	if err := s.setState(Configuring); err != nil {
		return err
	}
	for _, f := range s.p.Config {
		if err := s.send(f); err != nil {
			return err
		}
	}
	return s.setState(Idle)
}

// Display encodes img for the panel and refreshes it. img is resized when
// it does not match the panel geometry.
func (s *Session) Display(img image.Image) error {
	s.op.Lock()
	defer s.op.Unlock()

	if err := s.ready(); err != nil {
		return err
	}
	f, err := convert.Encode(img, s.p.Geometry, s.p.Encoding)
	if err != nil {
		log.Error("epd: encode failed", err, "panel", s.p.Name)
		return fmt.Errorf("epd: display: %w", err)
	}
	return s.display(f)
}

// Clear shows an all-white frame.
func (s *Session) Clear() error {
	s.op.Lock()
	defer s.op.Unlock()

	if err := s.ready(); err != nil {
		return err
	}
	f, err := convert.Blank(s.p.Geometry, s.p.Encoding)
	if err != nil {
		return fmt.Errorf("epd: clear: %w", err)
	}
	log.Info("epd: clearing panel", "panel", s.p.Name)
	return s.display(f)
}

func (s *Session) display(f *convert.Frame) error {
	start := time.Now()
	if err := s.transmit(f); err != nil {
		return s.fail("display", err)
	}
	log.Info("epd: frame displayed", "panel", s.p.Name, "bytes", f.Size(), "took", time.Since(start).Round(time.Millisecond))

	if s.opts.Sink != nil {
		if err := s.opts.Sink.Save(f.Preview); err != nil {
			log.Warn("epd: preview not saved", "err", err)
		}
	}
	return nil
}

func (s *Session) transmit(f *convert.Frame) error {
	if err := s.setState(TransmittingBuffer); err != nil {
		return err
	}
	for _, tr := range s.p.Transmit {
		if err := s.t.WriteCommand(tr.Cmd); err != nil {
			return err
		}
		if err := s.t.WriteDataBytes(f.Planes[tr.Plane]); err != nil {
			return err
		}
	}
	if err := s.setState(Refreshing); err != nil {
		return err
	}
	if err := s.send(s.p.Refresh); err != nil {
		return err
	}
	return s.setState(Idle)
}

// Sleep puts the panel into deep sleep. Only Init brings it back. Sleep on
// a sleeping panel does nothing.
func (s *Session) Sleep() error {
	s.op.Lock()
	defer s.op.Unlock()

	switch s.State() {
	case Sleeping:
		return nil
	case Uninitialized:
		return ErrNotInitialized
	case Closed:
		return ErrClosed
	}
	for _, f := range s.p.Sleep {
		if err := s.send(f); err != nil {
			return s.fail("sleep", err)
		}
	}
	if err := s.setState(Sleeping); err != nil {
		return s.fail("sleep", err)
	}
	log.Info("epd: panel asleep", "panel", s.p.Name)
	return nil
}

// Close releases the transport. It may be called from another goroutine
// to abort a running operation, and any number of times. Errors are
// logged.
func (s *Session) Close() {
	s.mu.Lock()
	prev := s.state
	if prev == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.mu.Unlock()

	switch prev {
	case Uninitialized, Idle, Sleeping:
	default:
		log.Warn("epd: closing during operation", "state", prev)
	}
	if err := s.t.Close(); err != nil {
		log.Error("epd: releasing transport failed", err, "panel", s.p.Name)
		return
	}
	log.Debug("epd: session closed", "panel", s.p.Name)
}

// send writes one frame, then honours its delay and busy wait.
func (s *Session) send(f Frame) error {
	if err := s.t.WriteCommand(f.Cmd); err != nil {
		return err
	}
	if len(f.Data) > 0 {
		if err := s.t.WriteDataBytes(f.Data); err != nil {
			return err
		}
	}
	if f.Delay > 0 {
		s.opts.Sleep(f.Delay)
	}
	if f.WaitBusy {
		return s.waitReady(f.Cmd)
	}
	return nil
}

// waitReady polls the busy line until it reads the ready level, at most
// TimeoutPolls times. Running out is not an error.
func (s *Session) waitReady(after byte) error {
	s.mu.Lock()
	prev := s.state
	if prev == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = AwaitingReady
	s.mu.Unlock()

	for polls := 0; ; polls++ {
		if s.State() == Closed {
			return ErrClosed
		}
		if s.t.ReadBusy() == s.p.ReadyLevel {
			break
		}
		if polls == s.opts.TimeoutPolls {
			log.Warn("epd: busy wait timed out, continuing",
				"panel", s.p.Name,
				"after", fmt.Sprintf("0x%02X", after),
				"waited", time.Duration(polls)*s.opts.PollInterval)
			break
		}
		s.opts.Sleep(s.opts.PollInterval)
	}
	return s.setState(prev)
}

// ready checks that a frame may be sent.
func (s *Session) ready() error {
	switch s.State() {
	case Idle:
		return nil
	case Sleeping:
		return ErrSleeping
	case Closed:
		return ErrClosed
	default:
		return ErrNotInitialized
	}
}

func (s *Session) setState(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	s.state = st
	return nil
}

// fail logs err and drops the session back to Uninitialized, unless it
// was closed meanwhile.
func (s *Session) fail(op string, err error) error {
	s.mu.Lock()
	closed := s.state == Closed
	if !closed {
		s.state = Uninitialized
	}
	s.mu.Unlock()

	if closed {
		log.Warn("epd: "+op+" interrupted by close", "panel", s.p.Name, "err", err)
		if !errors.Is(err, ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return fmt.Errorf("epd: %s: %w", op, err)
	}
	log.Error("epd: "+op+" failed", err, "panel", s.p.Name)
	return fmt.Errorf("epd: %s: %w", op, err)
}
