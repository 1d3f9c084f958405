// Package runner drives display cycles: fetch a bitmap from the content
// source, then push it through one panel session.
package runner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"infocal/internal/battery"
	"infocal/internal/capture"
	"infocal/internal/convert"
	"infocal/internal/epd"
	"infocal/internal/log"
	"infocal/internal/model"
)

var (
	// ErrOpen marks a failure to open the panel transport.
	ErrOpen = errors.New("runner: cannot open panel transport")
	// ErrStopped is returned by cycles requested after Stop.
	ErrStopped = errors.New("runner: stopped")
)

// Opener opens the transport of the panel for one session.
type Opener func() (epd.Transport, error)

// Options configures a Runner.
type Options struct {
	Profile epd.Profile
	Source  capture.Source
	Open    Opener
	// Session is passed to every epd session. Its Sink also receives the
	// preview in render-only mode.
	Session epd.Opts
	// RenderOnly encodes frames without touching the panel.
	RenderOnly bool
	// Schedule is a robfig/cron expression, e.g. "@every 10m".
	Schedule string
	// Battery, if set, is sampled after every cycle.
	Battery battery.Reader
}

// lowBattery is the charge below which every cycle logs a warning.
const lowBattery = 15

// Runner serializes display cycles. At most one panel session exists at a
// time.
type Runner struct {
	opts Options

	// cycle serializes access to the panel.
	cycle sync.Mutex
	wg    sync.WaitGroup

	mu      sync.Mutex
	active  *epd.Session
	stopped bool
	aborted bool
	status  model.CycleStatus
	cron    *cron.Cron
	entry   cron.EntryID
}

// New validates o and returns an idle Runner.
func New(o Options) (*Runner, error) {
	if o.Source == nil {
		return nil, errors.New("runner: no content source")
	}
	if o.Open == nil && !o.RenderOnly {
		return nil, errors.New("runner: no transport opener")
	}
	if o.Schedule == "" {
		o.Schedule = "@every 10m"
	}
	r := &Runner{opts: o}
	r.status.Panel = o.Profile.Name
	r.status.Source = fmt.Sprint(o.Source)
	r.status.RenderOnly = o.RenderOnly
	return r, nil
}

// Start runs one cycle right away and then schedules the following ones.
// A transport that cannot be opened during the first cycle is fatal and
// returned; any other failure is logged and retried on the next tick.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(log.CronLogger()),
		cron.WithChain(cron.SkipIfStillRunning(log.CronLogger())),
	)
	id, err := c.AddFunc(r.opts.Schedule, func() {
		_ = r.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("runner: invalid schedule %q: %w", r.opts.Schedule, err)
	}

	if err := r.RunOnce(ctx); err != nil && errors.Is(err, ErrOpen) {
		return err
	}

	r.mu.Lock()
	r.cron, r.entry = c, id
	r.mu.Unlock()
	c.Start()
	log.Info("runner: scheduled", "schedule", r.opts.Schedule, "next", c.Entry(id).Next.Format(time.RFC3339))
	return nil
}

// Stop unschedules future cycles, refuses new ones and waits up to grace
// for the one in flight. When grace runs out the active session is aborted
// so the panel is still released.
func (r *Runner) Stop(grace time.Duration) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.stopped = true
	r.mu.Unlock()
	if c != nil {
		c.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(grace):
	}
	log.Warn("runner: cycle still running after grace period, aborting", "grace", grace)
	r.Abort()
	<-done
}

// Abort closes the session in flight, if any, and every session opened
// afterwards. The cycle then fails at its next panel access.
func (r *Runner) Abort() {
	r.mu.Lock()
	r.aborted = true
	s := r.active
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Status returns a snapshot of the last cycle.
func (r *Runner) Status() model.CycleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status
	if r.cron != nil {
		st.Next = r.cron.Entry(r.entry).Next
	}
	return st
}

// RunOnce performs one cycle: capture, then Init, Display and Sleep on a
// fresh session that is closed on every path. It waits for a cycle in
// flight to finish first.
func (r *Runner) RunOnce(ctx context.Context) error {
	if !r.enter() {
		return ErrStopped
	}
	defer r.wg.Done()
	r.cycle.Lock()
	defer r.cycle.Unlock()
	return r.run(ctx)
}

// TryRunOnce starts a cycle in the background unless one is already
// running or the runner is stopped. It reports whether a cycle started.
func (r *Runner) TryRunOnce(ctx context.Context) bool {
	if !r.cycle.TryLock() {
		return false
	}
	if !r.enter() {
		r.cycle.Unlock()
		return false
	}
	go func() {
		defer r.wg.Done()
		defer r.cycle.Unlock()
		_ = r.run(ctx)
	}()
	return true
}

// enter registers a cycle with the wait group unless Stop was called.
func (r *Runner) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.wg.Add(1)
	return true
}

// run is one cycle; the caller holds r.cycle.
func (r *Runner) run(ctx context.Context) (err error) {
	start := time.Now()
	r.mu.Lock()
	r.status.Cycles++
	r.status.LastStart = start
	r.mu.Unlock()
	defer func() {
		r.finish(start, err)
		r.sampleBattery(ctx)
	}()

	img, err := r.opts.Source.Capture(ctx)
	if err != nil {
		return fmt.Errorf("runner: capture from %v: %w", r.opts.Source, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.opts.RenderOnly {
		return r.render(img)
	}
	return r.withSession(func(s *epd.Session) error {
		if err := s.Init(); err != nil {
			return err
		}
		if err := s.Display(img); err != nil {
			return err
		}
		return s.Sleep()
	})
}

// Clear blanks the panel: Init, Clear, Sleep, Close.
func (r *Runner) Clear() error {
	if !r.enter() {
		return ErrStopped
	}
	defer r.wg.Done()
	r.cycle.Lock()
	defer r.cycle.Unlock()

	return r.withSession(func(s *epd.Session) error {
		if err := s.Init(); err != nil {
			return err
		}
		if err := s.Clear(); err != nil {
			return err
		}
		return s.Sleep()
	})
}

func (r *Runner) withSession(fn func(*epd.Session) error) error {
	t, err := r.opts.Open()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}
	s, err := epd.New(t, r.opts.Profile, &r.opts.Session)
	if err != nil {
		if cerr := t.Close(); cerr != nil {
			log.Error("runner: releasing transport failed", cerr)
		}
		return err
	}

	r.mu.Lock()
	r.active = s
	aborted := r.aborted
	r.mu.Unlock()
	if aborted {
		s.Close()
	}
	defer func() {
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
		s.Close()
	}()
	return fn(s)
}

func (r *Runner) render(img image.Image) error {
	enc := r.opts.Profile.Encoding
	enc.Dither = r.opts.Session.Dither
	f, err := convert.Encode(img, r.opts.Profile.Geometry, enc)
	if err != nil {
		return fmt.Errorf("runner: render: %w", err)
	}
	log.Info("runner: frame rendered", "panel", r.opts.Profile.Name, "bytes", f.Size())
	if sink := r.opts.Session.Sink; sink != nil {
		if err := sink.Save(f.Preview); err != nil {
			log.Warn("runner: preview not saved", "err", err)
		}
	}
	return nil
}

func (r *Runner) finish(start time.Time, err error) {
	d := time.Since(start)
	r.mu.Lock()
	r.status.Duration = d
	if err != nil {
		r.status.Failures++
		r.status.LastError = err.Error()
	} else {
		r.status.LastSuccess = time.Now()
		r.status.LastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		log.Error("runner: cycle failed", err, "took", d.Round(time.Millisecond))
		return
	}
	log.Info("runner: cycle done", "took", d.Round(time.Millisecond))
}

func (r *Runner) sampleBattery(ctx context.Context) {
	if r.opts.Battery == nil {
		return
	}
	st, err := r.opts.Battery.Read(ctx)
	if err != nil {
		log.Warn("runner: battery read failed", "err", err)
		return
	}
	lvl := &model.BatteryLevel{Percent: st.Percent, VoltageMv: st.VoltageMv, At: time.Now()}
	r.mu.Lock()
	r.status.Battery = lvl
	r.mu.Unlock()

	if st.Percent < lowBattery {
		log.Warn("runner: battery low", "percent", st.Percent, "voltage_mv", st.VoltageMv)
		return
	}
	log.Debug("runner: battery", "percent", st.Percent, "voltage_mv", st.VoltageMv)
}
