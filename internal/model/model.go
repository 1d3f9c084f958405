package model

import "time"

// CycleStatus summarizes the most recent display cycle. It is shared by
// the update loop, which writes it, and the diagnostic server, which
// serves it as JSON.
type CycleStatus struct {
	Panel  string `json:"panel"`
	Source string `json:"source"`

	// Cycles counts attempted cycles since start; Failures the failed ones.
	Cycles   int `json:"cycles"`
	Failures int `json:"failures"`

	LastStart   time.Time     `json:"last_start"`
	LastSuccess time.Time     `json:"last_success,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`

	// RenderOnly is set when frames are encoded without touching the panel.
	RenderOnly bool `json:"render_only"`
	// Next is the next scheduled run, zero when not scheduled.
	Next time.Time `json:"next,omitempty"`

	// Battery is sampled after every cycle when a UPS is configured.
	Battery *BatteryLevel `json:"battery,omitempty"`
}

// BatteryLevel is a UPS reading.
type BatteryLevel struct {
	Percent   int       `json:"percent"`
	VoltageMv int       `json:"voltage_mv"`
	At        time.Time `json:"at"`
}

// OK reports whether the last cycle succeeded.
func (s CycleStatus) OK() bool {
	return s.Cycles > 0 && s.LastError == ""
}
