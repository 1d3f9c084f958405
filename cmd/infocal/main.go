package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3/physic"

	"infocal/internal/battery"
	"infocal/internal/bus"
	"infocal/internal/capture"
	"infocal/internal/config"
	"infocal/internal/epd"
	appLog "infocal/internal/log"
	"infocal/internal/runner"
	"infocal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	once       bool
	renderOnly bool
	listen     string
	logLevel   string
	command    string
}

// shutdownGrace is how long a running cycle may finish after a signal
// before its session is aborted.
const shutdownGrace = 20 * time.Second

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	level := conf.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	if l, ok := appLog.ParseLevel(level); ok {
		appLog.SetLevel(l)
	} else {
		appLog.Warn("unknown log level, keeping default", "log_level", level)
	}

	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	profile, err := epd.Lookup(conf.Panel)
	if err != nil {
		appLog.Error("invalid panel", err)
		os.Exit(1)
	}

	// Installed before any panel access so every command can release the
	// bus on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	switch flags.command {
	case "":
	case "clear":
		os.Exit(runClear(conf, profile, sigCh))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flags.command)
		flag.Usage()
		os.Exit(2)
	}

	appLog.Info("infocal starting",
		"panel", profile.Name,
		"geometry", profile.Geometry.String(),
		"source", conf.Source.Kind,
		"refresh", conf.RefreshCron,
		"listen", conf.Listen,
		"once", flags.once,
		"render_only", flags.renderOnly,
	)

	var bat battery.Reader
	if conf.Battery != nil {
		bat = battery.NewPiSugar(conf.Battery.Bus, conf.Battery.Addr)
	}

	r, err := newRunner(conf, profile, flags.renderOnly, bat)
	if err != nil {
		appLog.Error("failed to set up update loop", err)
		os.Exit(1)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
		// A second signal aborts the panel session right away.
		<-sigCh
		r.Abort()
	}()

	if flags.once {
		if err := r.RunOnce(ctx); err != nil {
			os.Exit(1)
		}
		return
	}

	if conf.Listen != "" {
		go func() {
			if err := web.StartServer(ctx, conf, r, bat); err != nil {
				appLog.Error("HTTP server failed", err)
			}
		}()
	}

	if err := r.Start(ctx); err != nil {
		appLog.Error("cannot drive panel", err)
		os.Exit(1)
	}

	<-ctx.Done()
	r.Stop(shutdownGrace)
	appLog.Info("infocal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/infocal/config.yaml", "Path to config file")
	flag.BoolVar(&cfg.once, "once", false, "Run one capture+display cycle and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Encode and dump the preview; do not touch display hardware")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [clear]\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	cfg.command = flag.Arg(0)

	return cfg
}

func runClear(conf *config.Config, profile epd.Profile, sigCh <-chan os.Signal) int {
	r, err := runner.New(runner.Options{
		Profile: profile,
		// Clear never captures.
		Source:  &capture.File{Path: conf.Source.Path},
		Open:    opener(conf),
		Session: sessionOpts(conf),
	})
	if err == nil {
		go func() {
			sig := <-sigCh
			appLog.Info("signal received, aborting clear", "signal", sig.String())
			r.Abort()
		}()
		err = r.Clear()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "clearing the display failed: %v\n", err)
		return 1
	}
	fmt.Println("display cleared")
	return 0
}

func newRunner(conf *config.Config, profile epd.Profile, renderOnly bool, bat battery.Reader) (*runner.Runner, error) {
	src, err := capture.New(capture.Options{
		Kind:     conf.Source.Kind,
		Path:     conf.Source.Path,
		URL:      conf.Source.URL,
		Timeout:  time.Duration(conf.Source.TimeoutSec) * time.Second,
		MaxAge:   time.Duration(conf.Source.MaxAgeSec) * time.Second,
		Geometry: profile.Geometry,
	})
	if err != nil {
		return nil, err
	}
	o := runner.Options{
		Profile:    profile,
		Source:     src,
		Session:    sessionOpts(conf),
		RenderOnly: renderOnly,
		Schedule:   conf.RefreshCron,
		Battery:    bat,
	}
	if !renderOnly {
		o.Open = opener(conf)
	}
	return runner.New(o)
}

func sessionOpts(conf *config.Config) epd.Opts {
	o := epd.Opts{
		PollInterval: time.Duration(conf.Busy.PollMs) * time.Millisecond,
		TimeoutPolls: conf.Busy.TimeoutPolls,
		Dither:       conf.Dither,
	}
	if conf.PreviewPath != "" {
		o.Sink = epd.PNGFile(conf.PreviewPath)
	}
	return o
}

func opener(conf *config.Config) runner.Opener {
	return func() (epd.Transport, error) {
		b, err := bus.Open(bus.Opts{
			BusID:      conf.SPI.Bus,
			ChipSelect: conf.SPI.ChipSelect,
			Speed:      physic.Frequency(conf.SPI.SpeedHz) * physic.Hertz,
			Pins: bus.Pins{
				RST:  conf.Pins.Reset,
				DC:   conf.Pins.DC,
				CS:   conf.Pins.CS,
				Busy: conf.Pins.Busy,
			},
		})
		if err != nil {
			return nil, err
		}
		appLog.Debug("panel transport opened", "bus", b.String())
		return b, nil
	}
}
