// Command drowsymon launches a landmark model process, captures frames from a
// camera (or plays a video file), and counts blinks and microsleeps of the
// driver, recording annotated video of each session.
//
// Examples:
//
//	# List available devices and quit.
//	drowsymon -listdevices
//
//	# Monitor using default settings, recording to ./videos.
//	drowsymon ../../models/linux-x86/face-landmarks.eim
//
//	# Monitor with gstreamer from an explicit device, without recording.
//	drowsymon -backend gstreamer -device /dev/video2 -record=false -verbose face-landmarks.eim
//
//	# Replay a recorded drive, exposing metrics.
//	drowsymon -device drive.mp4 -metrics :9100 face-landmarks.eim
//
// Settings can also be given as DROWSY_* environment variables, flags take
// precedence.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	drowsy "github.com/edgeimpulse/drowsy-go"
	"github.com/edgeimpulse/drowsy-go/archive"
	"github.com/edgeimpulse/drowsy-go/config"
	"github.com/edgeimpulse/drowsy-go/logger"
	"github.com/edgeimpulse/drowsy-go/metrics"
	"github.com/edgeimpulse/drowsy-go/monitor"
	"github.com/edgeimpulse/drowsy-go/schedule"
)

var (
	cfg         *config.Config
	listDevices bool
	verbose     bool
)

func usage() {
	log.Println("usage: drowsymon [flags] model")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)

	var err error
	cfg, err = config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)

	flag.BoolVar(&listDevices, "listdevices", false, "if set, lists devices and exits")
	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "video backend to use: "+strings.Join(names, ", "))
	flag.StringVar(&cfg.Device, "device", cfg.Device, "camera device or video file, by default, the first device returned when listing devices")
	flag.DurationVar(&cfg.Interval, "interval", cfg.Interval, "how often to capture a frame and classify it")
	flag.BoolVar(&cfg.Record, "record", cfg.Record, "record annotated video of each session")
	flag.StringVar(&cfg.Dir, "dir", cfg.Dir, "directory for recorded videos")
	flag.Float64Var(&cfg.Threshold, "threshold", cfg.Threshold, "eye aspect ratio below which an eye is closed")
	flag.DurationVar(&cfg.MicrosleepDuration, "microsleep", cfg.MicrosleepDuration, "minimum eye closure counted as microsleep")
	flag.IntVar(&cfg.Smoothing, "smoothing", cfg.Smoothing, "moving average window for eye openness, 0 disables")
	flag.BoolVar(&verbose, "verbose", false, "print verbose output")
	flag.StringVar(&cfg.TraceDir, "tracedir", cfg.TraceDir, "if set, store the landmark requests and responses in the named directory")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "if set, address to serve prometheus metrics on, e.g. :9100")
	flag.Usage = usage
	flag.Parse()
	os.Exit(main0(flag.Args()))
}

func main0(args []string) int {
	if err := cfg.Validate(); err != nil {
		log.Printf("%v", err)
		return 2
	}
	be, ok := backends[cfg.Backend]
	if !ok {
		log.Printf("backend %q not available in this build", cfg.Backend)
		return 2
	}

	if listDevices {
		devs, err := be.listDevices()
		if err != nil {
			log.Printf("listing devices: %v", err)
			return 1
		}
		for _, dev := range devs {
			caps := ""
			if len(dev.Caps) > 0 {
				l := []string{}
				for _, c := range dev.Caps {
					l = append(l, fmt.Sprintf("%dx%d@%dfps", c.Width, c.Height, c.Framerate))
				}
				caps = fmt.Sprintf(" (caps: %s)", strings.Join(l, " "))
			}
			fmt.Printf("%s: %s%s\n", dev.ID, dev.Name, caps)
		}
		return 0
	}

	if len(args) == 1 {
		cfg.Model = args[0]
	} else if len(args) != 0 || cfg.Model == "" {
		usage()
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	lg, err := logger.New(level)
	if err != nil {
		log.Printf("init logger: %v", err)
		return 1
	}
	defer lg.Sync()

	runner, err := drowsy.NewLandmarkRunner(cfg.Model, &drowsy.RunnerOpts{
		TraceDir: cfg.TraceDir,
		Logger:   lg,
	})
	if err != nil {
		lg.Error("new runner", zap.Error(err))
		return 1
	}
	defer runner.Close()
	lg.Info("model loaded", zap.Stringer("project", runner.Project()), zap.Stringer("model", runner.ModelParameters()))

	if cfg.MetricsAddr != "" {
		srv := metrics.StartServer(cfg.MetricsAddr, lg)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	var finalized func(string)
	if cfg.MinIOEndpoint != "" {
		up, err := archive.NewUploader(archive.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Bucket:    cfg.MinIOBucket,
		}, lg)
		if err != nil {
			lg.Error("archive", zap.Error(err))
			return 1
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = up.EnsureBucket(ctx)
		cancel()
		if err != nil {
			lg.Warn("archive unavailable, artifacts stay local", zap.Error(err))
		} else {
			var wait func()
			finalized, wait = up.Finalized(5 * time.Minute)
			defer wait()
		}
	}

	timer := schedule.NewSessionTimer(nil)

	mon, err := monitor.New(runner, monitor.Opts{
		Logger:   lg,
		Interval: cfg.Interval,
		Device:   cfg.Device,
		Open:     be.open(cfg, lg),
		Record:   cfg.Record,
		Create:   be.create(lg),
		Dir:      cfg.Dir,
		Ext:      cfg.Ext,
		Codec:    cfg.Codec,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Classifier: drowsy.ClassifierOpts{
			Threshold:        cfg.Threshold,
			MicrosleepFrames: drowsy.MicrosleepFrames(cfg.MicrosleepDuration, cfg.Interval),
		},
		Mapping:   runner.ModelParameters().EyeMapping(),
		Smoothing: cfg.Smoothing,
		Timer:     timer,
		Finalized: finalized,
	})
	if err != nil {
		lg.Error("new monitor", zap.Error(err))
		return 1
	}

	timer.OnTick = func(d time.Duration) {
		b, m := mon.Counters()
		fmt.Printf("%s blinks=%d microsleeps=%d\n", schedule.FormatElapsed(d), b, m)
	}
	timer.Start()
	defer timer.Stop()

	if err := mon.Start(); err != nil {
		lg.Error("starting detection", zap.Error(err))
		return 1
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-signals:
			if err := mon.Stop(); err != nil {
				lg.Error("stopping detection", zap.Error(err))
				return 1
			}
			return 0
		case ev := <-mon.Events:
			if ev.Kind != drowsy.EventNone {
				fmt.Printf("%s %s blinks=%d microsleeps=%d\n", timer, ev.Kind, ev.Blinks, ev.Microsleeps)
			}
		case <-mon.Done():
			st := mon.State()
			fmt.Printf("%s detection ended blinks=%d microsleeps=%d\n", timer, st.BlinkCount, st.MicrosleepCount)
			if err := mon.Err(); err != nil {
				lg.Error("detection failed", zap.Error(err))
				return 1
			}
			return 0
		}
	}
}
