package main

import (
	"time"

	"go.uber.org/zap"

	"github.com/edgeimpulse/drowsy-go/config"
	"github.com/edgeimpulse/drowsy-go/video"
	"github.com/edgeimpulse/drowsy-go/video/ffmpeg"
	"github.com/edgeimpulse/drowsy-go/video/gstreamer"
)

// backend captures frames from cameras or files, and encodes artifacts.
type backend struct {
	listDevices func() ([]video.Device, error)
	open        func(cfg *config.Config, log *zap.Logger) video.OpenFunc
	create      func(log *zap.Logger) video.CreateFunc
}

var backends = map[string]backend{
	"ffmpeg": {
		listDevices: ffmpeg.ListDevices,
		open: func(cfg *config.Config, log *zap.Logger) video.OpenFunc {
			return ffmpeg.OpenFunc(ffmpeg.SourceOpts{
				Logger: log,
				Width:  cfg.Width,
				Height: cfg.Height,
				FPS:    float64(time.Second) / float64(cfg.Interval),
			})
		},
		create: ffmpeg.CreateFunc,
	},
	"gstreamer": {
		listDevices: gstreamer.ListDevices,
		open: func(cfg *config.Config, log *zap.Logger) video.OpenFunc {
			return gstreamer.OpenFunc(gstreamer.SourceOpts{
				Logger: log,
				Width:  cfg.Width,
				Height: cfg.Height,
			})
		},
		// Gstreamer only captures, artifacts are encoded with ffmpeg.
		create: ffmpeg.CreateFunc,
	},
}
