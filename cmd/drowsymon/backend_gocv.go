//go:build gocv

package main

import (
	"go.uber.org/zap"

	"github.com/edgeimpulse/drowsy-go/config"
	"github.com/edgeimpulse/drowsy-go/video"
	"github.com/edgeimpulse/drowsy-go/video/ffmpeg"
	"github.com/edgeimpulse/drowsy-go/video/opencv"
)

func init() {
	backends["opencv"] = backend{
		listDevices: ffmpeg.ListDevices,
		open: func(cfg *config.Config, log *zap.Logger) video.OpenFunc {
			return opencv.OpenFunc(opencv.SourceOpts{
				Logger: log,
				Width:  cfg.Width,
				Height: cfg.Height,
			})
		},
		create: func(*zap.Logger) video.CreateFunc {
			return opencv.CreateFunc()
		},
	}
}
