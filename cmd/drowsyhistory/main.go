// Command drowsyhistory lists recorded sessions, writes their thumbnails and
// plays them back.
//
// Examples:
//
//	# List recorded sessions.
//	drowsyhistory -dir videos
//
//	# Write a png thumbnail for each session to ./thumbs.
//	drowsyhistory -dir videos -thumbs thumbs
//
//	# Play back a session, printing each frame.
//	drowsyhistory -dir videos -play session-20240102-150405-0a1b2c3d.avi
//
//	# Print the listing whenever a session is added or removed.
//	drowsyhistory -dir videos -watch
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/edgeimpulse/drowsy-go/history"
	"github.com/edgeimpulse/drowsy-go/logger"
	"github.com/edgeimpulse/drowsy-go/video"
	"github.com/edgeimpulse/drowsy-go/video/ffmpeg"
)

var (
	dir      string
	thumbs   string
	play     string
	interval time.Duration
	watch    bool
	verbose  bool
)

func init() {
	flag.StringVar(&dir, "dir", "videos", "directory with recorded videos")
	flag.StringVar(&thumbs, "thumbs", "", "if set, write a png thumbnail of each video to the named directory")
	flag.StringVar(&play, "play", "", "if set, play back the named video")
	flag.DurationVar(&interval, "interval", history.DefaultPlaybackInterval, "time between frames during playback")
	flag.BoolVar(&watch, "watch", false, "print the listing whenever the directory changes")
	flag.BoolVar(&verbose, "verbose", false, "print verbose output")
}

func usage() {
	log.Println("usage: drowsyhistory [flags]")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	if len(flag.Args()) != 0 {
		usage()
	}
	os.Exit(main0())
}

func main0() int {
	lg := logger.NewConsole(verbose)
	defer lg.Sync()

	store := &history.Store{
		Dir:    dir,
		Open:   ffmpeg.OpenFunc(ffmpeg.SourceOpts{Logger: lg}),
		Logger: lg,
	}

	if play != "" {
		p, err := store.Play(play)
		if err != nil {
			log.Printf("%v", err)
			return 1
		}
		n := 0
		task := p.Run(nil, interval, func(f video.Frame) {
			n++
			b := f.Image.Bounds()
			fmt.Printf("frame %d %dx%d\n", f.Seq, b.Dx(), b.Dy())
		})
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		select {
		case <-task.Done():
		case <-sig:
			task.Stop()
		}
		p.Close()
		fmt.Printf("%s: %d frames\n", play, n)
		return 0
	}

	names, err := store.List()
	if err != nil {
		log.Printf("%v", err)
		return 1
	}
	fmt.Println(strings.Join(names, "\n"))

	if thumbs != "" {
		if err := os.MkdirAll(thumbs, 0o755); err != nil {
			log.Printf("making thumbnail dir: %v", err)
			return 1
		}
		for _, name := range names {
			dst := filepath.Join(thumbs, strings.TrimSuffix(name, filepath.Ext(name))+".png")
			if err := imaging.Save(store.Thumbnail(name), dst); err != nil {
				log.Printf("writing thumbnail: %v", err)
				return 1
			}
		}
	}

	if watch {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		c, err := store.Watch(ctx)
		if err != nil {
			log.Printf("%v", err)
			return 1
		}
		for names := range c {
			fmt.Printf("-- %s\n", time.Now().Format(time.TimeOnly))
			fmt.Println(strings.Join(names, "\n"))
		}
	}
	return 0
}
