// Command drowsyear launches a landmark model process, finds faces in the
// images named on the command line, and prints the eye openness of each face.
//
// Example:
//
//	drowsyear ../../models/linux-x86/face-landmarks.eim driver.jpg closed.png
package main

import (
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"

	drowsy "github.com/edgeimpulse/drowsy-go"
)

var (
	traceDir  string
	threshold float64
)

func init() {
	flag.StringVar(&traceDir, "tracedir", "", "if set, store the landmark requests and responses in the named directory")
	flag.Float64Var(&threshold, "threshold", drowsy.DefaultThreshold, "eye aspect ratio below which an eye is closed")
}

func usage() {
	log.Println("usage: drowsyear model image ...")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		usage()
	}

	runner, err := drowsy.NewLandmarkRunner(args[0], &drowsy.RunnerOpts{TraceDir: traceDir})
	if err != nil {
		log.Fatalf("new runner: %v", err)
	}

	log.Printf("project %s\nmodel %s", runner.Project(), runner.ModelParameters())
	mapping := runner.ModelParameters().EyeMapping()

	failed := false
	for _, path := range args[1:] {
		img, err := readImage(path)
		if err != nil {
			log.Printf("%s: %v", path, err)
			failed = true
			continue
		}
		sets, err := runner.Infer(img)
		if err != nil {
			log.Printf("%s: infer: %v", path, err)
			failed = true
			continue
		}
		if len(sets) == 0 {
			fmt.Printf("%s: no face\n", path)
			continue
		}
		for i, set := range sets {
			s, errs := drowsy.MeasureOpenness(set, mapping)
			for _, err := range errs {
				log.Printf("%s: face %d: %v", path, i, err)
			}
			fmt.Printf("%s: face %d: left %s right %s\n", path, i, eye(s.Left, s.LeftOK), eye(s.Right, s.RightOK))
		}
	}
	runner.Close()
	if failed {
		os.Exit(1)
	}
}

func eye(v float64, ok bool) string {
	if !ok {
		return "n/a"
	}
	state := "open"
	if v < threshold {
		state = "closed"
	}
	return fmt.Sprintf("%.3f (%s)", v, state)
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %v", err)
	}
	return img, nil
}
