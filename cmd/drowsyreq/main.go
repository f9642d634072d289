// Reads a landmark inference request as written to a trace directory, writes
// the image it carries as png.
//
//	drowsyreq -width 192 -height 192 < infer-1-request.json > out.png
package main

import (
	"encoding/json"
	"flag"
	"image/png"
	"log"
	"os"

	drowsy "github.com/edgeimpulse/drowsy-go"
	"github.com/edgeimpulse/drowsy-go/video"
)

func main() {
	log.SetFlags(0)

	width := flag.Int("width", 192, "image width expected by the model")
	height := flag.Int("height", 192, "image height expected by the model")
	flag.Parse()

	var req drowsy.RunnerInferRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		log.Fatalf("decode json: %v", err)
	}

	if len(req.Infer) != *width**height {
		log.Fatalf("unexpected size (%d values, expected %dx%d)", len(req.Infer), *width, *height)
	}

	buf := make([]byte, 0, len(req.Infer)*3)
	for _, f := range req.Infer {
		v := uint32(f)
		buf = append(buf, uint8(v>>16), uint8(v>>8), uint8(v))
	}
	img, err := video.UnpackRGB24(buf, *width, *height)
	if err != nil {
		log.Fatalf("unpack: %v", err)
	}
	if err := png.Encode(os.Stdout, img); err != nil {
		log.Fatalf("writing png: %v", err)
	}
}
