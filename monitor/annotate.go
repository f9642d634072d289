package monitor

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	drowsy "github.com/edgeimpulse/drowsy-go"
)

var (
	colorLandmark = color.NRGBA{0x00, 0xc8, 0xff, 0xff}
	colorFace     = color.NRGBA{0xff, 0xd7, 0x00, 0xff}
	colorOpen     = color.NRGBA{0x00, 0xe0, 0x40, 0xff}
	colorClosed   = color.NRGBA{0xff, 0x30, 0x30, 0xff}
	colorText     = color.NRGBA{0xff, 0xff, 0xff, 0xff}
	colorBackdrop = color.NRGBA{0x00, 0x00, 0x00, 0xa0}
)

type overlay struct {
	closed      bool
	blinks      int
	microsleeps int
	recording   bool
}

// annotate returns a copy of img with the landmarks, face boxes and eye boxes
// of all faces drawn on it, plus the counters. Eye boxes are only drawn for
// the first face, the one that is classified.
func annotate(img image.Image, sets []drowsy.LandmarkSet, mapping drowsy.EyeMapping, o overlay) *image.NRGBA {
	dst := imaging.Clone(img)
	b := dst.Bounds()

	for i, set := range sets {
		for _, p := range set {
			dot(dst, toPixel(p, b), colorLandmark)
		}
		min, max := set.Bounds()
		box(dst, image.Rectangle{toPixel(min, b), toPixel(max, b)}, 2, colorFace)

		if i > 0 {
			continue
		}
		eyeColor := colorOpen
		if o.closed {
			eyeColor = colorClosed
		}
		for _, eye := range []drowsy.Eye{drowsy.LeftEye, drowsy.RightEye} {
			contour, err := drowsy.ExtractEye(set, eye, mapping)
			if err != nil {
				continue
			}
			min, max := drowsy.LandmarkSet(contour).Bounds()
			r := image.Rectangle{toPixel(min, b), toPixel(max, b)}
			box(dst, r.Inset(-4), 1, eyeColor)
		}
	}

	lines := []string{
		fmt.Sprintf("Blinks: %d", o.blinks),
		fmt.Sprintf("Microsleeps: %d", o.microsleeps),
	}
	if o.recording {
		lines = append(lines, "REC")
	}
	text(dst, image.Pt(b.Min.X+10, b.Min.Y+10), lines)
	return dst
}

// toPixel converts a normalized point to a pixel position in b.
func toPixel(p drowsy.Point, b image.Rectangle) image.Point {
	return image.Pt(
		b.Min.X+int(p.X*float64(b.Dx())),
		b.Min.Y+int(p.Y*float64(b.Dy())),
	)
}

func dot(dst *image.NRGBA, p image.Point, c color.Color) {
	for y := p.Y - 1; y <= p.Y+1; y++ {
		for x := p.X - 1; x <= p.X+1; x++ {
			dst.Set(x, y, c)
		}
	}
}

// box draws the outline of r with lines of width w. Parts outside dst are
// clipped.
func box(dst *image.NRGBA, r image.Rectangle, w int, c color.Color) {
	r = r.Canon()
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X+w, r.Min.Y+w),
		image.Rect(r.Min.X, r.Max.Y, r.Max.X+w, r.Max.Y+w),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+w, r.Max.Y+w),
		image.Rect(r.Max.X, r.Min.Y, r.Max.X+w, r.Max.Y+w),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Src)
	}
}

// text draws lines on a translucent backdrop with its top left corner at p.
func text(dst *image.NRGBA, p image.Point, lines []string) {
	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()
	width := 0
	for _, l := range lines {
		if w := font.MeasureString(face, l).Ceil(); w > width {
			width = w
		}
	}
	backdrop := image.Rect(p.X-4, p.Y-4, p.X+width+4, p.Y+lineHeight*len(lines)+4)
	draw.Draw(dst, backdrop.Intersect(dst.Bounds()), image.NewUniform(colorBackdrop), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(colorText),
		Face: face,
	}
	for i, l := range lines {
		d.Dot = fixed.P(p.X, p.Y+(i+1)*lineHeight-face.Metrics().Descent.Ceil())
		d.DrawString(l)
	}
}
