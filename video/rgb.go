package video

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// PackRGB24 writes img as packed 8-bit RGB into buf, resizing it to width x
// height first if needed. buf is reused if large enough.
func PackRGB24(img image.Image, width, height int, buf []byte) []byte {
	n := width * height * 3
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]

	var nrgba *image.NRGBA
	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		nrgba = imaging.Resize(img, width, height, imaging.Linear)
	} else if m, ok := img.(*image.NRGBA); ok {
		nrgba = m
	} else {
		nrgba = imaging.Clone(img)
	}

	i := 0
	for y := 0; y < height; y++ {
		row := nrgba.Pix[nrgba.PixOffset(nrgba.Rect.Min.X, nrgba.Rect.Min.Y+y):]
		for x := 0; x < width; x++ {
			buf[i+0] = row[x*4+0]
			buf[i+1] = row[x*4+1]
			buf[i+2] = row[x*4+2]
			i += 3
		}
	}
	return buf
}

// UnpackRGB24 turns packed 8-bit RGB into an opaque image.
func UnpackRGB24(buf []byte, width, height int) (*image.NRGBA, error) {
	if len(buf) != width*height*3 {
		return nil, fmt.Errorf("rgb24 buffer has %d bytes, expected %d for %dx%d", len(buf), width*height*3, width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(buf); i, j = i+3, j+4 {
		img.Pix[j+0] = buf[i+0]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}
