// Package opencv implements video sources and encoders with OpenCV through
// gocv. It is only built with the gocv build tag, since it needs the OpenCV
// libraries at build time:
//
//	go build -tags gocv ./...
package opencv
