package video

// DeviceCap describes a capability of a device.
type DeviceCap struct {
	Type      string // "video/x-raw" or "image/jpeg"
	Width     int
	Height    int
	Framerate int
}

// Device is a camera device capable of capturing frames.
type Device struct {
	Name string
	ID   string
	Caps []DeviceCap
}
