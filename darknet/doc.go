// Package darknet gives memory-safe access to the darknet object-detection
// runtime.
//
// A Network owns the runtime's network and releases it once on Close.
// Layers and Layer borrow from the network and fail with ErrClosed after it
// is closed. Predict runs the forward pass, extracts boxes and applies the
// output layer's NMS variant, returning Detections that the caller owns and
// must Close.
//
// The C library is linked only when building with cgo and the darknet tag:
//
//	go build -tags darknet ./...
//
// Malformed config or weights files terminate the process inside the
// runtime. Validate them with CheckConfigFile and CheckWeightsFile before
// calling Load.
package darknet
