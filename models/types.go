package models

import "time"

// Detection is one reported object, in image pixels.
type Detection struct {
	BBox       [4]int32 `json:"bbox"`
	Class      int      `json:"class"`
	Label      string   `json:"label,omitempty"`
	Confidence float32  `json:"confidence"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
