package detections

// Defaults match the darknet detector's command-line defaults.
const (
	DefaultThreshold     = 0.25
	DefaultHierThreshold = 0.5
	DefaultNMSThreshold  = 0.45
)
