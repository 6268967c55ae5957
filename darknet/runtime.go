package darknet

// NMSKind mirrors the runtime's NMS_KIND enum.
type NMSKind int

const (
	DefaultNMS NMSKind = iota
	GreedyNMS
	DIoUNMS
	CornersNMS
)

func (k NMSKind) String() string {
	switch k {
	case DefaultNMS:
		return "default"
	case GreedyNMS:
		return "greedy"
	case DIoUNMS:
		return "diou"
	case CornersNMS:
		return "corners"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k NMSKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// LayerInfo is a snapshot of the fields this package reads from a runtime layer.
type LayerInfo struct {
	Classes int     `json:"classes"`
	NMSKind NMSKind `json:"nms_kind"`
	BetaNMS float32 `json:"beta_nms"`
	OutW    int     `json:"out_w"`
	OutH    int     `json:"out_h"`
	OutC    int     `json:"out_c"`
}

// Runtime is the boundary into the foreign inference library.
//
// Implementations follow the library's contract: LoadNetwork returns nil on
// some failures and may terminate the process on malformed input. Nothing
// behind this interface is safe for concurrent use on the same network.
type Runtime interface {
	// LoadNetwork builds a network. weights is empty when no weights file is given.
	LoadNetwork(cfg, weights string, clear bool) ForeignNetwork
}

// ForeignNetwork is a network allocated by the runtime.
type ForeignNetwork interface {
	Width() int
	Height() int
	Channels() int
	NumLayers() int
	// Layer reads layer i straight from the runtime's layer array.
	Layer(i int) LayerInfo

	Predict(img *Image)
	PredictLetterbox(img *Image)
	// Boxes returns nil on allocation failure.
	Boxes(w, h int, thresh, hierThresh float32, relative, letterBox bool) ForeignDetections

	// FreeNetwork releases internal sub-structures but not the top-level block.
	FreeNetwork()
	// FreeBlock releases the top-level block with the runtime's deallocator.
	FreeBlock()
}

// ForeignDetections is a detection array allocated by the runtime.
type ForeignDetections interface {
	Len() int
	Record(i int) Detection

	NMSSort(classes int, thresh float32)
	DIoUNMSSort(classes int, thresh float32, kind NMSKind, beta float32)

	// Free releases the array with the runtime's own detection deallocator.
	Free()
}
