package darknet

import (
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Network owns one network allocated by the darknet runtime.
//
// Predict mutates scratch buffers inside the runtime, so it holds the
// network exclusively; shape accessors and layer views may be used freely
// between predictions. A Network may move between goroutines.
type Network struct {
	mu     sync.RWMutex
	net    ForeignNetwork
	closed bool
	logger *zap.Logger

	width, height, channels int
	numLayers               int
}

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	runtime Runtime
	logger  *zap.Logger
}

// WithRuntime loads through rt instead of DefaultRuntime.
func WithRuntime(rt Runtime) Option {
	return func(o *loadOptions) { o.runtime = rt }
}

// WithLogger sets the logger used by the network.
func WithLogger(logger *zap.Logger) Option {
	return func(o *loadOptions) { o.logger = logger }
}

// Load builds a network from a configuration file and an optional weights
// file. An empty weightsPath loads the network without weights.
//
// The runtime terminates the process with exit code 1 when:
//   - the config has no sections,
//   - the first section of the config is not [net] or [network],
//   - the weights file cannot be opened,
//   - the weights file is invalid.
//
// These are preconditions, not errors; see CheckConfigFile and CheckWeightsFile.
//
// Load returns a *PathEncodingError if either path contains a NUL byte, and
// an *InternalError if the runtime returns no network.
func Load(cfgPath, weightsPath string, clear bool, opts ...Option) (*Network, error) {
	o := loadOptions{runtime: DefaultRuntime, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	if strings.IndexByte(cfgPath, 0) >= 0 {
		return nil, &PathEncodingError{Path: cfgPath}
	}
	if strings.IndexByte(weightsPath, 0) >= 0 {
		return nil, &PathEncodingError{Path: weightsPath}
	}

	fn := o.runtime.LoadNetwork(cfgPath, weightsPath, clear)
	if fn == nil {
		return nil, &InternalError{Reason: "failed to load model"}
	}

	n := &Network{
		net:       fn,
		logger:    o.logger,
		width:     fn.Width(),
		height:    fn.Height(),
		channels:  fn.Channels(),
		numLayers: fn.NumLayers(),
	}
	runtime.SetFinalizer(n, (*Network).Close)

	n.logger.Debug("network loaded",
		zap.String("cfg", cfgPath),
		zap.String("weights", weightsPath),
		zap.Bool("clear", clear),
		zap.Int("layers", n.numLayers),
		zap.Int("width", n.width),
		zap.Int("height", n.height),
		zap.Int("channels", n.channels),
	)
	return n, nil
}

// InputWidth returns the network input width.
func (n *Network) InputWidth() int { return n.width }

// InputHeight returns the network input height.
func (n *Network) InputHeight() int { return n.height }

// InputChannels returns the network input channels.
func (n *Network) InputChannels() int { return n.channels }

// InputShape returns (channels, height, width), in that order.
func (n *Network) InputShape() (c, h, w int) {
	return n.channels, n.height, n.width
}

// NumLayers returns the number of layers.
func (n *Network) NumLayers() int { return n.numLayers }

// Layers returns a view over the network's layers. The view is only
// readable while the network is open.
func (n *Network) Layers() Layers {
	return Layers{net: n, n: n.numLayers}
}

// Layer returns a view of layer index, or false if index is out of range.
func (n *Network) Layer(index int) (Layer, bool) {
	if index < 0 || index >= n.numLayers {
		return Layer{}, false
	}
	return Layer{net: n, index: index}, true
}

// OutputLayer returns the last layer, the one Predict reads its NMS settings from.
func (n *Network) OutputLayer() (Layer, bool) {
	return n.Layer(n.numLayers - 1)
}

// Closed reports whether Close has run.
func (n *Network) Closed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

// Predict runs the network on img and returns the extracted detections.
//
// Box coordinates are rescaled using img's own dimensions. When nms is
// non-zero, suppression runs in place over the output layer's classes:
// suppressed records keep their slot with zeroed probabilities, so the
// returned count is the raw extraction count. Filter on confidence, not Len.
//
// Predict returns an *ImageError, without calling the runtime, when img is
// nil or its Data does not match its dimensions. It holds the network
// exclusively for the whole call.
func (n *Network) Predict(img *Image, thresh, hierThresh, nms float32, letterBox bool) (*Detections, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if err := img.validate(); err != nil {
		return nil, err
	}

	if letterBox {
		n.net.PredictLetterbox(img)
	} else {
		n.net.Predict(img)
	}

	dets := n.net.Boxes(img.Width, img.Height, thresh, hierThresh, true, letterBox)
	if dets == nil {
		return nil, &InternalError{Reason: "failed to extract boxes"}
	}

	var output LayerInfo
	if n.numLayers > 0 {
		output = n.net.Layer(n.numLayers - 1)
	}

	if nms != 0 {
		if output.NMSKind == DefaultNMS {
			dets.NMSSort(output.Classes, nms)
		} else {
			dets.DIoUNMSSort(output.Classes, nms, output.NMSKind, output.BetaNMS)
		}
	}

	d := newDetections(dets, dets.Len())
	n.logger.Debug("predicted",
		zap.Int("image_width", img.Width),
		zap.Int("image_height", img.Height),
		zap.Bool("letterbox", letterBox),
		zap.Float32("nms", nms),
		zap.Stringer("nms_kind", output.NMSKind),
		zap.Int("detections", d.Len()),
	)
	return d, nil
}

// Close releases the network: first the runtime's own teardown, then the
// top-level block. Only the first call releases anything.
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	runtime.SetFinalizer(n, nil)

	n.net.FreeNetwork()
	n.net.FreeBlock()
	n.net = nil

	n.logger.Debug("network released")
	return nil
}

// readLayer reads layer i under the read lock.
func (n *Network) readLayer(i int) (LayerInfo, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return LayerInfo{}, ErrClosed
	}
	return n.net.Layer(i), nil
}
