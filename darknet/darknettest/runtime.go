// Package darknettest provides a simulated darknet runtime for tests.
//
// The simulated runtime records every foreign call in order and panics on
// the misuse the C library would turn into undefined behaviour: double
// frees, reads after free and releasing the top-level block before the
// network's own teardown.
package darknettest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/darknet-detect-service/darknet"
)

// Foreign call names, as the C library spells them.
const (
	CallLoadNetwork      = "load_network"
	CallPredict          = "network_predict_image"
	CallPredictLetterbox = "network_predict_image_letterbox"
	CallBoxes            = "get_network_boxes"
	CallNMSSort          = "do_nms_sort"
	CallDIoUNMSSort      = "diounms_sort"
	CallFreeDetections   = "free_detections"
	CallFreeNetwork      = "free_network"
	CallFree             = "free"
)

// Candidate is a box the simulated network finds in every image.
type Candidate struct {
	BBox          darknet.BBox
	Objectness    float32
	Probabilities []float32
}

// LoadCall records the arguments of one load_network call.
type LoadCall struct {
	Cfg     string
	Weights string
	Clear   bool
}

// BoxesCall records the arguments of one get_network_boxes call.
type BoxesCall struct {
	Width, Height int
	Thresh        float32
	HierThresh    float32
	Relative      bool
	LetterBox     bool
}

// NMSCall records the arguments of one suppression call.
type NMSCall struct {
	Name    string
	Classes int
	Thresh  float32
	Kind    darknet.NMSKind
	Beta    float32
}

// Runtime is a darknet.Runtime whose networks score a fixed set of candidates.
//
// A candidate's objectness is scaled by 0.5 + 0.5*mean(image), so brighter
// images score higher and an all-zero image scores half. As in the C library,
// a candidate is extracted only if its objectness exceeds the threshold, and
// class probabilities not above the threshold are zeroed.
type Runtime struct {
	Width, Height, Channels int
	Layers                  []darknet.LayerInfo
	Candidates              []Candidate

	// FailLoad makes load_network return NULL.
	FailLoad bool
	// FailBoxes makes get_network_boxes return NULL.
	FailBoxes bool
	// PredictDelay is slept inside every forward pass.
	PredictDelay time.Duration

	mu       sync.Mutex
	calls    []string
	loads    []LoadCall
	boxes    []BoxesCall
	nms      []NMSCall
	overlaps int

	liveNetworks   atomic.Int64
	liveDetections atomic.Int64
}

// New returns a runtime with a 416x416x3 input, a single yolo output layer
// over classes classes and the given candidates.
func New(classes int, candidates ...Candidate) *Runtime {
	return &Runtime{
		Width:    416,
		Height:   416,
		Channels: 3,
		Layers: []darknet.LayerInfo{
			{OutW: 208, OutH: 208, OutC: 32},
			{OutW: 104, OutH: 104, OutC: 64},
			{Classes: classes, NMSKind: darknet.DefaultNMS, BetaNMS: 0.6, OutW: 13, OutH: 13, OutC: 3 * (classes + 5)},
		},
		Candidates: candidates,
	}
}

func (r *Runtime) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

// Calls returns the foreign calls made so far, in order.
func (r *Runtime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many times call was made.
func (r *Runtime) Count(call string) int {
	n := 0
	for _, c := range r.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Loads returns the recorded load_network arguments.
func (r *Runtime) Loads() []LoadCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LoadCall(nil), r.loads...)
}

// BoxesCalls returns the recorded get_network_boxes arguments.
func (r *Runtime) BoxesCalls() []BoxesCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BoxesCall(nil), r.boxes...)
}

// NMSCalls returns the recorded suppression calls.
func (r *Runtime) NMSCalls() []NMSCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]NMSCall(nil), r.nms...)
}

// Overlaps returns how many forward passes started while another one was
// running on the same network.
func (r *Runtime) Overlaps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlaps
}

// LiveNetworks returns the number of networks not yet fully released.
func (r *Runtime) LiveNetworks() int64 { return r.liveNetworks.Load() }

// LiveDetections returns the number of detection arrays not yet freed.
func (r *Runtime) LiveDetections() int64 { return r.liveDetections.Load() }

// LoadNetwork implements darknet.Runtime.
func (r *Runtime) LoadNetwork(cfg, weights string, clear bool) darknet.ForeignNetwork {
	r.mu.Lock()
	r.calls = append(r.calls, CallLoadNetwork)
	r.loads = append(r.loads, LoadCall{Cfg: cfg, Weights: weights, Clear: clear})
	r.mu.Unlock()

	if r.FailLoad {
		return nil
	}
	r.liveNetworks.Add(1)
	return &network{rt: r, layers: append([]darknet.LayerInfo(nil), r.Layers...)}
}

type network struct {
	rt       *Runtime
	layers   []darknet.LayerInfo
	inFlight atomic.Int32
	output   []float32

	internalsFreed bool
	blockFreed     bool
}

func (n *network) live() {
	if n.internalsFreed || n.blockFreed {
		panic("darknettest: network used after free")
	}
}

func (n *network) Width() int     { n.live(); return n.rt.Width }
func (n *network) Height() int    { n.live(); return n.rt.Height }
func (n *network) Channels() int  { n.live(); return n.rt.Channels }
func (n *network) NumLayers() int { n.live(); return len(n.layers) }

func (n *network) Layer(i int) darknet.LayerInfo {
	n.live()
	if i < 0 || i >= len(n.layers) {
		panic(fmt.Sprintf("darknettest: layer %d out of range [0, %d)", i, len(n.layers)))
	}
	return n.layers[i]
}

func (n *network) Predict(img *darknet.Image) { n.forward(CallPredict, img) }

func (n *network) PredictLetterbox(img *darknet.Image) { n.forward(CallPredictLetterbox, img) }

// forward fills the network's output buffer with the scaled objectness of
// every candidate.
func (n *network) forward(call string, img *darknet.Image) {
	n.live()
	if n.inFlight.Add(1) > 1 {
		n.rt.mu.Lock()
		n.rt.overlaps++
		n.rt.mu.Unlock()
	}
	defer n.inFlight.Add(-1)

	n.rt.record(call)
	if n.rt.PredictDelay > 0 {
		time.Sleep(n.rt.PredictDelay)
	}

	var sum float64
	for _, v := range img.Data {
		sum += float64(v)
	}
	mean := float32(0)
	if len(img.Data) > 0 {
		mean = float32(sum / float64(len(img.Data)))
	}

	n.output = n.output[:0]
	for _, c := range n.rt.Candidates {
		n.output = append(n.output, c.Objectness*(0.5+0.5*mean))
	}
}

func (n *network) Boxes(w, h int, thresh, hierThresh float32, relative, letterBox bool) darknet.ForeignDetections {
	n.live()
	n.rt.mu.Lock()
	n.rt.calls = append(n.rt.calls, CallBoxes)
	n.rt.boxes = append(n.rt.boxes, BoxesCall{
		Width: w, Height: h, Thresh: thresh, HierThresh: hierThresh, Relative: relative, LetterBox: letterBox,
	})
	n.rt.mu.Unlock()

	if n.rt.FailBoxes {
		return nil
	}

	var recs []darknet.Detection
	for i, c := range n.rt.Candidates {
		if i >= len(n.output) {
			break
		}
		obj := n.output[i]
		if obj <= thresh {
			continue
		}
		probs := make([]float32, len(c.Probabilities))
		for j, p := range c.Probabilities {
			if prob := obj * p; prob > thresh {
				probs[j] = prob
			}
		}
		recs = append(recs, darknet.Detection{
			BBox:          c.BBox,
			Objectness:    obj,
			Probabilities: probs,
			SortClass:     -1,
		})
	}

	n.rt.liveDetections.Add(1)
	return &detections{rt: n.rt, recs: recs}
}

func (n *network) FreeNetwork() {
	if n.internalsFreed || n.blockFreed {
		panic("darknettest: free_network on a released network")
	}
	n.rt.record(CallFreeNetwork)
	n.internalsFreed = true
}

func (n *network) FreeBlock() {
	if !n.internalsFreed {
		panic("darknettest: top-level block freed before free_network")
	}
	if n.blockFreed {
		panic("darknettest: double free of network block")
	}
	n.rt.record(CallFree)
	n.blockFreed = true
	n.rt.liveNetworks.Add(-1)
}

type detections struct {
	rt    *Runtime
	recs  []darknet.Detection
	freed bool
}

func (d *detections) Len() int { return len(d.recs) }

func (d *detections) Record(i int) darknet.Detection {
	if d.freed {
		panic("darknettest: detections used after free")
	}
	rec := d.recs[i]
	rec.Probabilities = append([]float32(nil), rec.Probabilities...)
	return rec
}

func (d *detections) NMSSort(classes int, thresh float32) {
	d.rt.mu.Lock()
	d.rt.calls = append(d.rt.calls, CallNMSSort)
	d.rt.nms = append(d.rt.nms, NMSCall{Name: CallNMSSort, Classes: classes, Thresh: thresh, Kind: darknet.DefaultNMS})
	d.rt.mu.Unlock()

	suppress(d.recs, classes, func(a, b darknet.BBox) bool { return iou(a, b) > thresh })
}

func (d *detections) DIoUNMSSort(classes int, thresh float32, kind darknet.NMSKind, beta float32) {
	d.rt.mu.Lock()
	d.rt.calls = append(d.rt.calls, CallDIoUNMSSort)
	d.rt.nms = append(d.rt.nms, NMSCall{Name: CallDIoUNMSSort, Classes: classes, Thresh: thresh, Kind: kind, Beta: beta})
	d.rt.mu.Unlock()

	overlaps := func(a, b darknet.BBox) bool { return iou(a, b) > thresh }
	if kind == darknet.DIoUNMS {
		overlaps = func(a, b darknet.BBox) bool { return diou(a, b, beta) > thresh }
	}
	suppress(d.recs, classes, overlaps)
}

func (d *detections) Free() {
	if d.freed {
		panic("darknettest: double free of detections")
	}
	d.rt.record(CallFreeDetections)
	d.freed = true
	d.rt.liveDetections.Add(-1)
}
