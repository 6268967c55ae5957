//go:build cgo && darknet

package darknet

// #cgo LDFLAGS: -ldarknet -lm
// #include <stdlib.h>
// #include <darknet.h>
import "C"

import "unsafe"

// DefaultRuntime is the darknet C library linked into the binary.
var DefaultRuntime Runtime = libRuntime{}

type libRuntime struct{}

func (libRuntime) LoadNetwork(cfg, weights string, clear bool) ForeignNetwork {
	cCfg := C.CString(cfg)
	defer C.free(unsafe.Pointer(cCfg))

	var cWeights *C.char
	if weights != "" {
		cWeights = C.CString(weights)
		defer C.free(unsafe.Pointer(cWeights))
	}

	ptr := C.load_network(cCfg, cWeights, cBool(clear))
	if ptr == nil {
		return nil
	}
	return &libNetwork{ptr: ptr}
}

// libNetwork wraps a network* returned by load_network. The struct itself
// was allocated with calloc.
type libNetwork struct {
	ptr *C.network
}

func (n *libNetwork) Width() int     { return int(n.ptr.w) }
func (n *libNetwork) Height() int    { return int(n.ptr.h) }
func (n *libNetwork) Channels() int  { return int(n.ptr.c) }
func (n *libNetwork) NumLayers() int { return int(n.ptr.n) }

func (n *libNetwork) Layer(i int) LayerInfo {
	layers := unsafe.Slice(n.ptr.layers, int(n.ptr.n))
	l := &layers[i]
	return LayerInfo{
		Classes: int(l.classes),
		NMSKind: NMSKind(l.nms_kind),
		BetaNMS: float32(l.beta_nms),
		OutW:    int(l.out_w),
		OutH:    int(l.out_h),
		OutC:    int(l.out_c),
	}
}

func (n *libNetwork) Predict(img *Image) {
	im := toCImage(img)
	defer C.free_image(im)
	C.network_predict_image(n.ptr, im)
}

func (n *libNetwork) PredictLetterbox(img *Image) {
	im := toCImage(img)
	defer C.free_image(im)
	C.network_predict_image_letterbox(n.ptr, im)
}

func (n *libNetwork) Boxes(w, h int, thresh, hierThresh float32, relative, letterBox bool) ForeignDetections {
	var num C.int
	dets := C.get_network_boxes(n.ptr, C.int(w), C.int(h), C.float(thresh), C.float(hierThresh),
		nil, cBool(relative), &num, cBool(letterBox))
	if dets == nil {
		return nil
	}
	return &libDetections{ptr: dets, n: int(num)}
}

func (n *libNetwork) FreeNetwork() {
	C.free_network(*n.ptr)
}

func (n *libNetwork) FreeBlock() {
	C.free(unsafe.Pointer(n.ptr))
	n.ptr = nil
}

type libDetections struct {
	ptr *C.detection
	n   int
}

func (d *libDetections) Len() int { return d.n }

func (d *libDetections) Record(i int) Detection {
	r := &unsafe.Slice(d.ptr, d.n)[i]
	det := Detection{
		BBox: BBox{
			X: float32(r.bbox.x),
			Y: float32(r.bbox.y),
			W: float32(r.bbox.w),
			H: float32(r.bbox.h),
		},
		Objectness: float32(r.objectness),
		SortClass:  int(r.sort_class),
	}
	if r.prob != nil && r.classes > 0 {
		probs := unsafe.Slice((*float32)(unsafe.Pointer(r.prob)), int(r.classes))
		det.Probabilities = append([]float32(nil), probs...)
	}
	return det
}

func (d *libDetections) NMSSort(classes int, thresh float32) {
	C.do_nms_sort(d.ptr, C.int(d.n), C.int(classes), C.float(thresh))
}

func (d *libDetections) DIoUNMSSort(classes int, thresh float32, kind NMSKind, beta float32) {
	C.diounms_sort(d.ptr, C.int(d.n), C.int(classes), C.float(thresh), C.NMS_KIND(kind), C.float(beta))
}

func (d *libDetections) Free() {
	C.free_detections(d.ptr, C.int(d.n))
	d.ptr = nil
}

// toCImage copies img into an image allocated by the runtime. Release it with free_image.
func toCImage(img *Image) C.image {
	im := C.make_image(C.int(img.Width), C.int(img.Height), C.int(img.Channels))
	data := unsafe.Slice((*float32)(unsafe.Pointer(im.data)), img.Width*img.Height*img.Channels)
	copy(data, img.Data)
	return im
}

func cBool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}
