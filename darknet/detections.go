package darknet

import (
	"iter"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// BBox is a box given by its centre and size, relative to the image.
type BBox struct {
	X, Y, W, H float32
}

// Corners returns the top-left and bottom-right corners.
func (b BBox) Corners() (x1, y1, x2, y2 float32) {
	return b.X - b.W/2, b.Y - b.H/2, b.X + b.W/2, b.Y + b.H/2
}

// Detection is a copy of one record of a runtime detection array.
type Detection struct {
	BBox          BBox
	Objectness    float32
	Probabilities []float32
	SortClass     int
}

// BestClass returns the class with the highest probability. It returns
// (-1, 0) when every probability is zero, as for a suppressed record.
func (d Detection) BestClass() (int, float32) {
	best, prob := -1, float32(0)
	for i, p := range d.Probabilities {
		if p > prob {
			best, prob = i, p
		}
	}
	return best, prob
}

// Confidence returns the highest class probability.
func (d Detection) Confidence() float32 {
	_, p := d.BestClass()
	return p
}

// Detections owns a detection array allocated by the runtime during Predict.
//
// Len is the raw extraction count: records removed by NMS stay in the array
// with zero probabilities. Close releases the array; the caller owns it and
// needs no coordination with the network.
type Detections struct {
	mu   sync.Mutex
	dets ForeignDetections
	n    int
}

func newDetections(dets ForeignDetections, n int) *Detections {
	d := &Detections{dets: dets, n: n}
	runtime.SetFinalizer(d, (*Detections).Close)
	return d
}

// Len returns the number of records.
func (d *Detections) Len() int { return d.n }

// At copies record i.
func (d *Detections) At(i int) (Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dets == nil {
		return Detection{}, ErrClosed
	}
	if i < 0 || i >= d.n {
		return Detection{}, errors.Errorf("darknet: detection index %d out of range [0, %d)", i, d.n)
	}
	return d.dets.Record(i), nil
}

// All yields every record in order, suppressed ones included. It yields
// nothing once the array is closed.
func (d *Detections) All() iter.Seq2[int, Detection] {
	return func(yield func(int, Detection) bool) {
		for i := 0; i < d.n; i++ {
			det, err := d.At(i)
			if err != nil || !yield(i, det) {
				return
			}
		}
	}
}

// Above returns the records whose confidence is at least thresh.
func (d *Detections) Above(thresh float32) []Detection {
	var out []Detection
	for _, det := range d.All() {
		if c := det.Confidence(); c > 0 && c >= thresh {
			out = append(out, det)
		}
	}
	return out
}

// Close releases the array with the runtime's deallocator. Only the first
// call releases anything.
func (d *Detections) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dets == nil {
		return nil
	}
	runtime.SetFinalizer(d, nil)
	d.dets.Free()
	d.dets = nil
	return nil
}
