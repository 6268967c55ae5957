package darknettest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Tutortoise/darknet-detect-service/darknet"
)

func TestIoU(t *testing.T) {
	a := darknet.BBox{X: 0.5, Y: 0.5, W: 0.2, H: 0.2}
	assert.InDelta(t, 1.0, iou(a, a), 1e-6)
	assert.Zero(t, iou(a, darknet.BBox{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}))

	b := darknet.BBox{X: 0.6, Y: 0.5, W: 0.2, H: 0.2}
	assert.InDelta(t, 1.0/3.0, iou(a, b), 1e-6)
}

func TestDIoUPenalisesCentreDistance(t *testing.T) {
	a := darknet.BBox{X: 0.5, Y: 0.5, W: 0.2, H: 0.2}
	b := darknet.BBox{X: 0.6, Y: 0.5, W: 0.2, H: 0.2}
	assert.Less(t, diou(a, b, 1), iou(a, b))
	assert.InDelta(t, iou(a, a), diou(a, a, 0.6), 1e-6)
}

func TestSuppressKeepsLength(t *testing.T) {
	recs := []darknet.Detection{
		{BBox: darknet.BBox{X: 0.5, Y: 0.5, W: 0.2, H: 0.2}, Objectness: 0.8, Probabilities: []float32{0.6}},
		{BBox: darknet.BBox{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}, Objectness: 0, Probabilities: []float32{0}},
		{BBox: darknet.BBox{X: 0.51, Y: 0.5, W: 0.2, H: 0.2}, Objectness: 0.9, Probabilities: []float32{0.7}},
	}
	suppress(recs, 1, func(a, b darknet.BBox) bool { return iou(a, b) > 0.45 })

	assert.Len(t, recs, 3)
	assert.Equal(t, float32(0.7), recs[0].Probabilities[0])
	assert.Zero(t, recs[1].Probabilities[0])
	assert.Zero(t, recs[2].Objectness)
	assert.Equal(t, 0, recs[0].SortClass)
}

func TestRuntimeReleaseMisuse(t *testing.T) {
	rt := New(1)
	fn := rt.LoadNetwork("a.cfg", "", false)

	assert.Panics(t, fn.FreeBlock)
	fn.FreeNetwork()
	assert.Panics(t, func() { fn.Layer(0) })
	fn.FreeBlock()
	assert.Panics(t, fn.FreeBlock)
	assert.Zero(t, rt.LiveNetworks())
}
