package darknettest

import (
	"math"
	"sort"

	"github.com/Tutortoise/darknet-detect-service/darknet"
)

// suppress mirrors the C library's in-place sort-and-suppress: records with
// zero objectness move to the back, then for every class the records are
// sorted by that class's probability and each later record overlapping a
// kept one loses its probability for the class. The slice keeps its length.
func suppress(recs []darknet.Detection, classes int, overlaps func(a, b darknet.BBox) bool) {
	total := len(recs)
	for i := 0; i < total; i++ {
		if recs[i].Objectness == 0 {
			total--
			recs[i], recs[total] = recs[total], recs[i]
			i--
		}
	}
	live := recs[:total]

	for k := 0; k < classes; k++ {
		for i := range live {
			live[i].SortClass = k
		}
		sort.SliceStable(live, func(i, j int) bool {
			return prob(live[i], k) > prob(live[j], k)
		})
		for i := range live {
			if prob(live[i], k) == 0 {
				continue
			}
			for j := i + 1; j < len(live); j++ {
				if overlaps(live[i].BBox, live[j].BBox) && k < len(live[j].Probabilities) {
					live[j].Probabilities[k] = 0
				}
			}
		}
	}
}

func prob(d darknet.Detection, k int) float32 {
	if k < len(d.Probabilities) {
		return d.Probabilities[k]
	}
	return 0
}

func overlap(x1, w1, x2, w2 float32) float32 {
	left := max(x1-w1/2, x2-w2/2)
	right := min(x1+w1/2, x2+w2/2)
	return right - left
}

func iou(a, b darknet.BBox) float32 {
	w := overlap(a.X, a.W, b.X, b.W)
	h := overlap(a.Y, a.H, b.Y, b.H)
	if w <= 0 || h <= 0 {
		return 0
	}
	inter := w * h
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// diou is IoU minus the squared centre distance over the squared diagonal
// of the enclosing box, raised to beta.
func diou(a, b darknet.BBox, beta float32) float32 {
	top := min(a.Y-a.H/2, b.Y-b.H/2)
	bot := max(a.Y+a.H/2, b.Y+b.H/2)
	left := min(a.X-a.W/2, b.X-b.W/2)
	right := max(a.X+a.W/2, b.X+b.W/2)

	w, h := right-left, bot-top
	c := w*w + h*h
	o := iou(a, b)
	if c == 0 {
		return o
	}
	d := (a.X-b.X)*(a.X-b.X) + (a.Y-b.Y)*(a.Y-b.Y)
	return o - float32(math.Pow(float64(d/c), float64(beta)))
}
