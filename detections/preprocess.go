package detections

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/darknet-detect-service/darknet"
)

// Preprocessor converts decoded images into the runtime's planar layout.
type Preprocessor struct {
	numWorkers int
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{numWorkers: runtime.GOMAXPROCS(0)}
}

// ToImage converts img into a 3-channel darknet image with values in [0, 1].
// The image keeps its own size; the runtime resizes to the network input.
func ToImage(img image.Image) *darknet.Image {
	return NewPreprocessor().Process(img)
}

// LoadImage opens an image file, applying its EXIF orientation.
func LoadImage(path string) (image.Image, error) {
	return imaging.Open(path, imaging.AutoOrientation(true))
}

func (p *Preprocessor) Process(img image.Image) *darknet.Image {
	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := darknet.NewImage(w, h, 3)
	if w == 0 || h == 0 {
		return dst
	}

	workers := p.numWorkers
	if workers > h {
		workers = h
	}
	if workers < 1 {
		workers = 1
	}
	rowsPerWorker := h / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		start := i * rowsPerWorker
		end := start + rowsPerWorker
		if i == workers-1 {
			end = h
		}
		go func(start, end int) {
			defer wg.Done()
			processRows(dst, src, start, end)
		}(start, end)
	}
	wg.Wait()

	return dst
}

// processRows fills rows [start, end) of dst. NRGBA is not premultiplied,
// so the colour bytes are used as is and alpha is dropped.
func processRows(dst *darknet.Image, src *image.NRGBA, start, end int) {
	channelSize := dst.Width * dst.Height
	for y := start; y < end; y++ {
		row := src.Pix[y*src.Stride:]
		offset := y * dst.Width
		for x := 0; x < dst.Width; x++ {
			i := offset + x
			px := row[x*4 : x*4+3]
			dst.Data[i] = float32(px[0]) / 255.0
			dst.Data[channelSize+i] = float32(px[1]) / 255.0
			dst.Data[channelSize*2+i] = float32(px[2]) / 255.0
		}
	}
}
