package detections

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Tutortoise/darknet-detect-service/darknet"
	"github.com/Tutortoise/darknet-detect-service/models"
)

// Params are the thresholds handed to Network.Predict.
type Params struct {
	Threshold     float32
	HierThreshold float32
	NMSThreshold  float32
	LetterBox     bool
}

// DefaultParams returns the darknet detector defaults.
func DefaultParams() Params {
	return Params{
		Threshold:     DefaultThreshold,
		HierThreshold: DefaultHierThreshold,
		NMSThreshold:  DefaultNMSThreshold,
	}
}

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

// Detect runs net on img and returns the detections whose confidence
// reaches params.Threshold, in pixels, highest confidence first. labels may
// be nil. The caller must hold net exclusively; ctx is only checked before
// the prediction starts.
func Detect(ctx context.Context, img image.Image, net *darknet.Network, params Params, labels []string, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	prepStart := time.Now()
	input := ToImage(img)
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	dets, err := net.Predict(input, params.Threshold, params.HierThreshold, params.NMSThreshold, params.LetterBox)
	if err != nil {
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}
	defer dets.Close()
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	kept := dets.Above(params.Threshold)
	out := make([]models.Detection, 0, len(kept))
	for _, d := range kept {
		class, conf := d.BestClass()
		out = append(out, models.Detection{
			BBox:       calculateBBox(d.BBox, float32(input.Width), float32(input.Height)),
			Class:      class,
			Label:      label(labels, class),
			Confidence: conf,
		})
	}
	sortDetectionsByConfidence(out)
	timings.Postprocess = time.Since(postStart)

	return out, nil
}

// LoadLabels reads a names file with one class name per line.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open labels")
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read labels")
	}
	return labels, nil
}

func label(labels []string, class int) string {
	if class < 0 || class >= len(labels) {
		return ""
	}
	return labels[class]
}

// calculateBBox converts a relative centre box into clipped pixel corners.
func calculateBBox(b darknet.BBox, width, height float32) [4]int32 {
	x1, y1, x2, y2 := b.Corners()
	return [4]int32{
		int32(clamp(x1*width, 0, width)),
		int32(clamp(y1*height, 0, height)),
		int32(clamp(x2*width, 0, width)),
		int32(clamp(y2*height, 0, height)),
	}
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}

func sortDetectionsByConfidence(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
}
