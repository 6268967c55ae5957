package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/Tutortoise/darknet-detect-service/darknet"
	"github.com/Tutortoise/darknet-detect-service/detections"
	"github.com/Tutortoise/darknet-detect-service/models"

	// Image formats accepted by /detect.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var maxUploadSize int64 = 32 << 20

type AppState struct {
	Pool   *NetworkPool
	Labels []string
	Params detections.Params
	Logger *zap.Logger
}

type DetectResponse struct {
	RequestID   string             `json:"request_id"`
	ImageWidth  int                `json:"image_width"`
	ImageHeight int                `json:"image_height"`
	Count       int                `json:"count"`
	Detections  []models.Detection `json:"detections"`
	Message     string             `json:"message"`
}

type LayerResponse struct {
	Index int `json:"index"`
	darknet.LayerInfo
}

type NetworkResponse struct {
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	Channels int             `json:"channels"`
	Layers   []LayerResponse `json:"layers"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/network", s.handleNetwork).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) handleDetect(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := strconv.FormatInt(time.Now().UnixNano(), 10)
	timings := &models.ProcessingTimings{RequestID: requestID}
	ctx := r.Context()

	params, err := s.requestParams(r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var imgBytes []byte
	switch mediaType {
	case "application/json":
		imgBytes, err = handleJSONRequest(r)
	case "multipart/form-data":
		imgBytes, err = handleMultipartRequest(r)
	default:
		imgBytes, err = handleRawRequest(r)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendErrorResponse(w, "payload_too_large", err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	img, err := decodeImage(imgBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
		return
	}

	net, err := s.Pool.Acquire(ctx)
	if err != nil {
		sendErrorResponse(w, "network_unavailable", err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.Pool.Release(net)

	dets, err := detections.Detect(ctx, img, net, params, s.Labels, timings)
	if err != nil {
		sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
		return
	}

	timings.Total = time.Since(startTotal)
	s.logTimings(timings)

	sendJSON(w, http.StatusOK, DetectResponse{
		RequestID:   requestID,
		ImageWidth:  img.Bounds().Dx(),
		ImageHeight: img.Bounds().Dy(),
		Count:       len(dets),
		Detections:  dets,
		Message:     detectionMessage(len(dets)),
	})
}

// requestParams applies the thresh, hier_thresh, nms and letterbox query
// parameters over the configured defaults.
func (s *AppState) requestParams(r *http.Request) (detections.Params, error) {
	params := s.Params
	q := r.URL.Query()

	floats := []struct {
		name string
		dst  *float32
	}{
		{"thresh", &params.Threshold},
		{"hier_thresh", &params.HierThreshold},
		{"nms", &params.NMSThreshold},
	}
	for _, f := range floats {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 32)
		if err != nil || parsed < 0 || parsed > 1 {
			return params, errors.Errorf("%s must be a number within [0, 1]", f.name)
		}
		*f.dst = float32(parsed)
	}
	if v := q.Get("letterbox"); v != "" {
		lb, err := strconv.ParseBool(v)
		if err != nil {
			return params, errors.New("letterbox must be a boolean")
		}
		params.LetterBox = lb
	}
	return params, nil
}

func (s *AppState) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var resp NetworkResponse
	err := s.Pool.Peek(r.Context(), func(net *darknet.Network) error {
		resp.Channels, resp.Height, resp.Width = net.InputShape()
		resp.Layers = make([]LayerResponse, 0, net.NumLayers())
		for i, l := range net.Layers().All() {
			info, err := l.Info()
			if err != nil {
				return err
			}
			resp.Layers = append(resp.Layers, LayerResponse{Index: i, LayerInfo: info})
		}
		return nil
	})
	if err != nil {
		sendErrorResponse(w, "network_unavailable", err.Error(), http.StatusServiceUnavailable)
		return
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.Pool.isClosed() {
		status, code = "closed", http.StatusServiceUnavailable
	}
	sendJSON(w, code, map[string]interface{}{
		"status":    status,
		"pool_size": s.Pool.Size(),
		"cpu": map[string]bool{
			"avx2":   cpu.X86.HasAVX2,
			"avx512": cpu.X86.HasAVX512,
			"sse41":  cpu.X86.HasSSE41,
			"neon":   cpu.ARM64.HasASIMD,
		},
	})
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics := s.Pool.Metrics()
	errs := s.Pool.LastErrors()
	lastErrors := make([]string, 0, len(errs))
	for _, err := range errs {
		lastErrors = append(lastErrors, err.Error())
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"pool_size":        s.Pool.Size(),
		"networks_in_use":  metrics.InUse,
		"total_acquired":   metrics.TotalAcquired,
		"total_released":   metrics.TotalReleased,
		"acquire_failures": metrics.AcquireFailures,
		"discarded":        metrics.Discarded,
		"wait_time_ms":     metrics.WaitTime.Milliseconds(),
		"last_errors":      lastErrors,
	})
}

func (s *AppState) logTimings(t *models.ProcessingTimings) {
	s.Logger.Debug("processing times",
		zap.String("request_id", t.RequestID),
		zap.Duration("image_decode", t.ImageDecode),
		zap.Duration("preprocess", t.Preprocess),
		zap.Duration("inference", t.Inference),
		zap.Duration("postprocess", t.Postprocess),
		zap.Duration("total", t.Total),
	)
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	sendJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
