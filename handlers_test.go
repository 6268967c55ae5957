package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tutortoise/darknet-detect-service/darknet"
	"github.com/Tutortoise/darknet-detect-service/darknet/darknettest"
	"github.com/Tutortoise/darknet-detect-service/detections"
)

func newTestServer(t *testing.T) (*httptest.Server, *darknettest.Runtime) {
	t.Helper()
	rt := darknettest.New(2,
		darknettest.Candidate{BBox: darknet.BBox{X: 0.5, Y: 0.5, W: 0.2, H: 0.2}, Objectness: 0.9, Probabilities: []float32{0.9, 0.1}},
		darknettest.Candidate{BBox: darknet.BBox{X: 0.52, Y: 0.5, W: 0.2, H: 0.2}, Objectness: 0.8, Probabilities: []float32{0.8, 0.1}},
		darknettest.Candidate{BBox: darknet.BBox{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}, Objectness: 0.7, Probabilities: []float32{0.1, 0.9}},
	)
	state := &AppState{
		Pool:   newTestPool(t, rt, 2),
		Labels: []string{"person", "car"},
		Params: detections.DefaultParams(),
		Logger: zaptest.NewLogger(t),
	}
	srv := httptest.NewServer(state.Router())
	t.Cleanup(srv.Close)
	return srv, rt
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestDetectRawImage(t *testing.T) {
	srv, rt := newTestServer(t)

	resp, err := http.Post(srv.URL+"/detect", "image/png", bytes.NewReader(pngBytes(t, 200, 100)))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[DetectResponse](t, resp)
	assert.Equal(t, 200, body.ImageWidth)
	assert.Equal(t, 100, body.ImageHeight)
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "person", body.Detections[0].Label)
	assert.Equal(t, [4]int32{80, 40, 120, 60}, body.Detections[0].BBox)
	assert.Equal(t, "car", body.Detections[1].Label)
	assert.Equal(t, "2 objects detected.", body.Message)

	assert.Equal(t, 1, rt.Count(darknettest.CallNMSSort))
	assert.Zero(t, rt.LiveDetections())
}

func TestDetectQueryOverrides(t *testing.T) {
	srv, rt := newTestServer(t)

	resp, err := http.Post(srv.URL+"/detect?nms=0&letterbox=true", "image/png", bytes.NewReader(pngBytes(t, 200, 100)))
	require.NoError(t, err)
	body := decodeBody[DetectResponse](t, resp)
	assert.Equal(t, 3, body.Count)

	assert.Zero(t, rt.Count(darknettest.CallNMSSort))
	assert.Equal(t, 1, rt.Count(darknettest.CallPredictLetterbox))

	resp, err = http.Post(srv.URL+"/detect?thresh=0.99", "image/png", bytes.NewReader(pngBytes(t, 200, 100)))
	require.NoError(t, err)
	body = decodeBody[DetectResponse](t, resp)
	assert.Zero(t, body.Count)
	assert.Empty(t, body.Detections)
	assert.Equal(t, MsgNoObjects, body.Message)
}

func TestDetectJSONAndMultipart(t *testing.T) {
	srv, _ := newTestServer(t)
	data := pngBytes(t, 200, 100)

	payload, err := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(data)})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/detect", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, 2, decodeBody[DetectResponse](t, resp).Count)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "street.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err = http.Post(srv.URL+"/detect", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, decodeBody[DetectResponse](t, resp).Count)
}

func TestDetectRejectsBadInput(t *testing.T) {
	srv, rt := newTestServer(t)

	tests := []struct {
		name        string
		query       string
		contentType string
		body        []byte
		code        string
	}{
		{"bad threshold", "?thresh=high", "image/png", pngBytes(t, 8, 8), "invalid_request"},
		{"threshold out of range", "?nms=1.5", "image/png", pngBytes(t, 8, 8), "invalid_request"},
		{"bad letterbox", "?letterbox=maybe", "image/png", pngBytes(t, 8, 8), "invalid_request"},
		{"not an image", "", "application/octet-stream", []byte("hello"), "invalid_image"},
		{"bad base64", "", "application/json", []byte(`{"image": "%%%"}`), "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/detect"+tt.query, tt.contentType, bytes.NewReader(tt.body))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, resp).Code)
		})
	}
	assert.Zero(t, rt.Count(darknettest.CallPredict))
}

func TestDetectRejectsOversizedBody(t *testing.T) {
	srv, rt := newTestServer(t)
	defer func(n int64) { maxUploadSize = n }(maxUploadSize)
	maxUploadSize = 16

	data := pngBytes(t, 64, 64)
	require.Greater(t, int64(len(data)), maxUploadSize)

	payload, err := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(data)})
	require.NoError(t, err)

	for _, req := range []struct {
		contentType string
		body        []byte
	}{
		{"image/png", data},
		{"application/json", payload},
	} {
		resp, err := http.Post(srv.URL+"/detect", req.contentType, bytes.NewReader(req.body))
		require.NoError(t, err)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode, req.contentType)
		assert.Equal(t, "payload_too_large", decodeBody[ErrorResponse](t, resp).Code)
	}
	assert.Zero(t, rt.Count(darknettest.CallPredict))
}

func TestNetworkDescribesLayers(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/network")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	type layer struct {
		Index   int    `json:"index"`
		Classes int    `json:"classes"`
		NMSKind string `json:"nms_kind"`
	}
	body := decodeBody[struct {
		Width    int     `json:"width"`
		Height   int     `json:"height"`
		Channels int     `json:"channels"`
		Layers   []layer `json:"layers"`
	}](t, resp)

	assert.Equal(t, 416, body.Width)
	assert.Equal(t, 416, body.Height)
	assert.Equal(t, 3, body.Channels)
	require.Len(t, body.Layers, 3)
	assert.Equal(t, 2, body.Layers[2].Index)
	assert.Equal(t, 2, body.Layers[2].Classes)
	assert.Equal(t, "default", body.Layers[2].NMSKind)
}

func TestMetricsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/detect", "image/png", bytes.NewReader(pngBytes(t, 32, 32)))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	metrics := decodeBody[map[string]interface{}](t, resp)
	assert.EqualValues(t, 2, metrics["pool_size"])
	assert.EqualValues(t, 1, metrics["total_acquired"])

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody[map[string]interface{}](t, resp)
	assert.Equal(t, "ok", health["status"])
	assert.Contains(t, health, "cpu")
}

func TestDetectionMessage(t *testing.T) {
	assert.Equal(t, MsgNoObjects, detectionMessage(0))
	assert.Equal(t, MsgSingleObject, detectionMessage(1))
	assert.Equal(t, "5 objects detected.", detectionMessage(5))
}
