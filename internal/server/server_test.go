package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photoprep/internal/config"
	"photoprep/internal/metadata"
	"photoprep/internal/models"
	"photoprep/internal/storage"
)

func testImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), uint8(x ^ y), 255})
		}
	}
	return img
}

func jpegBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(width, height), &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(width, height)))
	return buf.Bytes()
}

// withAPP1 inserts an APP1 segment after SOI
func withAPP1(data []byte) []byte {
	payload := []byte("Exif\x00\x00payload")
	seg := []byte{0xFF, 0xE1, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	seg = append(seg, payload...)

	out := append([]byte{}, data[:2]...)
	out = append(out, seg...)
	return append(out, data[2:]...)
}

// upload builds a multipart request with the file and extra form fields
func upload(t *testing.T, target, name, contentType string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func newTestServer(t *testing.T, withStorage bool) (*Server, *storage.Storage) {
	t.Helper()
	cfg := config.ServerConfig{MaxUploadBytes: 4 << 20, MaxConcurrent: 2}

	var opts []Option
	var st *storage.Storage
	if withStorage {
		var err error
		st, err = storage.NewStorage(filepath.Join(t.TempDir(), "history.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		opts = append(opts, WithStorage(st))
	}
	return New(cfg, opts...), st
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, true)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCompress_Success(t *testing.T) {
	s, st := newTestServer(t, true)
	src := jpegBytes(t, 400, 200)

	req := upload(t, "/api/compress", "photo.jpg", "image/jpeg", src, map[string]string{
		"max_width":  "100",
		"max_height": "100",
		"quality":    "0.6",
	})
	rec := serve(s, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "photo_compressed.jpeg")
	assert.Equal(t, "100", rec.Header().Get(HeaderWidth))
	assert.Equal(t, "50", rec.Header().Get(HeaderHeight))
	assert.Equal(t, strconv.Itoa(len(src)), rec.Header().Get(HeaderOriginalSize))
	assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get(HeaderCompressedSize))
	assert.Empty(t, rec.Header().Get(HeaderFallback))

	img, format, err := image.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, img.Bounds().Dx())

	records, err := st.ListRecords(0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "photo.jpg", records[0].SourcePath)
	assert.False(t, records[0].Fallback)
}

func TestCompress_PNGFormat(t *testing.T) {
	s, _ := newTestServer(t, false)

	req := upload(t, "/api/compress", "shot.png", "", pngBytes(t, 20, 10), map[string]string{"format": "png"})
	rec := serve(s, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "shot_compressed.png")
}

func TestCompress_Fallback(t *testing.T) {
	s, st := newTestServer(t, true)
	broken := []byte("definitely not an image")

	rec := serve(s, upload(t, "/api/compress", "broken.jpg", "image/jpeg", broken, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderFallback))
	assert.NotEmpty(t, rec.Header().Get(HeaderError))
	assert.Equal(t, broken, rec.Body.Bytes())
	assert.Equal(t, "0.00", rec.Header().Get(HeaderCompressionRatio))

	summary, err := st.Summary()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fallbacks)
}

func TestCompress_FallbackDisabled(t *testing.T) {
	s, _ := newTestServer(t, false)

	rec := serve(s, upload(t, "/api/compress", "broken.jpg", "image/jpeg", []byte("nope"), map[string]string{
		"fallback": "false",
	}))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "decode")
}

func TestCompress_StripAfterCompression(t *testing.T) {
	s, _ := newTestServer(t, false)
	src := withAPP1(jpegBytes(t, 16, 16))

	rec := serve(s, upload(t, "/api/compress", "a.jpg", "image/jpeg", src, map[string]string{"strip": "true"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderStripStatus))
	assert.False(t, metadata.HasExif(rec.Body.Bytes()))
}

func TestCompress_FallbackStripSetsStatus(t *testing.T) {
	s, st := newTestServer(t, true)
	// SOI, APP1, EOI: a JPEG with metadata but no image
	src := withAPP1([]byte{0xFF, 0xD8, 0xFF, 0xD9})

	rec := serve(s, upload(t, "/api/compress", "empty.jpg", "image/jpeg", src, map[string]string{"strip": "true"}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderFallback))
	assert.Equal(t, models.StripStripped.String(), rec.Header().Get(HeaderStripStatus))
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, rec.Body.Bytes())

	records, err := st.ListRecords(0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StripStripped.String(), records[0].StripStatus)
}

func TestCompress_RecordsInspection(t *testing.T) {
	st, err := storage.NewStorage(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	s := New(config.ServerConfig{MaxUploadBytes: 4 << 20, MaxConcurrent: 1},
		WithStorage(st),
		WithInspector(metadata.NewInspector(metadata.WithFingerprint(true))),
	)
	src := withAPP1(jpegBytes(t, 64, 48))

	rec := serve(s, upload(t, "/api/compress", "exif.jpg", "image/jpeg", src, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	records, err := st.ListRecords(0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.True(t, r.HadExif)
	assert.NotZero(t, r.Fingerprint)
	assert.Equal(t, 64, r.SourceWidth)
	assert.Equal(t, 48, r.SourceHeight)
	assert.Equal(t, "jpeg", r.Format)

	target := fmt.Sprintf("/api/history/similar?fingerprint=%x&threshold=0", r.Fingerprint)
	rec = serve(s, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var similar []*models.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &similar))
	require.Len(t, similar, 1)
	assert.Equal(t, r.ID, similar[0].ID)
}

func TestCompress_BadOptions(t *testing.T) {
	s, _ := newTestServer(t, false)

	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"quality out of range", map[string]string{"quality": "1.5"}},
		{"quality not a number", map[string]string{"quality": "high"}},
		{"quality NaN", map[string]string{"quality": "NaN"}},
		{"unknown format", map[string]string{"format": "gif"}},
		{"negative width", map[string]string{"max_width": "-5"}},
		{"bad boolean", map[string]string{"fallback": "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, upload(t, "/api/compress", "a.jpg", "image/jpeg", jpegBytes(t, 8, 8), tt.fields))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestUpload_Errors(t *testing.T) {
	s := New(config.ServerConfig{MaxUploadBytes: 1024, MaxConcurrent: 1})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/strip", bytes.NewReader([]byte("raw")))
		rec := serve(s, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing file field", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		require.NoError(t, mw.WriteField("quality", "0.5"))
		require.NoError(t, mw.Close())
		req := httptest.NewRequest(http.MethodPost, "/api/strip", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		rec := serve(s, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "file")
	})

	t.Run("too large", func(t *testing.T) {
		rec := serve(s, upload(t, "/api/strip", "big.jpg", "image/jpeg", make([]byte, 4096), nil))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestStrip(t *testing.T) {
	s, _ := newTestServer(t, false)
	clean := jpegBytes(t, 16, 16)
	dirty := withAPP1(clean)

	rec := serve(s, upload(t, "/api/strip", "a.jpg", "image/jpeg", dirty, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stripped", rec.Header().Get(HeaderStripStatus))
	assert.Equal(t, "1", rec.Header().Get(HeaderSegmentsRemoved))
	assert.Equal(t, strconv.Itoa(len(dirty)-len(clean)), rec.Header().Get(HeaderBytesRemoved))
	assert.Equal(t, clean, rec.Body.Bytes())
}

func TestStrip_PassThrough(t *testing.T) {
	s, _ := newTestServer(t, false)
	data := pngBytes(t, 4, 4)

	rec := serve(s, upload(t, "/api/strip", "a.png", "image/png", data, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", rec.Header().Get(HeaderStripStatus))
	assert.Equal(t, data, rec.Body.Bytes())
}

func TestInfo(t *testing.T) {
	s, _ := newTestServer(t, false)

	rec := serve(s, upload(t, "/api/info", "a.jpg", "image/jpeg", withAPP1(jpegBytes(t, 24, 12)), nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info models.ImageInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, 24, info.Width)
	assert.Equal(t, 12, info.Height)
	assert.True(t, info.HasExif)
	assert.Equal(t, "image/jpeg", info.MIMEType)
}

func TestInfo_Undecodable(t *testing.T) {
	s, _ := newTestServer(t, false)

	rec := serve(s, upload(t, "/api/info", "a.jpg", "image/jpeg", []byte("junk"), nil))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHistory(t *testing.T) {
	s, st := newTestServer(t, true)

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveRecords([]*models.Record{
		{SourcePath: "/a.jpg", OriginalSize: 100, OutputSize: 50, Fingerprint: 0xF0, ProcessedAt: base},
		{SourcePath: "/b.jpg", OriginalSize: 100, OutputSize: 100, Fallback: true, ProcessedAt: base.Add(time.Hour)},
	}))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/history?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "/b.jpg", resp.Records[0].SourcePath)
	assert.Equal(t, 2, resp.Summary.TotalFiles)
	assert.Equal(t, 1, resp.Summary.Fallbacks)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/history?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory_Similar(t *testing.T) {
	s, st := newTestServer(t, true)
	require.NoError(t, st.SaveRecords([]*models.Record{
		{SourcePath: "/near.jpg", Fingerprint: 0xF1},
		{SourcePath: "/far.jpg", Fingerprint: 0xFFFF0000},
	}))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/history/similar?fingerprint=f0&threshold=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var records []*models.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "/near.jpg", records[0].SourcePath)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/history/similar?fingerprint=zz", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory_Delete(t *testing.T) {
	s, st := newTestServer(t, true)
	r := &models.Record{SourcePath: "/a.jpg"}
	require.NoError(t, st.SaveRecords([]*models.Record{r}))

	rec := serve(s, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/history/%d", r.ID), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/history/%d", r.ID), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory_Disabled(t *testing.T) {
	s, _ := newTestServer(t, false)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcquire_CancelledRequest(t *testing.T) {
	s := New(config.ServerConfig{MaxConcurrent: 1})
	require.NoError(t, s.sem.Acquire(context.Background(), 1))
	defer s.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := upload(t, "/api/info", "a.png", "image/png", pngBytes(t, 2, 2), nil).WithContext(ctx)

	rec := serve(s, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStart_Shutdown(t *testing.T) {
	s := New(config.ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
