package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"photoprep/internal/compress"
	"photoprep/internal/fileutil"
	"photoprep/internal/metadata"
	"photoprep/internal/models"
)

// Response headers
const (
	HeaderOriginalSize     = "X-Original-Size"
	HeaderCompressedSize   = "X-Compressed-Size"
	HeaderCompressionRatio = "X-Compression-Ratio"
	HeaderWidth            = "X-Image-Width"
	HeaderHeight           = "X-Image-Height"
	HeaderFallback         = "X-Photoprep-Fallback"
	HeaderError            = "X-Photoprep-Error"
	HeaderStripStatus      = "X-Strip-Status"
	HeaderSegmentsRemoved  = "X-Segments-Removed"
	HeaderBytesRemoved     = "X-Bytes-Removed"
)

// uploadField is the multipart field carrying the image
const uploadField = "file"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if s.storage != nil {
		if err := s.storage.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	file, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	opts, err := s.parseOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fallback, err := formBool(r, "fallback", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	strip, err := formBool(r, "strip", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.acquire(w, r) {
		return
	}
	defer s.release()

	info := s.describe(file)

	result, err := s.compressor.Compress(file, opts, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("name", file.Name).Bool("fallback", fallback).Msg("compression failed")
		if !fallback {
			writeError(w, compressErrorStatus(err), err.Error())
			return
		}

		// Hand back the original bytes and say so
		out := file
		var stripStatus string
		if strip {
			sr := metadata.Strip(file)
			out = sr.File
			stripStatus = sr.Status.String()
			w.Header().Set(HeaderStripStatus, stripStatus)
		}
		s.record(withInfo(&models.Record{
			SourcePath:   file.Name,
			OriginalSize: file.Size(),
			OutputSize:   out.Size(),
			StripStatus:  stripStatus,
			Fallback:     true,
			Error:        err.Error(),
		}, info))
		w.Header().Set(HeaderFallback, "true")
		w.Header().Set(HeaderError, sanitizeHeader(err.Error()))
		w.Header().Set(HeaderOriginalSize, strconv.FormatInt(file.Size(), 10))
		w.Header().Set(HeaderCompressedSize, strconv.FormatInt(out.Size(), 10))
		w.Header().Set(HeaderCompressionRatio, models.FormatRatio(models.CompressionRatio(file.Size(), out.Size())))
		writeFile(w, out)
		return
	}

	out := result.File
	var stripStatus string
	if strip {
		sr := metadata.Strip(out)
		out = sr.File
		stripStatus = sr.Status.String()
		w.Header().Set(HeaderStripStatus, stripStatus)
	}

	rec := withInfo(&models.Record{
		SourcePath:       file.Name,
		OriginalSize:     result.OriginalSize,
		OutputSize:       out.Size(),
		CompressionRatio: models.CompressionRatio(result.OriginalSize, out.Size()),
		StripStatus:      stripStatus,
	}, info)
	rec.Format = string(opts.Format)
	rec.Width = result.Width
	rec.Height = result.Height
	s.record(rec)

	w.Header().Set(HeaderOriginalSize, strconv.FormatInt(result.OriginalSize, 10))
	w.Header().Set(HeaderCompressedSize, strconv.FormatInt(out.Size(), 10))
	w.Header().Set(HeaderCompressionRatio, models.FormatRatio(models.CompressionRatio(result.OriginalSize, out.Size())))
	w.Header().Set(HeaderWidth, strconv.Itoa(result.Width))
	w.Header().Set(HeaderHeight, strconv.Itoa(result.Height))
	writeFile(w, out)
}

func (s *Server) handleStrip(w http.ResponseWriter, r *http.Request) {
	file, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	result := metadata.Strip(file)

	w.Header().Set(HeaderStripStatus, result.Status.String())
	w.Header().Set(HeaderSegmentsRemoved, strconv.Itoa(result.SegmentsRemoved))
	w.Header().Set(HeaderBytesRemoved, strconv.Itoa(result.BytesRemoved))
	writeFile(w, result.File)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	file, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	if !s.acquire(w, r) {
		return
	}
	defer s.release()

	info, err := s.inspector.Inspect(file)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type historyResponse struct {
	Records []*models.Record       `json:"records"`
	Summary *models.HistorySummary `json:"summary"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.storage.ListRecords(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summary, err := s.storage.Summary()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*models.Record{}
	}

	writeJSON(w, http.StatusOK, historyResponse{Records: records, Summary: summary})
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	fingerprint, err := strconv.ParseUint(r.URL.Query().Get("fingerprint"), 16, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "fingerprint must be a hex encoded 64-bit hash")
		return
	}
	threshold, err := queryInt(r, "threshold", 10)
	if err != nil || threshold > 64 {
		writeError(w, http.StatusBadRequest, "threshold must be between 0 and 64")
		return
	}

	records, err := s.storage.FindSimilar(fingerprint, threshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*models.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	if _, err := s.storage.GetRecord(id); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.storage.DeleteRecord(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readUpload reads the multipart "file" field. On failure it has already
// written the error response.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*models.File, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "expected multipart/form-data: "+err.Error())
		return nil, false
	}

	part, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("missing %q upload field", uploadField))
		return nil, false
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	// Trust the declared type; sniff only when the client sent none
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = fileutil.DetectMIMEType(header.Filename, data)
	}

	return &models.File{Name: header.Filename, MIMEType: mimeType, Data: data}, true
}

// parseOptions overlays form values on the server defaults
func (s *Server) parseOptions(r *http.Request) (models.CompressionOptions, error) {
	opts := s.defaults

	var err error
	if opts.MaxWidth, err = formInt(r, "max_width", opts.MaxWidth); err != nil {
		return opts, err
	}
	if opts.MaxHeight, err = formInt(r, "max_height", opts.MaxHeight); err != nil {
		return opts, err
	}
	if v := r.FormValue("quality"); v != "" {
		q, err := strconv.ParseFloat(v, 64)
		if err != nil || !(q >= 0 && q <= 1) {
			return opts, fmt.Errorf("quality must be a number within [0, 1]")
		}
		opts.Quality = q
	}
	if v := r.FormValue("format"); v != "" {
		if opts.Format, err = models.ParseFormat(v); err != nil {
			return opts, err
		}
	}
	if opts.StripMetadata, err = formBool(r, "strip_metadata", opts.StripMetadata); err != nil {
		return opts, err
	}
	return opts, nil
}

func (s *Server) record(rec *models.Record) {
	if s.storage == nil {
		return
	}
	if err := s.storage.SaveRecords([]*models.Record{rec}); err != nil {
		s.log.Error().Err(err).Str("name", rec.SourcePath).Msg("failed to record history")
	}
}

// describe inspects the upload for its history record. It returns nil when
// history is disabled or the upload does not decode.
func (s *Server) describe(file *models.File) *models.ImageInfo {
	if s.storage == nil {
		return nil
	}
	info, err := s.inspector.Inspect(file)
	if err != nil {
		s.log.Debug().Err(err).Str("name", file.Name).Msg("inspect failed")
		return nil
	}
	return info
}

// withInfo copies source dimensions, EXIF presence and fingerprint into rec
func withInfo(rec *models.Record, info *models.ImageInfo) *models.Record {
	if info == nil {
		return rec
	}
	rec.Format = info.Format
	rec.SourceWidth = info.Width
	rec.SourceHeight = info.Height
	rec.HadExif = info.HasExif
	rec.Fingerprint = info.Fingerprint
	return rec
}

func compressErrorStatus(err error) int {
	var decodeErr *compress.DecodeError
	var encodeErr *compress.EncodeError
	switch {
	case errors.As(err, &decodeErr), errors.As(err, &encodeErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func formInt(r *http.Request, key string, def int) (int, error) {
	v := r.FormValue(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func formBool(r *http.Request, key string, def bool) (bool, error) {
	v := r.FormValue(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

func writeFile(w http.ResponseWriter, f *models.File) {
	w.Header().Set("Content-Type", f.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
