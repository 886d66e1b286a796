package fileutil

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"photoprep/internal/models"
)

// IsSupportedImage checks if a file is a supported image format
func IsSupportedImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff", ".tif":
		return true
	default:
		return false
	}
}

// DetectMIMEType sniffs the content type, falling back to the file extension
// for formats the sniffer does not know (TIFF).
func DetectMIMEType(name string, data []byte) string {
	sniffed := http.DetectContentType(data)
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".tif" || ext == ".tiff" {
		return "image/tiff"
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		return byExt
	}
	return sniffed
}

// ReadImageFile loads a file from disk as a models.File
func ReadImageFile(path string) (*models.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return &models.File{
		Name:     filepath.Base(path),
		MIMEType: DetectMIMEType(path, data),
		Data:     data,
	}, nil
}

// WriteUnique writes data into dir under name. If a file with the same name
// exists, it appends a counter (e.g., photo_compressed_1.jpeg). It returns the
// path written.
func WriteUnique(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	for {
		destName := findUniqueName(name, func(candidate string) bool {
			_, err := os.Stat(filepath.Join(dir, candidate))
			return os.IsNotExist(err)
		})
		dest := filepath.Join(dir, destName)

		// O_EXCL guards against another worker taking the name in between
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", err
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(dest) // Clean up on failure
			return "", err
		}
		if err := f.Close(); err != nil {
			os.Remove(dest)
			return "", err
		}
		return dest, nil
	}
}

// findUniqueName finds a unique filename by appending a counter if needed.
// isAvailable should return true if the name can be used.
func findUniqueName(filename string, isAvailable func(string) bool) string {
	if isAvailable(filename) {
		return filename
	}

	ext := filepath.Ext(filename)
	name := strings.TrimSuffix(filename, ext)
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s_%d%s", name, counter, ext)
		if isAvailable(candidate) {
			return candidate
		}
	}
}
