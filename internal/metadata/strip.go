// Package metadata finds and removes JPEG metadata segments without decoding
// pixels, and inspects images for their size and EXIF tags.
package metadata

import (
	"encoding/binary"

	"photoprep/internal/models"
)

// JPEG marker bytes (the byte following 0xFF)
const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerTEM  = 0x01
	markerRST0 = 0xD0
	markerRST7 = 0xD7
	markerAPP0 = 0xE0 // JFIF
	markerAPP1 = 0xE1 // EXIF, XMP
	markerAPP2 = 0xE2 // ICC profile, FlashPix extension
)

// segment is one marker segment found in the JPEG header region
type segment struct {
	marker byte
	start  int // offset of the 0xFF byte
	end    int // offset just past the segment
}

// isStripped reports whether segments with this marker are removed
func isStripped(marker byte) bool {
	return marker == markerAPP0 || marker == markerAPP1 || marker == markerAPP2
}

// hasSOI reports whether data starts with the JPEG start-of-image marker
func hasSOI(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1] == markerSOI
}

// walkHeader visits the header region of a JPEG after SOI. fn receives each
// length-prefixed segment; raw runs (stray bytes, fill bytes, standalone
// markers and everything from SOS or EOI onward) are passed with marker 0.
// Scan data is never interpreted because it may contain 0xFF bytes that are
// not markers.
func walkHeader(data []byte, fn func(seg segment)) {
	offset := 2
	for offset < len(data) {
		if data[offset] != 0xFF || offset+1 >= len(data) {
			fn(segment{start: offset, end: offset + 1})
			offset++
			continue
		}

		marker := data[offset+1]
		switch {
		case marker == 0xFF:
			// Fill byte before a marker
			fn(segment{start: offset, end: offset + 1})
			offset++
			continue
		case marker == markerSOS || marker == markerEOI:
			fn(segment{start: offset, end: len(data)})
			return
		case marker == markerTEM || (marker >= markerRST0 && marker <= markerRST7):
			fn(segment{start: offset, end: offset + 2})
			offset += 2
			continue
		}

		if offset+4 > len(data) {
			fn(segment{start: offset, end: len(data)})
			return
		}
		end := offset + 2 + int(binary.BigEndian.Uint16(data[offset+2:]))
		if end > len(data) {
			// Truncated segment: keep what is there
			fn(segment{start: offset, end: len(data)})
			return
		}
		fn(segment{marker: marker, start: offset, end: end})
		offset = end
	}
}

// Strip removes APP0, APP1 and APP2 segments from a JPEG. Files that are not
// declared as image/jpeg, or that lack the SOI marker, come back unchanged
// with a status saying so. The returned file never shares its buffer with
// the input when bytes were removed.
func Strip(file *models.File) *models.MetadataStripResult {
	if !file.IsJPEG() {
		return &models.MetadataStripResult{File: file, Status: models.StripSkipped}
	}
	if !hasSOI(file.Data) {
		return &models.MetadataStripResult{File: file, Status: models.StripNotJPEG}
	}

	out := make([]byte, 0, len(file.Data))
	out = append(out, file.Data[:2]...)

	removed, removedBytes := 0, 0
	walkHeader(file.Data, func(seg segment) {
		if isStripped(seg.marker) {
			removed++
			removedBytes += seg.end - seg.start
			return
		}
		out = append(out, file.Data[seg.start:seg.end]...)
	})

	if removed == 0 {
		return &models.MetadataStripResult{File: file, Status: models.StripNoMetadata}
	}

	return &models.MetadataStripResult{
		File: &models.File{
			Name:     file.Name,
			MIMEType: file.MIMEType,
			Data:     out,
		},
		Status:          models.StripStripped,
		SegmentsRemoved: removed,
		BytesRemoved:    removedBytes,
	}
}

// HasExif reports whether a JPEG byte stream carries an APP1 (EXIF) segment
// in its header region. Data without an SOI marker reports false.
func HasExif(data []byte) bool {
	if !hasSOI(data) {
		return false
	}
	found := false
	walkHeader(data, func(seg segment) {
		if seg.marker == markerAPP1 {
			found = true
		}
	})
	return found
}
