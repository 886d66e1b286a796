package compress

import (
	"fmt"

	"photoprep/internal/models"
)

// DecodeError means the input bytes could not be read as an image
type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image %q: %v", e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError means the surface could not be encoded in the requested format
type EncodeError struct {
	Format  models.Format
	Quality float64
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("failed to encode %s at quality %.2f: %v", e.Format, e.Quality, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
