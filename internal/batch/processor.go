package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"photoprep/internal/compress"
	"photoprep/internal/fileutil"
	"photoprep/internal/metadata"
	"photoprep/internal/models"
)

// Outcome describes what happened to one source file
type Outcome struct {
	SourcePath string
	OutputPath string // empty when nothing was written
	Info       *models.ImageInfo
	Result     *models.CompressionResult
	Strip      *models.MetadataStripResult

	// Fallback is set when compression failed and the original bytes were
	// written instead. Err then holds the compression error.
	Fallback bool
	Err      error

	OriginalSize int64
	OutputSize   int64 // size of the chosen output bytes
}

// Written reports whether an output file was produced
func (o *Outcome) Written() bool {
	return o.OutputPath != ""
}

// Record converts the outcome into a history record
func (o *Outcome) Record() *models.Record {
	rec := &models.Record{
		SourcePath:       o.SourcePath,
		OutputPath:       o.OutputPath,
		OriginalSize:     o.OriginalSize,
		OutputSize:       o.OutputSize,
		CompressionRatio: models.CompressionRatio(o.OriginalSize, o.OutputSize),
		Fallback:         o.Fallback,
		ProcessedAt:      time.Now().UTC(),
	}
	if o.Info != nil {
		rec.SourceWidth = o.Info.Width
		rec.SourceHeight = o.Info.Height
		rec.HadExif = o.Info.HasExif
		rec.Fingerprint = o.Info.Fingerprint
		rec.Format = o.Info.Format
	}
	if o.Result != nil {
		rec.Width = o.Result.Width
		rec.Height = o.Result.Height
		rec.Format = strings.TrimPrefix(o.Result.File.MIMEType, "image/")
	}
	if o.Strip != nil {
		rec.StripStatus = o.Strip.Status.String()
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	return rec
}

// Processor compresses every image in a folder
type Processor struct {
	compressor *compress.Compressor
	inspector  *metadata.Inspector
	options    models.CompressionOptions
	strip      bool
	fallback   bool
	outputDir  string
	workers    int
	timeout    time.Duration
	progressFn func(done, total int, current string)
	log        zerolog.Logger
}

// Option configures a Processor
type Option func(*Processor)

// WithWorkers sets the number of parallel workers
func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithTimeout sets the timeout for processing each image
func WithTimeout(d time.Duration) Option {
	return func(p *Processor) {
		p.timeout = d
	}
}

// WithProgress sets a progress callback
func WithProgress(fn func(done, total int, current string)) Option {
	return func(p *Processor) {
		p.progressFn = fn
	}
}

// WithOutputDir sets where results are written. Without it nothing is
// written and Outcome.OutputPath stays empty.
func WithOutputDir(dir string) Option {
	return func(p *Processor) {
		p.outputDir = dir
	}
}

// WithOptions sets the compression options
func WithOptions(opts models.CompressionOptions) Option {
	return func(p *Processor) {
		p.options = opts
	}
}

// WithStrip runs the metadata stripper on every output
func WithStrip(strip bool) Option {
	return func(p *Processor) {
		p.strip = strip
	}
}

// WithFallback controls whether the original bytes are written when
// compression fails. Enabled by default.
func WithFallback(enabled bool) Option {
	return func(p *Processor) {
		p.fallback = enabled
	}
}

// WithCompressor replaces the default compressor
func WithCompressor(c *compress.Compressor) Option {
	return func(p *Processor) {
		p.compressor = c
	}
}

// WithInspector replaces the default inspector
func WithInspector(i *metadata.Inspector) Option {
	return func(p *Processor) {
		p.inspector = i
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(p *Processor) {
		p.log = l.With().Str("component", "batch").Logger()
	}
}

// NewProcessor creates a new Processor
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		options:  models.DefaultCompressionOptions(),
		fallback: true,
		workers:  8,
		timeout:  30 * time.Second,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.compressor == nil {
		p.compressor = compress.New(compress.WithLogger(p.log))
	}
	if p.inspector == nil {
		p.inspector = metadata.NewInspector(metadata.WithLogger(p.log))
	}
	return p
}

// ProcessFolder processes every supported image under folder. Outcomes are
// sorted by source path. Per-file failures are reported in the outcomes, not
// as an error.
func (p *Processor) ProcessFolder(folder string) ([]*Outcome, error) {
	// First, collect all image paths
	var paths []string
	err := filepath.Walk(folder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if info.IsDir() {
			// Don't pick up our own output on a second run
			if p.outputDir != "" && path != folder && sameDir(path, p.outputDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if fileutil.IsSupportedImage(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk folder: %w", err)
	}

	if len(paths) == 0 {
		return nil, nil
	}

	// Process images in parallel
	var (
		results   []*Outcome
		resultsMu sync.Mutex
		wg        sync.WaitGroup
		processed int64
		total     = len(paths)
	)

	// Create work channel
	work := make(chan string, len(paths))
	for _, path := range paths {
		work <- path
	}
	close(work)

	// Start workers
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range work {
				out := p.ProcessFileWithTimeout(path, p.timeout)

				resultsMu.Lock()
				results = append(results, out)
				resultsMu.Unlock()

				n := atomic.AddInt64(&processed, 1)
				if p.progressFn != nil {
					p.progressFn(int(n), total, path)
				}
			}
		}()
	}

	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].SourcePath < results[j].SourcePath
	})
	return results, nil
}

// ProcessFileWithTimeout runs ProcessFile, giving up after timeout. The
// output is written only when processing finished in time, so a file
// reported as timed out never lands in the output directory.
func (p *Processor) ProcessFileWithTimeout(path string, timeout time.Duration) *Outcome {
	if timeout <= 0 {
		return p.ProcessFile(path)
	}

	type prepared struct {
		out    *Outcome
		chosen *models.File
	}
	done := make(chan prepared, 1)
	go func() {
		out, chosen := p.prepare(path)
		done <- prepared{out, chosen}
	}()

	select {
	case res := <-done:
		return p.write(res.out, res.chosen)
	case <-time.After(timeout):
		p.log.Warn().Str("path", path).Dur("timeout", timeout).Msg("processing timed out")
		return &Outcome{SourcePath: path, Err: fmt.Errorf("timeout processing image: %s", path)}
	}
}

// ProcessFile compresses a single file and writes the chosen output
func (p *Processor) ProcessFile(path string) *Outcome {
	return p.write(p.prepare(path))
}

// prepare reads, compresses and optionally strips path. chosen is nil when
// there is nothing to write.
func (p *Processor) prepare(path string) (out *Outcome, chosen *models.File) {
	out = &Outcome{SourcePath: path}

	file, err := fileutil.ReadImageFile(path)
	if err != nil {
		out.Err = err
		return out, nil
	}
	out.OriginalSize = file.Size()

	info, err := p.inspector.Inspect(file)
	if err != nil {
		p.log.Debug().Err(err).Str("path", path).Msg("inspect failed")
	} else {
		out.Info = info
	}

	chosen = file
	result, err := p.compressor.Compress(file, p.options, nil)
	if err != nil {
		out.Err = err
		if !p.fallback {
			p.log.Warn().Err(err).Str("path", path).Msg("compression failed")
			return out, nil
		}
		p.log.Warn().Err(err).Str("path", path).Msg("compression failed, keeping original")
		out.Fallback = true
	} else {
		out.Result = result
		chosen = result.File
	}

	if p.strip {
		out.Strip = metadata.Strip(chosen)
		chosen = out.Strip.File
	}
	out.OutputSize = chosen.Size()
	return out, chosen
}

// write stores chosen in the output directory, if one is set
func (p *Processor) write(out *Outcome, chosen *models.File) *Outcome {
	if chosen == nil || p.outputDir == "" {
		return out
	}

	dest, err := fileutil.WriteUnique(p.outputDir, chosen.Name, chosen.Data)
	if err != nil {
		out.Err = fmt.Errorf("failed to write output: %w", err)
		return out
	}
	out.OutputPath = dest

	p.log.Debug().
		Str("path", out.SourcePath).
		Str("output", dest).
		Int64("size", chosen.Size()).
		Bool("fallback", out.Fallback).
		Msg("processed")

	return out
}

func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
