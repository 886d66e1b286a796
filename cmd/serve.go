package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"photoprep/internal/server"
	"photoprep/internal/storage"
)

var serveNoHistory bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start an HTTP server exposing the compressor, the metadata stripper
and the inspector.

Endpoints (uploads are multipart/form-data with the image in "file"):
  POST /api/compress          compressed image; sizes and ratio in X-* headers
  POST /api/strip             image without APP0/APP1/APP2 segments
  POST /api/info              JSON dimensions and EXIF summary
  GET  /api/history           processed files and totals
  GET  /api/history/similar   records near a fingerprint
  GET  /healthz

The server stops gracefully on SIGINT or SIGTERM.

Example:
  photoprep serve                       # Listen on :8080
  photoprep serve --addr 127.0.0.1:3000
  photoprep serve --max-concurrent 2 --max-upload 10485760`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Address to listen on")
	serveCmd.Flags().Int64("max-upload", 32<<20, "Maximum upload size in bytes")
	serveCmd.Flags().Int64("max-concurrent", 4, "Maximum images processed at once")
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "Grace period for in-flight requests on shutdown")
	serveCmd.Flags().BoolVar(&serveNoHistory, "no-history", false, "Don't record compressions in the history database")

	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("server.max_upload_bytes", serveCmd.Flags().Lookup("max-upload"))
	_ = v.BindPFlag("server.max_concurrent", serveCmd.Flags().Lookup("max-concurrent"))
	_ = v.BindPFlag("server.shutdown_timeout", serveCmd.Flags().Lookup("shutdown-timeout"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	opts := []server.Option{
		server.WithCompressor(newCompressor()),
		server.WithInspector(newInspector()),
		server.WithDefaults(cfg.Compression),
		server.WithLogger(logger),
	}

	if !serveNoHistory {
		store, err := storage.NewStorage(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()
		opts = append(opts, server.WithStorage(store))
	}

	srv := server.New(cfg.Server, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Listening on %s\n", cfg.Server.Addr)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	return srv.Start(ctx)
}
