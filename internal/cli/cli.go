package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"sessionmeta/internal/config"
	"sessionmeta/internal/grpcserver"
	"sessionmeta/internal/ingest"
	"sessionmeta/internal/pipeline"
	"sessionmeta/internal/server"
	"sessionmeta/internal/storage"

	"golang.org/x/sync/errgroup"
)

// SourceCLI tags envelopes submitted by the write command.
const SourceCLI = "cli"

type pipelineClient interface {
	Submit(env pipeline.Envelope) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	out      io.Writer
	serveFn  serveFunc
}

// serveOptions selects the listeners started by serve.
type serveOptions struct {
	Addr     string
	GRPCAddr string
	SpoolDir string
}

type serveFunc func(ctx context.Context, opts serveOptions) error

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		out:      os.Stdout,
	}
	r.serveFn = r.serve
	return r
}

// submitAndWait queues env and blocks until the pipeline reports its result.
func (r *Root) submitAndWait(ctx context.Context, env pipeline.Envelope) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, errors.New("pipeline unavailable")
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, env); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Envelope.ID == env.ID {
				return res, nil
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, env pipeline.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(env); err != nil {
		return err
	}

	r.log.Debug("event queued", "type", env.Type, "id", env.ID, "source", env.Source)
	return nil
}

// serve runs the HTTP server, the gRPC server and the optional spool watcher
// until ctx is cancelled or one of them fails.
func (r *Root) serve(ctx context.Context, opts serveOptions) error {
	real, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.NewServer(opts.Addr, r.store, real, r.log).Start(gCtx)
	})

	if opts.GRPCAddr != "" {
		g.Go(func() error {
			return grpcserver.NewIngestServer(real, r.log).Start(gCtx, opts.GRPCAddr)
		})
	}

	if opts.SpoolDir != "" {
		watcher, err := ingest.NewSpoolWatcher(opts.SpoolDir, real, r.log)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watcher.Run(gCtx)
		})
	}

	return g.Wait()
}
