package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"sessionmeta/internal/config"
	"sessionmeta/internal/event"
	"sessionmeta/internal/grpcserver"
	"sessionmeta/internal/ingest"
	"sessionmeta/internal/naming"
	"sessionmeta/internal/pipeline"
	"sessionmeta/internal/storage"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Version is reported by the version command.
var Version = "0.4.0"

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipelineClient) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	var overrides map[string]string

	rootCmd := &cobra.Command{
		Use:   "sessionmeta",
		Short: "Write per-session acquisition metadata for astrophotography images",
		Long: `sessionmeta records acquisition details, per-image metadata, weather and
autofocus runs as CSV or JSON files next to the captured images.

Events arrive from the imaging host as JSON envelopes through a spool
directory, the HTTP API or the gRPC ingest service.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(overrides) == 0 {
				return nil
			}
			s, err := root.cfg.Settings.Apply(overrides)
			if err != nil {
				return err
			}
			root.cfg.Settings = s
			root.log.Debug("settings overridden", "keys", len(overrides))
			return nil
		},
	}
	rootCmd.SetOut(root.out)
	rootCmd.PersistentFlags().StringToStringVar(&overrides, "set", nil,
		"override a writer setting by its host key, e.g. --set JSONEnabled=true")

	rootCmd.AddCommand(newWriteCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newSubstituteCmd(root))
	rootCmd.AddCommand(newTokensCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newWriteCmd(root *Root) *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "write <event.json>...",
		Short: "Process event files once, in order",
		Long: `Decode each event file and write its metadata. Files are handled in the
order given; a failing file is reported and the rest are still processed.

With --grpc the events are sent to a running "sessionmeta serve" instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if remote != "" {
				return root.writeRemote(ctx, remote, args)
			}

			var errs []error
			for _, path := range args {
				msg, err := ingest.ReadEventFile(path)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				res, err := root.submitAndWait(ctx, pipeline.NewEnvelope(msg, SourceCLI))
				if err != nil {
					return err
				}
				printResult(cmd, path, res)
				if res.Error != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, res.Error))
				}
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVar(&remote, "grpc", "", "send events to a running server at this gRPC address")
	return cmd
}

func (r *Root) writeRemote(ctx context.Context, addr string, paths []string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()
	client := grpcserver.NewClient(conn)

	var errs []error
	for _, path := range paths {
		msg, err := ingest.ReadEventFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		id, err := client.Submit(ctx, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Fprintf(r.out, "%s: queued as %s\n", path, id)
	}
	return errors.Join(errs...)
}

func printResult(cmd *cobra.Command, path string, res pipeline.Result) {
	out := cmd.OutOrStdout()
	switch res.Status() {
	case storage.StatusFailed:
		fmt.Fprintf(out, "%s: failed: %v\n", path, res.Error)
	case storage.StatusSkipped:
		fmt.Fprintf(out, "%s: skipped (%s)\n", path, res.Outcome.Skipped)
	default:
		if len(res.Outcome.Written) == 0 {
			fmt.Fprintf(out, "%s: nothing new to write\n", path)
		}
		for _, w := range res.Outcome.Written {
			fmt.Fprintf(out, "%s: %s %s -> %s\n", path, w.Kind, w.Format, w.Path)
		}
	}
	for _, warn := range res.Outcome.Warnings {
		fmt.Fprintf(out, "%s: warning: %s\n", path, warn)
	}
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [spool-dir]",
		Short: "Watch a spool directory and process new event files",
		Long: `Process the event files already in the spool directory, then keep
watching it for new ones until interrupted. Handled files are moved to
processed/, undecodable ones to failed/.

The directory defaults to paths.spool_dir from the configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.SpoolDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return errors.New("no spool directory given and paths.spool_dir is not set")
			}
			if root.pipeline == nil {
				return errors.New("pipeline unavailable")
			}
			watcher, err := ingest.NewSpoolWatcher(dir, root.pipeline, root.log)
			if err != nil {
				return err
			}
			return watcher.Run(cmd.Context())
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC ingest servers",
		Long: `Start an HTTP server with the event API, history, live feeds
(/stream, /ws) and /metrics, plus the gRPC ingest service.

Examples:
  # Defaults from the configuration file
  sessionmeta serve

  # Also watch a spool directory
  sessionmeta serve --addr :8765 --spool /data/spool

  # HTTP only
  sessionmeta serve --grpc-addr ""`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server",
				"addr", opts.Addr,
				"grpc_addr", opts.GRPCAddr,
				"spool_dir", opts.SpoolDir,
			)
			return root.serveFn(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC listen address, empty disables gRPC")
	cmd.Flags().StringVar(&opts.SpoolDir, "spool", root.cfg.Paths.SpoolDir, "spool directory to watch, empty disables watching")
	return cmd
}

// tokenSource is a naming.Source built from flags.
type tokenSource struct {
	at     time.Time
	target string
	filter string
}

func (s tokenSource) TokenTime() time.Time { return s.at }
func (s tokenSource) TokenTarget() string  { return s.target }
func (s tokenSource) TokenFilter() string  { return s.filter }

func newSubstituteCmd(root *Root) *cobra.Command {
	var (
		eventFile string
		target    string
		filter    string
		at        string
	)

	cmd := &cobra.Command{
		Use:   "substitute <template>",
		Short: "Preview the file name a template produces",
		Long: `Resolve the $$TOKEN$$ placeholders in a file name template. Values come
from an event file (--event) or from --target, --filter and --time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src naming.Source
			if eventFile != "" {
				msg, err := ingest.ReadEventFile(eventFile)
				if err != nil {
					return err
				}
				if msg.Image != nil {
					src = msg.Image
				} else {
					src = msg.AutoFocus
				}
			} else {
				ts := time.Now()
				if at != "" {
					parsed, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("--time: %w", err)
					}
					ts = parsed
				}
				src = tokenSource{at: ts, target: target, filter: filter}
			}
			fmt.Fprintln(cmd.OutOrStdout(), naming.Substitute(args[0], src))
			return nil
		},
	}

	cmd.Flags().StringVar(&eventFile, "event", "", "event file supplying the token values")
	cmd.Flags().StringVar(&target, "target", "", "target name")
	cmd.Flags().StringVar(&filter, "filter", "", "filter name")
	cmd.Flags().StringVar(&at, "time", "", "exposure start (RFC 3339), defaults to now")
	return cmd
}

func newTokensCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tokens",
		Short: "List the file name template tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, tok := range naming.Tokens() {
				fmt.Fprintf(tw, "%s\t%s\n", tok.Token, tok.Description)
			}
			return tw.Flush()
		},
	}
}

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently handled events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("history store unavailable")
			}
			recs, err := root.store.RecentEvents(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECEIVED\tKIND\tSTATUS\tTARGET\tDETAIL")
			for _, rec := range recs {
				detail := rec.SkipReason
				if rec.Error != "" {
					detail = rec.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					rec.ReceivedAt.Local().Format("2006-01-02 15:04:05"),
					rec.Kind, rec.Status, rec.Target, detail)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("sessionmeta v%s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
			cmd.Printf("Event types: %s\n", strings.Join([]string{string(event.TypeImageSaved), string(event.TypeAutoFocusCompleted)}, ", "))
		},
	}
}
