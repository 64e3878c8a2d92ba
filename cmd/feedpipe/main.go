// Command feedpipe manages data feeds: scaffolding, incremental pipeline
// runs, status, snapshots and mirroring.
//
// Usage:
//
//	feedpipe config show
//	feedpipe config update root ~/eap
//	feedpipe feeds list
//	feedpipe feeds status --header
//	feedpipe feed create data-oasis-as-mileage --url 'http://...?start=_START_&end=_END_'
//	feedpipe feed proc data-oasis-as-mileage [--stage load]
//	feedpipe feed status data-oasis-as-mileage
//	feedpipe feed manifest update data-oasis-as-mileage company EAP
//	feedpipe serve --listen :8090
//	feedpipe mcp
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/feedpipe/feedpipe"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		var se *feedpipe.StageError
		if errors.As(err, &se) {
			slog.Error("feedpipe: run failed", "feed", se.Feed, "stage", se.Stage, "exit_code", se.ExitCode, "error", se.Err)
		} else {
			slog.Error("feedpipe: fatal", "error", err)
		}
		os.Exit(1)
	}
}

// app carries the global flags and the lazily built service.
type app struct {
	stdout, stderr io.Writer

	configPath string
	root       string
	logLevel   string
	logFormat  string

	cfg    *feedpipe.Config
	logger *slog.Logger
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	rc := &cobra.Command{
		Use:           "feedpipe",
		Short:         "Incremental ingestion pipelines for data feeds",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	flags := rc.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", feedpipe.DefaultConfigPath(), "config file")
	flags.StringVar(&a.root, "root", "", "override the config root directory")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: json, text")

	rc.AddCommand(
		a.configCommand(),
		a.feedsCommand(),
		a.feedCommand(),
		a.serveCommand(),
		a.mcpCommand(),
	)
	return rc
}

// init loads the config, applies flag overrides and installs the logger.
// A missing config file means defaults.
func (a *app) init() error {
	cfg, err := feedpipe.LoadConfig(a.configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = feedpipe.DefaultConfig()
	case err != nil:
		return err
	}
	if a.root != "" {
		cfg.Root = a.root
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var h slog.Handler = slog.NewJSONHandler(a.stderr, opts)
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(a.stderr, opts)
	}
	a.logger = slog.New(h)
	slog.SetDefault(a.logger)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (a *app) service(opts ...feedpipe.Option) (*feedpipe.Service, error) {
	return feedpipe.New(a.cfg, a.logger, append([]feedpipe.Option{feedpipe.WithConsole(a.stdout)}, opts...)...)
}

// --- config ---

func (a *app) configCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Show or edit the feedpipe configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Fprintf(a.stdout, "# %s\n%s", a.configPath, a.cfg)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "update KEY VALUE",
		Short: "Set one key (e.g. root, fetch.retries, s3.bucket) and save",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := a.cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			return a.cfg.Save(a.configPath)
		},
	})
	return cmd
}

// --- feeds ---

type statusFlags struct {
	sep    string
	header bool
	json   bool
}

func (f *statusFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sep, "sep", ",", "CSV field separator")
	cmd.Flags().BoolVar(&f.header, "header", false, "print a CSV header line")
	cmd.Flags().BoolVar(&f.json, "json", false, "print JSON instead of CSV")
}

func (f *statusFlags) write(w io.Writer, statuses []*feedpipe.Status) error {
	if f.json {
		return feedpipe.WriteJSON(w, statuses)
	}
	sep := []rune(f.sep)
	if len(sep) != 1 {
		return fmt.Errorf("--sep must be a single character, got %q", f.sep)
	}
	return feedpipe.WriteCSV(w, statuses, sep[0], f.header)
}

func (a *app) feedsCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "feeds", Short: "Commands over all feeds"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List feed names",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			names, err := svc.List()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(a.stdout, n)
			}
			return nil
		},
	})

	var sf statusFlags
	status := &cobra.Command{
		Use:   "status",
		Short: "Report the status of every feed",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			all, err := svc.StatusAll(c.Context())
			if err != nil {
				return err
			}
			return sf.write(a.stdout, all)
		},
	}
	sf.register(status)
	cmd.AddCommand(status)
	return cmd
}

// --- feed ---

func (a *app) feedCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "feed", Short: "Commands on named feeds"}
	archive, restore := a.feedArchiveCommands()
	cmd.AddCommand(
		a.feedCreateCommand(),
		a.feedInvokeCommand(),
		a.feedStatusCommand(),
		a.feedProcCommand(),
		a.feedResetCommand(),
		archive,
		restore,
		a.feedS3Command(),
		a.feedS3RestoreCommand(),
		a.manifestCommand(),
	)
	return cmd
}

func (a *app) feedCreateCommand() *cobra.Command {
	var p feedpipe.CreateParams
	var start string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Scaffold a new feed directory with its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p.Name = args[0]
			if start != "" {
				t, err := time.Parse("2006-01-02", start)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				p.Start = t
			}
			svc, err := a.service()
			if err != nil {
				return err
			}
			root, err := svc.Create(p)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, root)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Maintainer, "maintainer", "", "maintainer name")
	f.StringVar(&p.Company, "company", "", "company")
	f.StringVar(&p.Email, "email", "", "contact email")
	f.StringVar(&p.URL, "url", "", "download url template with _START_ and _END_")
	f.StringVar(&start, "start", "", "first day to acquire, YYYY-MM-DD")
	f.StringVar(&p.RepoURL, "repo-url", "", "repository url")
	return cmd
}

func (a *app) feedInvokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invoke NAME COMMAND...",
		Short: "Run a shell command inside the feed directory",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			return svc.Invoke(c.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
}

func (a *app) feedStatusCommand() *cobra.Command {
	var sf statusFlags
	cmd := &cobra.Command{
		Use:   "status NAME...",
		Short: "Report acquired, extracted and loaded counts and table rows",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			all, err := svc.StatusAll(c.Context(), args...)
			if err != nil {
				return err
			}
			return sf.write(a.stdout, all)
		},
	}
	sf.register(cmd)
	return cmd
}

func (a *app) feedProcCommand() *cobra.Command {
	var stages []string
	cmd := &cobra.Command{
		Use:   "proc NAME...",
		Short: "Run the pipeline of each feed in turn, stopping at the first failure",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			svc, err := a.service(feedpipe.WithMetrics(feedpipe.NewMetrics()))
			if err != nil {
				return err
			}
			for _, name := range args {
				run, err := svc.Process(c.Context(), name, stages...)
				if err != nil {
					return err
				}
				a.logger.Info("feedpipe: run finished", "feed", name, "run", run.ID, "state", run.State,
					"duration", run.Finished.Sub(run.Started))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "only run these stages: acquire, extract, load, publish, script")
	return cmd
}

func (a *app) feedResetCommand() *cobra.Command {
	var dirs []string
	cmd := &cobra.Command{
		Use:   "reset NAME",
		Short: "Empty stage directories and their state files (zip, xml, db; all by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			return svc.Reset(args[0], dirs...)
		},
	}
	cmd.Flags().StringSliceVar(&dirs, "stage", nil, "stage directories to reset: zip, xml, db")
	return cmd
}

func (a *app) feedArchiveCommands() (archive, restore *cobra.Command) {
	archive = &cobra.Command{
		Use:   "archive NAME",
		Short: "Snapshot the feed to <root>/archive/NAME.tar.gz",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			path, err := svc.Archive(c.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, path)
			return nil
		},
	}
	restore = &cobra.Command{
		Use:   "restore NAME",
		Short: "Recreate a feed from its snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			root, err := svc.Restore(c.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, root)
			return nil
		},
	}
	return archive, restore
}

func (a *app) feedS3Command() *cobra.Command {
	return &cobra.Command{
		Use:   "s3archive NAME",
		Short: "Mirror the feed's archives and database to the configured bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			n, err := svc.S3Archive(c.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "uploaded %d files\n", n)
			return nil
		},
	}
}

func (a *app) feedS3RestoreCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "s3restore NAME",
		Short: "Download the feed's recorded archives from the configured bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			n, err := svc.S3Restore(c.Context(), args[0], out)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "downloaded %d files\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory (default: the feed's zip/)")
	return cmd
}

func (a *app) manifestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "manifest", Short: "Show or edit a feed manifest"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show NAME",
		Short: "Print manifest.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			raw, err := svc.ManifestShow(args[0])
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(raw)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "update NAME FIELD [VALUE]",
		Short: "Set a top-level field (JSON values accepted); no VALUE removes it",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(_ *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			var value string
			if len(args) == 3 {
				value = args[2]
			}
			return svc.ManifestUpdate(args[0], args[1], value)
		},
	})
	return cmd
}

// --- servers ---

func (a *app) serveCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			if listen != "" {
				a.cfg.HTTP.Listen = listen
			}
			svc, err := a.service(feedpipe.WithMetrics(feedpipe.NewMetrics()))
			if err != nil {
				return err
			}
			return serveHTTP(c.Context(), a.logger, a.cfg.HTTP.Listen, svc.Router())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config http.listen)")
	return cmd
}

func serveHTTP(ctx context.Context, logger *slog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("feedpipe: listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("feedpipe: shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (a *app) mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the feedpipe tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			svc, err := a.service(feedpipe.WithConsole(a.stderr))
			if err != nil {
				return err
			}
			srv := mcp.NewServer(&mcp.Implementation{Name: "feedpipe", Version: "1.0.0"}, nil)
			svc.RegisterMCP(srv)
			return srv.Run(c.Context(), &mcp.StdioTransport{})
		},
	}
}
