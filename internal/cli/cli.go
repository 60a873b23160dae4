package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"sfmbatch/internal/config"
	"sfmbatch/internal/hloc"
	"sfmbatch/internal/pipeline"
	"sfmbatch/internal/storage"
	"sfmbatch/internal/watch"
)

// Version is set at build time with -ldflags "-X sfmbatch/internal/cli.Version=...".
var Version = "dev"

type batchRunner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Report, error)
	Subscribe() (<-chan pipeline.Result, func())
}

type toolManager interface {
	Status(ctx context.Context) map[string]hloc.ToolStatus
	Names() []string
}

type toolManagerFactory func(*config.Config) toolManager

type watchRunner interface {
	Run(ctx context.Context) error
}

type watcherFactory func(root string, settle time.Duration, handle watch.Handler) watchRunner

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline     batchRunner
	cfg          *config.Config
	log          *slog.Logger
	store        *storage.Store
	toolFactory  toolManagerFactory
	watchFactory watcherFactory
	out          io.Writer
	errOut       io.Writer
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		toolFactory: func(cfg *config.Config) toolManager {
			return hloc.NewToolManager(hloc.NewBridge(cfg.Processing.Python, logger))
		},
		watchFactory: func(root string, settle time.Duration, handle watch.Handler) watchRunner {
			return watch.New(root, cfg.Processing.FramePrefix, settle, logger, handle)
		},
		out:    os.Stdout,
		errOut: os.Stderr,
	}
}

// Run executes the command line args.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.command()
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.errOut)
	return cmd.ExecuteContext(ctx)
}

// batchFlags are shared by the root, run and watch commands.
type batchFlags struct {
	frameNames []string
	emitRaw    bool
	keepGoing  bool
}

func (r *Root) runBatch(ctx context.Context, input, output string, f batchFlags) error {
	results, unsub := r.pipeline.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for res := range results {
			printProgress(r.out, res)
		}
	}()

	report, err := r.pipeline.Run(ctx, pipeline.Request{
		Input:      input,
		Output:     output,
		FrameNames: f.frameNames,
		EmitRaw:    f.emitRaw,
		KeepGoing:  f.keepGoing,
	})
	unsub()
	<-done

	if report.RunID != "" {
		printReport(r.out, report)
	}
	return err
}

func printProgress(w io.Writer, res pipeline.Result) {
	job := res.Job
	line := fmt.Sprintf("[%d/%d] %s %s in %s", job.Index, job.Total, job.Frame.FolderName, res.Status, res.Duration.Round(time.Millisecond))
	if res.Summary != nil {
		line += ": " + res.Summary.String()
	}
	fmt.Fprintln(w, line)
}

// printReport lists every selected frame with its outcome.
func printReport(w io.Writer, report pipeline.Report) {
	fmt.Fprintf(w, "\nRun %s: %d succeeded, %d failed, %d not reached\n",
		report.RunID, report.Succeeded(), len(report.Failed()), len(report.NotReached))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, res := range report.Results {
		detail := ""
		switch {
		case res.Error != nil:
			detail = res.Error.Error()
		case res.Summary != nil:
			detail = res.Summary.String()
			if len(res.Summary.Unregistered) > 0 {
				detail += " (unregistered: " + strings.Join(res.Summary.Unregistered, " ") + ")"
			}
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", res.Job.Frame.FolderName, res.Status, detail)
	}
	for _, folder := range report.NotReached {
		fmt.Fprintf(tw, "  %s\t%s\t\n", folder, pipeline.StatusNotReached)
	}
	tw.Flush()
}

// intersect keeps the names of have that appear in want, in have's order.
func intersect(have, want []string) []string {
	if len(want) == 0 {
		return have
	}
	keep := make(map[string]bool, len(want))
	for _, n := range want {
		keep[n] = true
	}
	var out []string
	for _, n := range have {
		if keep[n] {
			out = append(out, n)
		}
	}
	return out
}

func configPath() string {
	if p := os.Getenv("SFMBATCH_CONFIG"); p != "" {
		return p
	}
	return "(default) ~/.config/sfmbatch/config.json"
}
