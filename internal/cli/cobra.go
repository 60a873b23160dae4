package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"sfmbatch/internal/colmap"
	"sfmbatch/internal/config"
	"sfmbatch/internal/fsutil"
	"sfmbatch/internal/pairs"
	"sfmbatch/internal/pipeline"
	"sfmbatch/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).command()
}

func (r *Root) command() *cobra.Command {
	var f batchFlags

	rootCmd := &cobra.Command{
		Use:   "sfmbatch <input> <output>",
		Short: "Batch structure-from-motion over multi-camera frame folders",
		Long: `sfmbatch reconstructs every frame folder under <input> (named <prefix><id>,
one image per camera) with SuperPoint features, exhaustive SuperGlue matching and
featuremetric refinement. Each frame's model is written to <output>/<folder>/refined
as COLMAP binary and text files.

Without a subcommand, "sfmbatch <input> <output>" is the same as "sfmbatch run".`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			input, output, err := batchArgs(cmd, args, &f)
			if err != nil {
				return err
			}
			return r.runBatch(cmd.Context(), input, output, f)
		},
	}
	bindBatchFlags(rootCmd, &f, r.cfg)

	rootCmd.AddCommand(newRunCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newInspectCmd(r))
	rootCmd.AddCommand(newToolsCmd(r))
	rootCmd.AddCommand(newHistoryCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func bindBatchFlags(cmd *cobra.Command, f *batchFlags, cfg *config.Config) {
	cmd.Flags().StringSliceVar(&f.frameNames, "frame_names", nil, "frame names to process (comma separated or repeated); all frames when empty")
	cmd.Flags().BoolVar(&f.emitRaw, "emit-raw", cfg.Processing.EmitRaw, "also write an unrefined model to <output>/<folder>/raw")
	cmd.Flags().BoolVar(&f.keepGoing, "keep-going", cfg.Processing.KeepGoing, "continue with the next frame after a failure")
}

// batchArgs returns input and output. Positional args after them extend
// --frame_names, so "--frame_names A B" works as a space separated list.
func batchArgs(cmd *cobra.Command, args []string, f *batchFlags) (string, string, error) {
	if len(args) < 2 {
		return "", "", fmt.Errorf("requires <input> and <output>, got %d argument(s)", len(args))
	}
	if len(args) > 2 {
		if !cmd.Flags().Changed("frame_names") {
			return "", "", fmt.Errorf("unexpected arguments %v after <input> <output>", args[2:])
		}
		f.frameNames = append(f.frameNames, args[2:]...)
	}
	return args[0], args[1], nil
}

func newRunCmd(root *Root) *cobra.Command {
	var f batchFlags
	cmd := &cobra.Command{
		Use:   "run <input> <output>",
		Short: "Reconstruct every selected frame, one after another",
		Long: `Process frame folders in lexicographic order. The first failing frame stops
the batch unless --keep-going is set; frames after it are not started and get no
output directories.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, output, err := batchArgs(cmd, args, &f)
			if err != nil {
				return err
			}
			return root.runBatch(cmd.Context(), input, output, f)
		},
	}
	bindBatchFlags(cmd, &f, root.cfg)
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		f        batchFlags
		settle   time.Duration
		existing bool
	)
	cmd := &cobra.Command{
		Use:   "watch <input> <output>",
		Short: "Reconstruct frame folders as they appear",
		Long: `Watch <input> for new or changing frame folders. Once no change was seen for
--settle, the pending frames are processed as one batch with the same rules as run.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, output := args[0], args[1]
			ctx := cmd.Context()
			if !fsutil.IsDir(input) {
				return fmt.Errorf("input %s is not a directory", input)
			}

			if existing {
				if err := root.runBatch(ctx, input, output, f); err != nil {
					root.log.Error("initial batch failed", "error", err)
				}
			}

			w := root.watchFactory(input, settle, func(ctx context.Context, names []string) error {
				sel := intersect(names, f.frameNames)
				if len(sel) == 0 {
					return nil
				}
				batch := f
				batch.frameNames = sel
				return root.runBatch(ctx, input, output, batch)
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (settle %s), press Ctrl+C to stop\n", input, settle)
			return w.Run(ctx)
		},
	}
	bindBatchFlags(cmd, &f, root.cfg)
	cmd.Flags().DurationVar(&settle, "settle", root.cfg.Processing.Settle.Duration, "quiet period before pending frames are processed")
	cmd.Flags().BoolVar(&existing, "existing", false, "process the frames already present before watching")
	return cmd
}

func newInspectCmd(root *Root) *cobra.Command {
	var (
		writeText bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <model_dir>",
		Short: "Summarize a binary reconstruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if !colmap.BinaryExists(dir) {
				return fmt.Errorf("no binary model in %s", dir)
			}
			m, err := colmap.ReadBinary(dir)
			if err != nil {
				return err
			}
			inputs, err := frameImages(dir)
			if err != nil {
				return err
			}
			s := colmap.Summarize(m, inputs)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(s); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Model: %s\n", dir)
				fmt.Fprintf(out, "  Cameras:            %d\n", s.Cameras)
				if s.InputImages > 0 {
					fmt.Fprintf(out, "  Input images:       %d\n", s.InputImages)
				}
				fmt.Fprintf(out, "  Registered images:  %d\n", s.RegisteredImages)
				fmt.Fprintf(out, "  Points:             %d\n", s.Points3D)
				fmt.Fprintf(out, "  Observations:       %d\n", s.Observations)
				fmt.Fprintf(out, "  Mean obs per image: %.2f\n", s.MeanObservations)
				fmt.Fprintf(out, "  Mean track length:  %.2f\n", s.MeanTrackLength)
				fmt.Fprintf(out, "  Mean reproj error:  %.3fpx\n", s.MeanReprojError)
				if len(s.Unregistered) > 0 {
					fmt.Fprintf(out, "  Unregistered:       %s\n", strings.Join(s.Unregistered, " "))
				}
			}
			if writeText {
				if err := colmap.WriteText(dir, m); err != nil {
					return err
				}
				root.log.Info("text model written", "dir", dir)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&writeText, "write-text", false, "also write cameras.txt, images.txt and points3D.txt")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

// frameImages recovers the frame's image list from the pairs file next to a
// <output>/<folder>/refined model. A missing pairs file gives nil.
func frameImages(modelDir string) ([]string, error) {
	frameRoot := filepath.Dir(filepath.Clean(modelDir))
	l := pipeline.NewLayout(filepath.Dir(frameRoot), filepath.Base(frameRoot))
	ps, err := pairs.Read(l.Pairs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pairs.Images(ps), nil
}

func newToolsCmd(root *Root) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Check the interpreter and the SfM libraries",
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := root.toolFactory(root.cfg)
			status := tm.Status(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Interpreter: %s\n\n", root.cfg.Processing.Python)
			missing := 0
			for _, name := range tm.Names() {
				s := status[name]
				if s.Available {
					fmt.Fprintf(out, "  ✅ %-9s %s\n", name, s.Version)
					continue
				}
				missing++
				fmt.Fprintf(out, "  ❌ %-9s %v\n", name, s.Error)
			}
			if missing > 0 {
				fmt.Fprintf(out, "\n%d of %d tools unavailable\n", missing, len(tm.Names()))
				if strict {
					return fmt.Errorf("%d of %d tools unavailable", missing, len(tm.Names()))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when a tool is unavailable")
	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent batches and their frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("run ledger is not available")
			}
			runs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			for _, run := range runs {
				fmt.Fprintf(out, "%s  %-9s %s -> %s  %s\n", run.CreatedAt.Format(time.DateTime), run.Status, run.InputPath, run.OutputPath, run.ID)
				frames, err := root.store.FramesForRun(run.ID)
				if err != nil {
					return err
				}
				for _, fr := range frames {
					line := fmt.Sprintf("    %-12s %-9s %5.1fs", fr.Folder, fr.Status, float64(fr.DurationMS)/1000)
					if fr.Error != "" {
						line += "  " + fr.Error
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to show")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate sfmbatch configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n\n", configPath())
			data, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "✅ Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sfmbatch %s (%s)\n", Version, runtime.Version())
		},
	}
}
