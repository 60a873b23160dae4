package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sfmbatch/internal/colmap"
	"sfmbatch/internal/config"
	"sfmbatch/internal/frames"
	"sfmbatch/internal/hloc"
	"sfmbatch/internal/pairs"
	"sfmbatch/internal/pipeline"
	"sfmbatch/internal/storage"
	"sfmbatch/internal/watch"

	"github.com/google/go-cmp/cmp"
)

type fakePipeline struct {
	mu     sync.Mutex
	reqs   []pipeline.Request
	report pipeline.Report
	err    error
	subs   []chan pipeline.Result
}

func (f *fakePipeline) Run(ctx context.Context, req pipeline.Request) (pipeline.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	rep := f.report
	if rep.RunID == "" {
		rep.RunID = "run-test"
	}
	for _, res := range rep.Results {
		for _, ch := range f.subs {
			ch <- res
		}
	}
	return rep, f.err
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 8)
	f.subs = append(f.subs, ch)
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		close(ch)
		f.subs = nil
	}
}

type stubToolManager struct {
	status map[string]hloc.ToolStatus
}

func (m *stubToolManager) Status(ctx context.Context) map[string]hloc.ToolStatus {
	return m.status
}

func (m *stubToolManager) Names() []string {
	return []string{"python", "hloc", "pycolmap", "pixsfm"}
}

type stubWatcher struct {
	root    string
	settle  time.Duration
	handle  watch.Handler
	batches [][]string
}

// Run delivers the configured batches as if they had settled.
func (w *stubWatcher) Run(ctx context.Context) error {
	for _, b := range w.batches {
		if err := w.handle(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fp := &fakePipeline{}
	out := &bytes.Buffer{}
	root := &Root{
		pipeline: fp,
		cfg:      config.Default(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		store:    store,
		toolFactory: func(*config.Config) toolManager {
			return &stubToolManager{status: map[string]hloc.ToolStatus{
				"python":   {Available: true, Version: "Python 3.10.12"},
				"hloc":     {Available: true, Version: "1.4"},
				"pycolmap": {Available: true, Version: "0.4.0"},
				"pixsfm":   {Error: errors.New("No module named 'pixsfm'")},
			}}
		},
		out:    out,
		errOut: io.Discard,
	}
	return root, fp, out
}

func sampleReport() pipeline.Report {
	job := func(folder, name string, i int) pipeline.Job {
		return pipeline.Job{Frame: frames.Frame{FolderName: folder, Name: name}, Index: i, Total: 3}
	}
	return pipeline.Report{
		RunID: "run-20240101T000000-0001",
		Results: []pipeline.Result{
			{
				Job:     job("frameA", "A", 1),
				Status:  pipeline.StatusSucceeded,
				Summary: &colmap.Summary{InputImages: 38, RegisteredImages: 37, Points3D: 5120, MeanTrackLength: 4.5, MeanReprojError: 0.8, Unregistered: []string{"cam12.png"}},
			},
			{
				Job:    job("frameB", "B", 2),
				Status: pipeline.StatusFailed,
				Error:  &pipeline.StageError{Frame: "B", Stage: pipeline.StageMatch, Err: errors.New("matcher crashed")},
			},
		},
		NotReached: []string{"frameC"},
	}
}

func TestRootArgsRunBatch(t *testing.T) {
	root, fp, _ := newTestRoot(t)

	if err := root.Run(context.Background(), []string{"/data", "/out", "--frame_names", "A,B"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want := pipeline.Request{Input: "/data", Output: "/out", FrameNames: []string{"A", "B"}}
	if diff := cmp.Diff([]pipeline.Request{want}, fp.reqs); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCommandFlags(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want pipeline.Request
	}{
		{
			"space separated names",
			[]string{"run", "/data", "/out", "--frame_names", "A", "B", "C"},
			pipeline.Request{Input: "/data", Output: "/out", FrameNames: []string{"A", "B", "C"}},
		},
		{
			"repeated names",
			[]string{"run", "--frame_names", "A", "--frame_names", "B", "/data", "/out"},
			pipeline.Request{Input: "/data", Output: "/out", FrameNames: []string{"A", "B"}},
		},
		{
			"raw and keep going",
			[]string{"run", "/data", "/out", "--emit-raw", "--keep-going"},
			pipeline.Request{Input: "/data", Output: "/out", EmitRaw: true, KeepGoing: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root, fp, _ := newTestRoot(t)
			if err := root.Run(context.Background(), tc.args); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if diff := cmp.Diff([]pipeline.Request{tc.want}, fp.reqs); diff != "" {
				t.Fatalf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunValidatesArguments(t *testing.T) {
	root, fp, _ := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"run", "/data"}); err == nil {
		t.Fatalf("expected error for missing output")
	}
	if err := root.Run(context.Background(), []string{"run", "/data", "/out", "extra"}); err == nil {
		t.Fatalf("expected error for stray argument")
	}
	if err := root.Run(context.Background(), []string{"/data"}); err == nil {
		t.Fatalf("expected error for a single root argument")
	}
	if err := root.Run(context.Background(), []string{}); err != nil {
		t.Fatalf("expected nil for empty args showing usage, got %v", err)
	}
	if len(fp.reqs) != 0 {
		t.Fatalf("no batch should run, got %d", len(fp.reqs))
	}
}

func TestRunPrintsProgressAndReport(t *testing.T) {
	root, fp, out := newTestRoot(t)
	fp.report = sampleReport()
	fp.err = fp.report.Err()

	err := root.Run(context.Background(), []string{"run", "/data", "/out"})
	if pipeline.FailedStage(err) != pipeline.StageMatch {
		t.Fatalf("expected the match failure to surface, got %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"[1/3] frameA succeeded",
		"37/38 images registered",
		"[2/3] frameB failed",
		"1 succeeded, 1 failed, 1 not reached",
		"unregistered: cam12.png",
		"frame B: match: matcher crashed",
		"frameC",
		"not_reached",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestWatchRunsSettledFramesThroughFilter(t *testing.T) {
	root, fp, _ := newTestRoot(t)
	var sw *stubWatcher
	root.watchFactory = func(dir string, settle time.Duration, handle watch.Handler) watchRunner {
		sw = &stubWatcher{root: dir, settle: settle, handle: handle, batches: [][]string{{"A", "B"}, {"C"}}}
		return sw
	}

	input := t.TempDir()
	args := []string{"watch", input, "/out", "--settle", "5s", "--frame_names", "B,C", "--emit-raw"}
	if err := root.Run(context.Background(), args); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if sw.root != input || sw.settle != 5*time.Second {
		t.Fatalf("unexpected watcher setup %+v", sw)
	}
	want := []pipeline.Request{
		{Input: input, Output: "/out", FrameNames: []string{"B"}, EmitRaw: true},
		{Input: input, Output: "/out", FrameNames: []string{"C"}, EmitRaw: true},
	}
	if diff := cmp.Diff(want, fp.reqs); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestWatchExistingRunsInitialBatch(t *testing.T) {
	root, fp, _ := newTestRoot(t)
	root.watchFactory = func(dir string, settle time.Duration, handle watch.Handler) watchRunner {
		return &stubWatcher{handle: handle}
	}
	if err := root.Run(context.Background(), []string{"watch", t.TempDir(), "/out", "--existing"}); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if len(fp.reqs) != 1 || fp.reqs[0].FrameNames != nil {
		t.Fatalf("expected one unfiltered initial batch, got %+v", fp.reqs)
	}
}

func TestWatchRejectsMissingInput(t *testing.T) {
	root, _, _ := newTestRoot(t)
	missing := filepath.Join(t.TempDir(), "absent")
	if err := root.Run(context.Background(), []string{"watch", missing, "/out"}); err == nil {
		t.Fatalf("expected error for a missing input directory")
	}
}

func TestInspectRequiresBinaryModel(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"inspect", t.TempDir()}); err == nil {
		t.Fatalf("expected error for a directory without a model")
	}
}

func TestInspectSummarizesAndWritesText(t *testing.T) {
	root, _, out := newTestRoot(t)
	dir := t.TempDir()

	pinhole, _ := colmap.ModelByName("PINHOLE")
	m := colmap.NewModel()
	m.Cameras[1] = colmap.Camera{ID: 1, Model: pinhole, Width: 640, Height: 480, Params: []float64{500, 500, 320, 240}}
	for id := uint32(1); id <= 2; id++ {
		m.Images[id] = colmap.Image{ID: id, QVec: [4]float64{1, 0, 0, 0}, CameraID: 1, Name: "cam.png",
			Points2D: []colmap.Point2D{{X: 1, Y: 2, Point3DID: 9}}}
	}
	m.Points3D[9] = colmap.Point3D{ID: 9, Error: 0.25, Track: []colmap.TrackElement{{ImageID: 1}, {ImageID: 2}}}
	if err := colmap.WriteBinary(dir, m); err != nil {
		t.Fatal(err)
	}

	if err := root.Run(context.Background(), []string{"inspect", dir, "--write-text"}); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if !strings.Contains(out.String(), "Registered images:  2") || !strings.Contains(out.String(), "Mean track length:  2.00") {
		t.Fatalf("unexpected inspect output:\n%s", out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, colmap.ImagesTxt)); err != nil {
		t.Fatalf("expected text model: %v", err)
	}

	if err := root.Run(context.Background(), []string{"inspect", t.TempDir()}); err == nil {
		t.Fatalf("expected error for a directory without a model")
	}
}

func TestInspectReportsUnregisteredFromPairs(t *testing.T) {
	root, _, out := newTestRoot(t)
	frameDir := filepath.Join(t.TempDir(), "frameA")
	modelDir := filepath.Join(frameDir, "refined")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		t.Fatal(err)
	}

	pinhole, _ := colmap.ModelByName("PINHOLE")
	m := colmap.NewModel()
	m.Cameras[1] = colmap.Camera{ID: 1, Model: pinhole, Width: 640, Height: 480, Params: []float64{500, 500, 320, 240}}
	m.Images[1] = colmap.Image{ID: 1, QVec: [4]float64{1, 0, 0, 0}, CameraID: 1, Name: "cam00.png"}
	m.Images[2] = colmap.Image{ID: 2, QVec: [4]float64{1, 0, 0, 0}, CameraID: 1, Name: "cam01.png"}
	if err := colmap.WriteBinary(modelDir, m); err != nil {
		t.Fatal(err)
	}
	ps, _ := pairs.Exhaustive([]string{"cam00.png", "cam01.png", "cam02.png"})
	if err := pairs.Write(filepath.Join(frameDir, "pairs.txt"), ps); err != nil {
		t.Fatal(err)
	}

	if err := root.Run(context.Background(), []string{"inspect", modelDir}); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	for _, want := range []string{"Input images:       3", "Registered images:  2", "Unregistered:       cam02.png"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestToolsListsStatus(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"tools"}); err != nil {
		t.Fatalf("tools failed: %v", err)
	}
	got := out.String()
	for _, want := range []string{"✅ python", "Python 3.10.12", "❌ pixsfm", "1 of 4 tools unavailable"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if err := root.Run(context.Background(), []string{"tools", "--strict"}); err == nil {
		t.Fatalf("expected --strict to fail with a missing tool")
	}
}

func TestHistoryListsRuns(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"history"}); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out.String(), "No runs recorded") {
		t.Fatalf("unexpected empty history output %q", out.String())
	}

	_ = root.store.RecordRunStart(storage.RunRecord{ID: "run-7", InputPath: "/data", OutputPath: "/out"})
	_ = root.store.RecordFrameStart("run-7", "A", "frameA")
	_ = root.store.RecordFrameResult("run-7", "A", "failed", 38, nil, 2*time.Second, "frame A: extract: boom")
	_ = root.store.RecordRunResult("run-7", "failed", "frame A: extract: boom")

	out.Reset()
	if err := root.Run(context.Background(), []string{"history", "--limit", "5"}); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	got := out.String()
	for _, want := range []string{"run-7", "/data -> /out", "frameA", "frame A: extract: boom"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	root, _, _ := newTestRoot(t)
	root.store = nil
	if err := root.Run(context.Background(), []string{"history"}); err == nil {
		t.Fatalf("expected error without a ledger")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"config", "show"}); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out.String(), `"features": "superpoint_aachen"`) {
		t.Fatalf("config show missing presets:\n%s", out.String())
	}
	if err := root.Run(context.Background(), []string{"config", "validate"}); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	root.cfg.Presets.CameraModel = "FISHEYE42"
	if err := root.Run(context.Background(), []string{"config", "validate"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestVersion(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "sfmbatch "+Version) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestIntersect(t *testing.T) {
	if diff := cmp.Diff([]string{"A", "C"}, intersect([]string{"A", "B", "C"}, []string{"C", "A", "Z"})); diff != "" {
		t.Fatalf("intersect mismatch (-want +got):\n%s", diff)
	}
	if got := intersect([]string{"A"}, nil); len(got) != 1 {
		t.Fatalf("empty filter should keep everything, got %v", got)
	}
}
