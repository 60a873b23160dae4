package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"sfmbatch/internal/colmap"
	"sfmbatch/internal/frames"
	"sfmbatch/internal/fsutil"
	"sfmbatch/internal/logging"
	"sfmbatch/internal/storage"
)

// FrameStatus is the outcome of one frame in a batch.
type FrameStatus string

const (
	StatusSucceeded  FrameStatus = "succeeded"
	StatusFailed     FrameStatus = "failed"
	StatusNotReached FrameStatus = "not_reached"
)

// Options are per-frame switches.
type Options struct {
	EmitRaw bool `json:"emit_raw"`
}

// Job represents a single frame to process.
type Job struct {
	ID      string
	RunID   string
	Frame   frames.Frame
	Layout  Layout
	Options Options
	Index   int // 1-based position in the batch
	Total   int
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job
	Status   FrameStatus
	Images   int
	Summary  *colmap.Summary
	Error    error
	Duration time.Duration
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Request describes one batch.
type Request struct {
	RunID      string // generated when empty
	Input      string
	Output     string
	FrameNames []string
	EmitRaw    bool
	KeepGoing  bool
}

// Report lists every selected frame of a batch: processed ones in Results,
// the rest in NotReached, both in visiting order.
type Report struct {
	RunID      string
	Results    []Result
	NotReached []string
}

// Failed returns the results that did not succeed.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}

// Succeeded counts frames that produced a model.
func (r Report) Succeeded() int {
	return len(r.Results) - len(r.Failed())
}

// Err is nil when every frame succeeded.
func (r Report) Err() error {
	failed := r.Failed()
	switch len(failed) {
	case 0:
		return nil
	case 1:
		return failed[0].Error
	default:
		return fmt.Errorf("%d frames failed, first: %w", len(failed), failed[0].Error)
	}
}

// Pipeline runs batches of frames, one frame at a time.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	store     *storage.Store
	prefix    string
	batch     sync.Mutex
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline. prefix is stripped from frame folder names.
func New(logger *slog.Logger, store *storage.Store, prefix string, stages Stages) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		processor: newProcessor(logger, store, stages),
		log:       logger,
		store:     store,
		prefix:    prefix,
		subs:      make(map[int]chan Result),
	}
}

// Run enumerates the input root and processes the selected frames in
// lexicographic folder order. Unless KeepGoing is set the first failed frame
// halts the batch and later frames are neither started nor provisioned.
// The returned error is non-nil when any frame failed or the batch could not
// start; the report is filled in either way.
func (p *Pipeline) Run(ctx context.Context, req Request) (Report, error) {
	p.batch.Lock()
	defer p.batch.Unlock()

	if req.RunID == "" {
		req.RunID = NewRunID()
	}
	report := Report{RunID: req.RunID}

	selected, err := frames.Enumerate(req.Input, frames.Options{Prefix: p.prefix, Names: req.FrameNames}, p.log)
	if err != nil {
		return report, err
	}

	optsJSON, _ := json.Marshal(Options{EmitRaw: req.EmitRaw})
	p.ledger(p.store.RecordRunStart(storage.RunRecord{
		ID:          req.RunID,
		InputPath:   req.Input,
		OutputPath:  req.Output,
		FrameFilter: req.FrameNames,
		OptionsJSON: string(optsJSON),
	}))

	p.log.Info("batch started",
		"run", req.RunID,
		"input", req.Input,
		"output", req.Output,
		"frames", len(selected),
		"emit_raw", req.EmitRaw,
		"keep_going", req.KeepGoing,
	)

	if err := fsutil.EnsureDir(req.Output); err != nil {
		p.finish(report, "failed", err)
		return report, err
	}

	for i, f := range selected {
		if ctx.Err() != nil {
			report.NotReached = folderNames(selected[i:])
			break
		}
		job := Job{
			ID:      req.RunID + "-" + f.Name,
			RunID:   req.RunID,
			Frame:   f,
			Layout:  NewLayout(req.Output, f.FolderName),
			Options: Options{EmitRaw: req.EmitRaw},
			Index:   i + 1,
			Total:   len(selected),
		}
		res := p.ProcessFrame(ctx, job)
		report.Results = append(report.Results, res)
		if res.Status == StatusFailed && !req.KeepGoing {
			report.NotReached = folderNames(selected[i+1:])
			break
		}
	}

	err = report.Err()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	status := "completed"
	switch {
	case ctx.Err() != nil:
		status = "canceled"
	case err != nil:
		status = "failed"
	}
	p.finish(report, status, err)
	return report, err
}

func (p *Pipeline) finish(report Report, status string, err error) {
	p.ledger(p.store.RecordRunResult(report.RunID, status, errString(err)))
	p.log.Info("batch finished",
		"run", report.RunID,
		"status", status,
		"succeeded", report.Succeeded(),
		"failed", len(report.Failed()),
		"not_reached", len(report.NotReached),
	)
}

// ProcessFrame runs one job and records its outcome.
func (p *Pipeline) ProcessFrame(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogFrameStart(p.log, job.RunID, job.Frame.Name, job.Index, job.Total, job.Frame.ImageDir, job.Layout.Root)
	p.ledger(p.store.RecordFrameStart(job.RunID, job.Frame.Name, job.Frame.FolderName))

	res := p.processor.Process(ctx, job)
	res.Job = job
	res.Duration = time.Since(start)

	if res.Error != nil {
		res.Status = StatusFailed
		logging.LogFrameError(p.log, job.RunID, job.Frame.Name, res.Duration, res.Error)
	} else {
		res.Status = StatusSucceeded
		var summary any
		if res.Summary != nil {
			summary = res.Summary.String()
		}
		logging.LogFrameComplete(p.log, job.RunID, job.Frame.Name, res.Duration, summary)
	}
	p.ledger(p.store.RecordFrameResult(job.RunID, job.Frame.Name, string(res.Status), res.Images, res.Summary, res.Duration, errString(res.Error)))

	p.broadcast(res)
	return res
}

// Subscribe returns a channel for receiving frame results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

func (p *Pipeline) ledger(err error) {
	if err != nil {
		p.log.Warn("ledger write failed", "error", err)
	}
}

// NewRunID returns an id like "run-20240102T150405-0042".
func NewRunID() string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("run-%s-%04d", ts, rand.Intn(10000))
}

func folderNames(fs []frames.Frame) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.FolderName
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// StageError wraps the failure of one stage of a frame.
type StageError struct {
	Frame string
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("frame %s: %s: %v", e.Frame, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the stage name carried by err, if any.
func FailedStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
