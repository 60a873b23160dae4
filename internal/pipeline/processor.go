package pipeline

import (
	"context"
	"log/slog"
	"time"

	"sfmbatch/internal/colmap"
	"sfmbatch/internal/frames"
	"sfmbatch/internal/fsutil"
	"sfmbatch/internal/hloc"
	"sfmbatch/internal/logging"
	"sfmbatch/internal/pairs"
	"sfmbatch/internal/storage"
)

// Stage names as logged and stored.
const (
	StageProvision      = "provision"
	StageInventory      = "inventory"
	StageExtract        = "extract"
	StagePairs          = "pairs"
	StageMatch          = "match"
	StageReconstruct    = "reconstruct"
	StageReconstructRaw = "reconstruct_raw"
	StageExport         = "export"
	StageExportRaw      = "export_raw"
)

// Stages are the services a frame goes through. Prober may be nil.
type Stages struct {
	Extractor     hloc.Extractor
	Matcher       hloc.Matcher
	Reconstructor hloc.Reconstructor
	Prober        frames.Prober
}

// modelRun is one reconstruction of a frame and where it is written.
type modelRun struct {
	stage  string
	export string
	dir    string
	refine bool
}

// processor implements Processor by calling each stage in order.
type processor struct {
	log    *slog.Logger
	store  *storage.Store
	stages Stages
}

func newProcessor(logger *slog.Logger, store *storage.Store, stages Stages) Processor {
	return &processor{log: logger, store: store, stages: stages}
}

func (p *processor) Process(ctx context.Context, job Job) Result {
	res := Result{Job: job}
	l := job.Layout

	err := p.stage(ctx, job, StageProvision, func() error {
		for _, dir := range l.Dirs(job.Options.EmitRaw) {
			if err := fsutil.EnsureDir(dir); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		res.Error = err
		return res
	}

	var inv frames.Inventory
	err = p.stage(ctx, job, StageInventory, func() error {
		var err error
		inv, err = frames.TakeInventory(job.Frame, p.stages.Prober)
		return err
	})
	if err != nil {
		res.Error = err
		return res
	}
	res.Images = len(inv.Names)

	err = p.stage(ctx, job, StageExtract, func() error {
		return p.stages.Extractor.Extract(ctx, hloc.ExtractRequest{
			ImageDir:    job.Frame.ImageDir,
			ImageList:   inv.Names,
			FeaturePath: l.Features,
		})
	})
	if err != nil {
		res.Error = err
		return res
	}

	err = p.stage(ctx, job, StagePairs, func() error {
		ps, err := pairs.Exhaustive(inv.Names)
		if err != nil {
			return err
		}
		return pairs.Write(l.Pairs, ps)
	})
	if err != nil {
		res.Error = err
		return res
	}

	err = p.stage(ctx, job, StageMatch, func() error {
		return p.stages.Matcher.Match(ctx, hloc.MatchRequest{
			PairsPath:   l.Pairs,
			FeaturePath: l.Features,
			MatchPath:   l.Matches,
		})
	})
	if err != nil {
		res.Error = err
		return res
	}

	// the refined model is exported before the raw pass starts, so a raw
	// failure leaves a complete refined model behind
	models := []modelRun{{StageReconstruct, StageExport, l.Refined, true}}
	if job.Options.EmitRaw {
		models = append(models, modelRun{StageReconstructRaw, StageExportRaw, l.Raw, false})
	}
	for _, m := range models {
		err = p.stage(ctx, job, m.stage, func() error {
			_, err := p.stages.Reconstructor.Reconstruct(ctx, hloc.ReconstructRequest{
				OutputDir:   m.dir,
				ImageDir:    job.Frame.ImageDir,
				ImageList:   inv.Names,
				PairsPath:   l.Pairs,
				FeaturePath: l.Features,
				MatchPath:   l.Matches,
				Refine:      m.refine,
			})
			return err
		})
		if err != nil {
			res.Error = err
			return res
		}

		err = p.stage(ctx, job, m.export, func() error {
			model, err := colmap.ReadBinary(m.dir)
			if err != nil {
				return err
			}
			if err := colmap.WriteText(m.dir, model); err != nil {
				return err
			}
			if m.refine {
				s := colmap.Summarize(model, inv.Names)
				res.Summary = &s
			}
			return nil
		})
		if err != nil {
			res.Error = err
			return res
		}
	}
	return res
}

// stage runs fn as the named stage, logging and recording it. Failures come
// back as *StageError.
func (p *processor) stage(ctx context.Context, job Job, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Frame: job.Frame.Name, Stage: name, Err: err}
	}
	logging.LogStage(p.log, job.Frame.Name, name, "started", nil)
	start := time.Now()
	err := fn()
	dur := time.Since(start)

	ev := storage.StageEvent{
		RunID:      job.RunID,
		Frame:      job.Frame.Name,
		Stage:      name,
		Status:     "completed",
		DurationMS: dur.Milliseconds(),
	}
	if err != nil {
		ev.Status = "failed"
		ev.Error = err.Error()
		logging.LogStage(p.log, job.Frame.Name, name, "failed", map[string]any{"error": err.Error(), "duration_ms": dur.Milliseconds()})
	} else {
		logging.LogStage(p.log, job.Frame.Name, name, "completed", map[string]any{"duration_ms": dur.Milliseconds()})
	}
	if serr := p.store.RecordStage(ev); serr != nil {
		p.log.Warn("ledger write failed", "error", serr)
	}

	if err != nil {
		return &StageError{Frame: job.Frame.Name, Stage: name, Err: err}
	}
	return nil
}
