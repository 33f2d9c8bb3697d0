package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/neuronalign/export"
	"github.com/janelia-flyem/neuronalign/morph"
	"github.com/janelia-flyem/neuronalign/source"
	"github.com/janelia-flyem/neuronalign/state"
	"github.com/janelia-flyem/neuronalign/template"
	"github.com/janelia-flyem/neuronalign/worklist"
	"github.com/janelia-flyem/neuronalign/xform"
)

// DefaultDirPrefix names neuron directories in the default layout <root>/<template>/<prefix>_<id>.
const DefaultDirPrefix = "BANC"

// NeuronState is the per-run processing state of a neuron.
type NeuronState uint8

const (
	Pending NeuronState = iota
	InProgress
	Succeeded
	Failed
	Skipped
)

func (s NeuronState) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// NeuronError is a per-neuron failure with its class.
type NeuronError struct {
	Class state.ErrorClass
	Err   error
}

func (e *NeuronError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *NeuronError) Unwrap() error {
	return e.Err
}

func neuronError(class state.ErrorClass, err error) *NeuronError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		class = state.ClassInterrupted
	}
	return &NeuronError{Class: class, Err: err}
}

// Options controls a run.
type Options struct {
	Root         string
	Formats      []export.Format
	Workers      int
	SkipExisting bool
	DryRun       bool
	DirPrefix    string
}

// Components are the collaborators of an Orchestrator.
type Components struct {
	Catalog     *template.Catalog
	Classifier  template.Classifier
	Source      source.Source
	Transformer *xform.Transformer
	Exporter    *export.Exporter
	Store       *state.Store
}

// Orchestrator runs batches.
type Orchestrator struct {
	opts Options
	Components

	mu     sync.Mutex
	states map[morph.NeuronID]NeuronState
}

// NewOrchestrator checks options and components.  The store must already be loaded.
func NewOrchestrator(opts Options, c Components) (*Orchestrator, error) {
	if len(opts.Formats) == 0 {
		return nil, fmt.Errorf("no output formats requested")
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("no output root")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.DirPrefix == "" {
		opts.DirPrefix = DefaultDirPrefix
	}
	if c.Catalog == nil || c.Store == nil {
		return nil, fmt.Errorf("catalog and state store are required")
	}
	if !opts.DryRun && (c.Source == nil || c.Transformer == nil || c.Exporter == nil) {
		return nil, fmt.Errorf("source, transformer and exporter are required unless dry run")
	}
	if c.Classifier == (template.Classifier{}) {
		c.Classifier = template.DefaultClassifier()
	}
	opts.Formats = append([]export.Format(nil), opts.Formats...)
	export.SortFormats(opts.Formats)
	return &Orchestrator{
		opts:       opts,
		Components: c,
		states:     make(map[morph.NeuronID]NeuronState),
	}, nil
}

// State returns the processing state of a neuron in the current or last run.
func (o *Orchestrator) State(id morph.NeuronID) NeuronState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[id]
}

func (o *Orchestrator) setState(id morph.NeuronID, s NeuronState) {
	o.mu.Lock()
	o.states[id] = s
	o.mu.Unlock()
}

func (o *Orchestrator) formatNames() []string {
	names := make([]string, len(o.opts.Formats))
	for i, f := range o.opts.Formats {
		names[i] = string(f)
	}
	return names
}

// Summary is the outcome of one run.
type Summary struct {
	Total       int
	Succeeded   int
	Failed      int
	Skipped     int
	Interrupted int
	Unaligned   int
	Bytes       uint64
	Elapsed     time.Duration
	Failures    []state.Record
}

func (s *Summary) String() string {
	return fmt.Sprintf("%d neurons: %d succeeded (%d unaligned), %d failed, %d skipped, %d interrupted; wrote %s in %s",
		s.Total, s.Succeeded, s.Unaligned, s.Failed, s.Skipped, s.Interrupted,
		humanize.Bytes(s.Bytes), s.Elapsed.Round(time.Millisecond))
}

// Run processes the entries and returns a summary.  The error is non-nil only if the
// state store failed; the summary then covers the neurons finished before that.
func (o *Orchestrator) Run(ctx context.Context, entries []worklist.Entry) (*Summary, error) {
	start := time.Now()
	sum := &Summary{Total: len(entries)}
	if o.opts.DryRun {
		o.dryRun(entries, sum)
		sum.Elapsed = time.Since(start)
		morph.Infof("Dry run: %s", sum)
		return sum, nil
	}
	morph.Infof("Processing %d neurons with %d workers, formats %s, stage-1 backend %s",
		len(entries), o.opts.Workers, export.FormatsString(o.opts.Formats), o.Transformer.Backend())

	var sumMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	formats := o.formatNames()
	for _, e := range entries {
		if gctx.Err() != nil {
			break
		}
		o.setState(e.Neuron, Pending)
		if o.opts.SkipExisting && o.Store.IsDone(e.Neuron, formats) {
			morph.Debugf("Skipping neuron %s, already done", e.Neuron)
			o.setState(e.Neuron, Skipped)
			sumMu.Lock()
			sum.Skipped++
			sumMu.Unlock()
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			rec, written := o.process(gctx, e)
			o.Store.Record(rec)
			sumMu.Lock()
			sum.Bytes += uint64(written)
			switch rec.Outcome {
			case state.Succeeded:
				sum.Succeeded++
				if rec.Unaligned {
					sum.Unaligned++
				}
			case state.Failed:
				sum.Failed++
				sum.Failures = append(sum.Failures, rec)
			default:
				sum.Interrupted++
			}
			sumMu.Unlock()
			if err := o.Store.Persist(context.WithoutCancel(gctx)); err != nil {
				morph.Criticalf("State store failed after neuron %s: %v", e.Neuron, err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	sum.Elapsed = time.Since(start)
	if ctx.Err() != nil {
		morph.Warningf("Run interrupted; in-flight neurons left pending")
	}
	morph.Infof("Run finished: %s", sum)
	morph.Infof("State: %s", o.Store.Summary())
	for _, rec := range sum.Failures {
		morph.Infof("  failed %s [%s]: %s", rec.ID, rec.ErrorClass, rec.Error)
	}
	return sum, err
}

func (o *Orchestrator) dryRun(entries []worklist.Entry, sum *Summary) {
	formats := o.formatNames()
	for _, e := range entries {
		spec, explicit, err := o.lookupTemplate(e)
		switch {
		case err != nil:
			morph.Infof("[dry run] neuron %s: %v", e.Neuron, err)
			sum.Failed++
			continue
		case !explicit:
			morph.Infof("[dry run] neuron %s: template chosen by region after fetch", e.Neuron)
		default:
			morph.Infof("[dry run] neuron %s: template %s -> %s", e.Neuron, spec.Name, o.outputDir(e, spec))
		}
		if o.opts.SkipExisting && o.Store.IsDone(e.Neuron, formats) {
			morph.Infof("[dry run] neuron %s: would skip, already done", e.Neuron)
			sum.Skipped++
		}
	}
}

// lookupTemplate resolves the template of an entry.  explicit is false when the template
// must be chosen from the classified region.
func (o *Orchestrator) lookupTemplate(e worklist.Entry) (spec template.Spec, explicit bool, err error) {
	hint := e.TemplateHint()
	if hint == "" {
		return spec, false, nil
	}
	if spec, found := o.Catalog.Lookup(hint); found {
		return spec, true, nil
	}
	if e.Template == "" {
		// the hint came from the folder name, which need not be a template
		return spec, false, nil
	}
	return spec, false, fmt.Errorf("unknown template %q", e.Template)
}

func (o *Orchestrator) outputDir(e worklist.Entry, spec template.Spec) string {
	if e.Folder != "" {
		return worklist.ResolveFolder(o.opts.Root, e.Folder)
	}
	return filepath.Join(o.opts.Root, spec.Name, fmt.Sprintf("%s_%s", o.opts.DirPrefix, e.Neuron))
}

// process runs one neuron and returns its record and the number of bytes written.
func (o *Orchestrator) process(ctx context.Context, e worklist.Entry) (state.Record, int64) {
	o.setState(e.Neuron, InProgress)
	timedLog := morph.NeuronLog(e.Neuron)
	rec := state.Record{ID: e.Neuron.String()}

	res, tg, nerr := o.runPipeline(ctx, e)
	var written int64
	if res != nil {
		written = res.Bytes
	}
	switch {
	case nerr == nil:
		rec.Outcome = state.Succeeded
		rec.Template = tg.Template.ID
		rec.Unaligned = tg.Unaligned
		for _, f := range res.Written {
			rec.Formats = append(rec.Formats, string(f))
		}
		for _, f := range res.FailedFormats() {
			rec.FormatsFailed = append(rec.FormatsFailed, string(f))
		}
		rec.Files = res.Paths()
		o.setState(e.Neuron, Succeeded)
		timedLog.Infof("succeeded in %s", tg.Space())
	case nerr.Class == state.ClassInterrupted:
		rec.Outcome = state.Pending
		rec.ErrorClass = nerr.Class
		rec.Error = nerr.Err.Error()
		o.setState(e.Neuron, Pending)
		morph.Warningf("Neuron %s interrupted: %v", e.Neuron, nerr.Err)
	default:
		rec.Outcome = state.Failed
		rec.ErrorClass = nerr.Class
		rec.Error = nerr.Err.Error()
		if res != nil {
			// export failed after writing some files
			rec.Files = res.Paths()
		}
		o.setState(e.Neuron, Failed)
		timedLog.Errorf("failed: %v", nerr)
	}
	return rec, written
}

func (o *Orchestrator) runPipeline(ctx context.Context, e worklist.Entry) (*export.Result, *xform.TransformedGeometry, *NeuronError) {
	spec, explicit, err := o.lookupTemplate(e)
	if err != nil {
		return nil, nil, neuronError(state.ClassClassify, err)
	}

	skel, err := o.Source.FetchSkeleton(ctx, e.Neuron)
	if err != nil {
		return nil, nil, neuronError(state.ClassFetch, err)
	}
	mesh, err := o.Source.FetchMesh(ctx, e.Neuron)
	switch {
	case err == nil:
	case errors.Is(err, source.ErrNotFound):
		morph.Debugf("Neuron %s has no precomputed mesh", e.Neuron)
		mesh = nil
	case ctx.Err() != nil:
		return nil, nil, neuronError(state.ClassInterrupted, ctx.Err())
	default:
		morph.Warningf("Neuron %s: mesh fetch failed, continuing without mesh: %v", e.Neuron, err)
		mesh = nil
	}

	cls := o.Classifier.Classify(skel)
	morph.Debugf("Neuron %s: centroid %.0f, %.0f%% of nodes in brain, region %s",
		e.Neuron, cls.Centroid, 100*cls.BrainFraction, cls.Region)
	if !explicit {
		var found bool
		if spec, found = o.Catalog.ForRegion(cls.Region); !found {
			return nil, nil, neuronError(state.ClassClassify, fmt.Errorf("no template for region %s", cls.Region))
		}
	}

	tg, err := o.Transformer.Transform(ctx, xform.Geometry{Skeleton: skel, Mesh: mesh}, cls.Region, spec)
	if err != nil {
		return nil, nil, neuronError(state.ClassTransform, err)
	}

	res, err := o.Exporter.Export(ctx, export.Job{
		Neuron:        e.Neuron,
		Geometry:      tg,
		Formats:       o.opts.Formats,
		Dir:           o.outputDir(e, spec),
		BrainFraction: cls.BrainFraction,
	})
	if err != nil {
		return res, tg, neuronError(state.ClassExport, err)
	}
	return res, tg, nil
}
