// Command-line driver that aligns connectome neurons into unisex template spaces.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/twinj/uuid"

	"github.com/janelia-flyem/neuronalign/batch"
	"github.com/janelia-flyem/neuronalign/config"
	"github.com/janelia-flyem/neuronalign/export"
	"github.com/janelia-flyem/neuronalign/morph"
	"github.com/janelia-flyem/neuronalign/source"
	"github.com/janelia-flyem/neuronalign/state"
	"github.com/janelia-flyem/neuronalign/template"
	"github.com/janelia-flyem/neuronalign/worklist"
	"github.com/janelia-flyem/neuronalign/xform"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// TOML configuration file.
	configFile = flag.String("config", "", "")

	// Comma or space separated neuron ids.
	ids = flag.String("ids", "", "")

	// Worklist file of JSON lines or tab-separated rows.
	worklistFile = flag.String("worklist", "", "")

	// Process at most this many neurons.
	limit = flag.Int("limit", 0, "")

	// Override [output] formats.
	formats = flag.String("formats", "", "")

	// Override [output] root.
	outputRoot = flag.String("output", "", "")

	// Override [batch] workers.
	workers = flag.Int("workers", 0, "")

	// Reprocess neurons recorded as done.
	noSkip = flag.Bool("no-skip-existing", false, "")

	// Route and log without fetching or writing.
	dryRun = flag.Bool("dry-run", false, "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")
)

const helpMessage = `
neuronalign transforms connectome neurons into unisex template spaces and exports
skeletons (SWC), meshes (OBJ) and volumes (NRRD) with provenance metadata.

Usage: neuronalign [options] [command]

      -config     =string   TOML configuration file.
      -ids        =string   Comma or space separated neuron ids.
      -worklist   =string   Worklist file: JSON lines or tab-separated id, template, folder.
      -limit      =number   Process at most this many neurons.
      -formats    =string   Output formats, e.g., "swc,obj,nrrd" or "all".
      -output     =string   Output root directory.
      -workers    =number   Number of neurons processed concurrently.
      -no-skip-existing     Reprocess neurons already recorded as done.
      -dry-run    (flag)    Route neurons and log plans without fetching or writing.
      -cpuprofile =string   Write CPU profile to this file.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	run       (default) process the neurons given by -ids and/or -worklist
	status    summarize the processing state of the output root
	version   print the pipeline version
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() { fmt.Print(helpMessage) }
	flag.Parse()

	cmd := "run"
	if flag.NArg() >= 1 {
		cmd = strings.ToLower(flag.Arg(0))
	}
	if *showHelp || cmd == "help" {
		flag.Usage()
		os.Exit(0)
	}
	if cmd == "version" {
		fmt.Printf("neuronalign %s\n", morph.Version)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Logging.Install(); err != nil {
		fmt.Fprintf(os.Stderr, "Logging error: %v\n", err)
		os.Exit(2)
	}
	defer morph.Shutdown()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		err = run(ctx, cfg)
	case "status":
		err = status(ctx, cfg)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		morph.Criticalf("%v", err)
		morph.Shutdown()
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return nil, err
		}
	}
	if *runVerbose {
		cfg.Logging.Verbose = true
	}
	if *formats != "" {
		cfg.Output.Formats = *formats
	}
	if *outputRoot != "" {
		cfg.Output.Root = *outputRoot
	}
	if *workers > 0 {
		cfg.Batch.Workers = *workers
	}
	if *noSkip {
		skip := false
		cfg.Batch.SkipExisting = &skip
	}
	root, err := filepath.Abs(cfg.Output.Root)
	if err != nil {
		return nil, err
	}
	cfg.Output.Root = root
	return cfg, cfg.Validate()
}

func openStore(ctx context.Context, cfg *config.Config, runID string) (*state.Store, error) {
	if err := os.MkdirAll(cfg.Output.Root, 0755); err != nil {
		return nil, err
	}
	backend, err := state.OpenBackend(cfg.Batch.StateBackend, cfg.StatePath())
	if err != nil {
		return nil, err
	}
	store := state.NewStore(backend, runID)
	if err := store.Load(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("can't load processing state %s: %w", cfg.StatePath(), err)
	}
	return store, nil
}

func readWorklist() ([]worklist.Entry, error) {
	var entries []worklist.Entry
	if *ids != "" {
		fromIDs, err := worklist.FromIDs(*ids)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fromIDs...)
	}
	if *worklistFile != "" {
		fromFile, err := worklist.ReadFile(*worklistFile)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fromFile...)
	}
	if len(entries) == 0 {
		return nil, errors.New("no neurons given; use -ids or -worklist")
	}
	return worklist.Limit(worklist.Dedupe(entries), *limit), nil
}

func openSource(ctx context.Context, cfg *config.Config) (*source.Retrying, error) {
	if cfg.Source.Skeletons == "" {
		return nil, errors.New("no [source] skeletons configured")
	}
	skeletons, err := source.OpenBucket(ctx, cfg.Source.Skeletons)
	if err != nil {
		return nil, err
	}
	var src *source.Precomputed
	if cfg.Source.Meshes == "" {
		src, err = source.NewPrecomputed(ctx, skeletons, nil)
	} else {
		meshes, merr := source.OpenBucket(ctx, cfg.Source.Meshes)
		if merr != nil {
			skeletons.Close()
			return nil, merr
		}
		src, err = source.NewPrecomputed(ctx, skeletons, meshes)
	}
	if err != nil {
		return nil, err
	}
	return source.NewRetrying(src, cfg.Source.FetchAttempts, cfg.Source.Backoff.Duration), nil
}

func run(ctx context.Context, cfg *config.Config) error {
	entries, err := readWorklist()
	if err != nil {
		return err
	}
	outFormats, err := export.ParseFormats(cfg.Output.Formats)
	if err != nil {
		return err
	}
	runID := uuid.NewV4().String()
	morph.Infof("neuronalign %s run %s: %s", morph.Version, runID, cfg)

	store, err := openStore(ctx, cfg, runID)
	if err != nil {
		return err
	}
	defer store.Close()

	comps := batch.Components{
		Catalog:    template.DefaultCatalog(),
		Classifier: template.DefaultClassifier(),
		Store:      store,
	}
	if !*dryRun {
		src, err := openSource(ctx, cfg)
		if err != nil {
			return err
		}
		defer src.Close()
		bridges, err := cfg.Bridges()
		if err != nil {
			return err
		}
		if comps.Exporter, err = export.NewExporter(cfg.Raster, runID); err != nil {
			return err
		}
		comps.Source = src
		comps.Transformer = xform.NewTransformer(cfg.Registration(), bridges)
	}

	orch, err := batch.NewOrchestrator(batch.Options{
		Root:         cfg.Output.Root,
		Formats:      outFormats,
		Workers:      cfg.Batch.Workers,
		SkipExisting: cfg.SkipExisting(),
		DryRun:       *dryRun,
		DirPrefix:    cfg.Output.Prefix,
	}, comps)
	if err != nil {
		return err
	}
	sum, err := orch.Run(ctx, entries)
	if err != nil {
		return fmt.Errorf("processing state could not be saved: %w", err)
	}
	fmt.Println(sum)
	return nil
}

func status(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg, "status")
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Printf("%s: %s\n", cfg.StatePath(), store.Summary())
	for _, rec := range store.Failures() {
		fmt.Printf("  %s [%s] attempt %d: %s\n", rec.ID, rec.ErrorClass, rec.Attempts, rec.Error)
	}
	return nil
}
