package batch

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/janelia-flyem/neuronalign/export"
	"github.com/janelia-flyem/neuronalign/format/nrrd"
	"github.com/janelia-flyem/neuronalign/format/swc"
	"github.com/janelia-flyem/neuronalign/morph"
	"github.com/janelia-flyem/neuronalign/source"
	"github.com/janelia-flyem/neuronalign/state"
	"github.com/janelia-flyem/neuronalign/template"
	"github.com/janelia-flyem/neuronalign/worklist"
	"github.com/janelia-flyem/neuronalign/xform"
)

// fakeSource serves short straight skeletons in nanometers.
type fakeSource struct {
	mu         sync.Mutex
	skeletons  map[morph.NeuronID]*morph.Skeleton
	failing    map[morph.NeuronID]bool
	fetches    int
	beforeSkel func(morph.NeuronID)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		skeletons: make(map[morph.NeuronID]*morph.Skeleton),
		failing:   make(map[morph.NeuronID]bool),
	}
}

// add registers a neuron whose nodes all lie at the given y.
func (f *fakeSource) add(t *testing.T, id morph.NeuronID, y float64) {
	nodes := []morph.Node{
		{ID: 1, Type: morph.Soma, Pos: morph.Vector3d{100000, y, 50000}, Radius: 800, Parent: morph.NoParent},
		{ID: 2, Pos: morph.Vector3d{104000, y, 50000}, Radius: 500, Parent: 1},
		{ID: 3, Pos: morph.Vector3d{108000, y, 51000}, Radius: 500, Parent: 2},
	}
	s, err := morph.NewSkeleton(id, morph.Nanometers, nodes)
	if err != nil {
		t.Fatalf("bad test skeleton: %v", err)
	}
	f.skeletons[id] = s
}

func (f *fakeSource) FetchSkeleton(ctx context.Context, id morph.NeuronID) (*morph.Skeleton, error) {
	if f.beforeSkel != nil {
		f.beforeSkel(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failing[id] {
		return nil, errors.New("segmentation server unavailable")
	}
	s, found := f.skeletons[id]
	if !found {
		return nil, source.ErrNotFound
	}
	return s, nil
}

func (f *fakeSource) FetchMesh(ctx context.Context, id morph.NeuronID) (*morph.Mesh, error) {
	return nil, source.ErrNotFound
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) numFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// scaling registers nanometers to micrometers without any warp.
type scaling struct{}

func (scaling) Name() string { return "scaling" }

func (scaling) Register(ctx context.Context, region template.Region, pts []morph.Vector3d) ([]morph.Vector3d, error) {
	out := make([]morph.Vector3d, len(pts))
	for i, p := range pts {
		out[i] = p.DivideScalar(1000)
	}
	return out, nil
}

func identityBridges(t *testing.T) *xform.BridgeSet {
	id := [][]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}}
	bs, err := xform.NewBridgeSet(
		xform.BridgeConfig{Name: "brain-identity", Region: template.Brain, Matrix: id},
		xform.BridgeConfig{Name: "vnc-identity", Region: template.NerveCord, Matrix: id},
	)
	if err != nil {
		t.Fatalf("can't make bridges: %v", err)
	}
	return bs
}

type testRig struct {
	root    string
	src     *fakeSource
	backend state.Backend
	store   *state.Store
	orch    *Orchestrator
}

func newRig(t *testing.T, reg xform.Registration, backend state.Backend, opts Options) *testRig {
	rig := &testRig{root: t.TempDir(), src: newFakeSource(), backend: backend}
	if rig.backend == nil {
		rig.backend = &state.MemoryBackend{}
	}
	rig.reset(t, reg, opts)
	return rig
}

// reset starts a new run against the same output root, source and state backend.
func (rig *testRig) reset(t *testing.T, reg xform.Registration, opts Options) {
	rig.store = state.NewStore(rig.backend, "test-run")
	if err := rig.store.Load(context.Background()); err != nil {
		t.Fatalf("can't load state: %v", err)
	}
	exp, err := export.NewExporter(export.Config{}, "test-run")
	if err != nil {
		t.Fatalf("can't make exporter: %v", err)
	}
	opts.Root = rig.root
	if opts.Formats == nil {
		opts.Formats = []export.Format{export.SWC, export.OBJ, export.NRRD}
	}
	rig.orch, err = NewOrchestrator(opts, Components{
		Catalog:     template.DefaultCatalog(),
		Source:      rig.src,
		Transformer: xform.NewTransformer(reg, identityBridges(t)),
		Exporter:    exp,
		Store:       rig.store,
	})
	if err != nil {
		t.Fatalf("can't make orchestrator: %v", err)
	}
}

func readMetadata(t *testing.T, dir string) *export.Metadata {
	data, err := os.ReadFile(filepath.Join(dir, export.MetadataFilename))
	if err != nil {
		t.Fatalf("no metadata in %s: %v", dir, err)
	}
	md, err := export.ReadMetadata(data)
	if err != nil {
		t.Fatalf("bad metadata in %s: %v", dir, err)
	}
	return md
}

func TestBrainAndNerveCordRouting(t *testing.T) {
	rig := newRig(t, scaling{}, nil, Options{Workers: 2, SkipExisting: true})
	rig.src.add(t, 10001, 100000)
	rig.src.add(t, 10002, 500000)
	entries := []worklist.Entry{
		{Neuron: 10001, Template: template.BrainTemplateID},
		{Neuron: 10002, Template: template.NerveCordTemplateID},
	}
	sum, err := rig.orch.Run(context.Background(), entries)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sum.Succeeded != 2 || sum.Failed != 0 || sum.Unaligned != 0 {
		t.Fatalf("unexpected summary: %s", sum)
	}
	if sum.Bytes == 0 {
		t.Errorf("expected bytes written in summary")
	}

	tests := []struct {
		id    morph.NeuronID
		dir   string
		voxel float64
		space string
	}{
		{10001, filepath.Join(rig.root, "JRC2018U", "BANC_10001"), 0.622, "brain unisex space"},
		{10002, filepath.Join(rig.root, "JRCVNC2018U", "BANC_10002"), 0.4, "nerve-cord unisex space"},
	}
	for _, tc := range tests {
		md := readMetadata(t, tc.dir)
		if diff := cmp.Diff([3]float64{tc.voxel, tc.voxel, tc.voxel}, md.VoxelSize); diff != "" {
			t.Errorf("neuron %s voxel size mismatch (-want +got):\n%s", tc.id, diff)
		}
		if md.CoordinateSpace != tc.space {
			t.Errorf("neuron %s: expected space %q, got %q", tc.id, tc.space, md.CoordinateSpace)
		}
		if md.Unaligned || md.Units != string(morph.Micrometers) {
			t.Errorf("neuron %s: expected aligned micrometers, got unaligned %t units %s", tc.id, md.Unaligned, md.Units)
		}
		if md.MeshSource != export.MeshSkeletonTube {
			t.Errorf("neuron %s: expected tube mesh, got %s", tc.id, md.MeshSource)
		}
		for _, f := range export.AllFormats {
			if !morph.FileExists(filepath.Join(tc.dir, f.Filename())) {
				t.Errorf("neuron %s: missing %s", tc.id, f.Filename())
			}
		}
		vf, err := os.Open(filepath.Join(tc.dir, export.NRRD.Filename()))
		if err != nil {
			t.Fatal(err)
		}
		vol, data, err := nrrd.Read(vf)
		vf.Close()
		if err != nil {
			t.Fatalf("neuron %s: can't read volume: %v", tc.id, err)
		}
		if vol.VoxelSize != (morph.Vector3d{tc.voxel, tc.voxel, tc.voxel}) {
			t.Errorf("neuron %s: volume voxel size %s, want %g", tc.id, vol.VoxelSize, tc.voxel)
		}
		if vol.KeyValues["coordinate_space"] != tc.space || vol.KeyValues["neuron_id"] != tc.id.String() {
			t.Errorf("neuron %s: unexpected volume header %+v", tc.id, vol)
		}
		if len(data) != vol.NumVoxels() {
			t.Errorf("neuron %s: volume has %d bytes for %d voxels", tc.id, len(data), vol.NumVoxels())
		}
		if rig.orch.State(tc.id) != Succeeded {
			t.Errorf("neuron %s: expected succeeded state, got %s", tc.id, rig.orch.State(tc.id))
		}
		rec, found := rig.store.Get(tc.id)
		if !found || rec.Outcome != state.Succeeded || rec.Attempts != 1 {
			t.Errorf("neuron %s: bad record %+v", tc.id, rec)
		}
	}

	f, err := os.Open(filepath.Join(tests[0].dir, export.SWC.Filename()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	skel, hdr, err := swc.Decode(f, 10001)
	if err != nil {
		t.Fatalf("can't decode exported swc: %v", err)
	}
	if hdr.Units != morph.Micrometers {
		t.Errorf("expected micrometer swc, got %s", hdr.Units)
	}
	if got := skel.Nodes[0].Pos[1]; got < 99.999 || got > 100.001 {
		t.Errorf("expected y near 100 microns, got %f", got)
	}
}

func TestAutoTemplateByRegion(t *testing.T) {
	rig := newRig(t, scaling{}, nil, Options{Formats: []export.Format{export.SWC}})
	rig.src.add(t, 7, 319999)
	rig.src.add(t, 8, 320000)
	entries, err := worklist.FromIDs("7,8")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rig.orch.Run(context.Background(), entries); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if rec, _ := rig.store.Get(7); rec.Template != template.BrainTemplateID {
		t.Errorf("expected brain template for neuron just below boundary, got %+v", rec)
	}
	if rec, _ := rig.store.Get(8); rec.Template != template.NerveCordTemplateID {
		t.Errorf("expected nerve cord template at boundary, got %+v", rec)
	}
}

func TestFetchFailureIsolated(t *testing.T) {
	rig := newRig(t, scaling{}, nil, Options{Workers: 3, Formats: []export.Format{export.SWC}})
	for _, id := range []morph.NeuronID{1, 2, 3} {
		rig.src.add(t, id, 100000)
	}
	rig.src.failing[2] = true
	entries, _ := worklist.FromIDs("1 2 3")
	sum, err := rig.orch.Run(context.Background(), entries)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sum.Succeeded != 2 || sum.Failed != 1 || len(sum.Failures) != 1 {
		t.Fatalf("unexpected summary: %s", sum)
	}
	rec, found := rig.store.Get(2)
	if !found || rec.Outcome != state.Failed || rec.ErrorClass != state.ClassFetch {
		t.Errorf("expected fetch failure record, got %+v", rec)
	}
	if morph.FileExists(filepath.Join(rig.root, "JRC2018U", "BANC_2")) {
		t.Errorf("failed neuron should have no output directory")
	}
	if rig.orch.State(2) != Failed {
		t.Errorf("expected failed state, got %s", rig.orch.State(2))
	}
	var ok []string
	for _, id := range []morph.NeuronID{1, 3} {
		if rec, _ := rig.store.Get(id); rec.Outcome == state.Succeeded {
			ok = append(ok, rec.ID)
		}
	}
	sort.Strings(ok)
	if diff := cmp.Diff([]string{"1", "3"}, ok); diff != "" {
		t.Errorf("succeeded mismatch (-want +got):\n%s", diff)
	}
	if saves := rig.backend.(*state.MemoryBackend).Saves(); saves != 3 {
		t.Errorf("expected state saved once per processed neuron, got %d saves", saves)
	}
}

func TestNonFiniteNeuronIsolated(t *testing.T) {
	rig := newRig(t, xform.Identity{}, nil, Options{Workers: 2})
	rig.src.add(t, 1, 100000)
	rig.src.add(t, 2, 100000)
	rig.src.skeletons[2].Nodes[2].Pos[0] = math.Inf(1)
	entries := []worklist.Entry{
		{Neuron: 1, Template: template.BrainTemplateID},
		{Neuron: 2, Template: template.BrainTemplateID},
	}
	sum, err := rig.orch.Run(context.Background(), entries)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sum.Succeeded != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary: %s", sum)
	}
	if rec, _ := rig.store.Get(1); rec.Outcome != state.Succeeded {
		t.Errorf("expected neighbor to succeed, got %+v", rec)
	}
	rec, found := rig.store.Get(2)
	if !found || rec.Outcome != state.Failed || rec.ErrorClass != state.ClassTransform {
		t.Errorf("expected transform failure record, got %+v", rec)
	}
	if !morph.FileExists(filepath.Join(rig.root, "JRC2018U", "BANC_1", export.NRRD.Filename())) {
		t.Errorf("expected volume for valid neuron")
	}
}

func TestSkipExistingIsIdempotent(t *testing.T) {
	rig := newRig(t, scaling{}, nil, Options{SkipExisting: true})
	rig.src.add(t, 42, 100000)
	entries := []worklist.Entry{{Neuron: 42, Template: template.BrainTemplateID}}
	if _, err := rig.orch.Run(context.Background(), entries); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	dir := filepath.Join(rig.root, "JRC2018U", "BANC_42")
	before := make(map[string][]byte)
	for _, f := range export.AllFormats {
		data, err := os.ReadFile(filepath.Join(dir, f.Filename()))
		if err != nil {
			t.Fatal(err)
		}
		before[f.Filename()] = data
	}
	fetches := rig.src.numFetches()
	saves := rig.backend.(*state.MemoryBackend).Saves()

	rig.reset(t, scaling{}, Options{SkipExisting: true})
	sum, err := rig.orch.Run(context.Background(), entries)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if got := rig.backend.(*state.MemoryBackend).Saves(); got != saves {
		t.Errorf("skipped neuron rewrote state: %d saves, was %d", got, saves)
	}
	if sum.Skipped != 1 || sum.Succeeded != 0 {
		t.Errorf("expected one skip, got %s", sum)
	}
	if rig.src.numFetches() != fetches {
		t.Errorf("skipped neuron was fetched again")
	}
	if rig.orch.State(42) != Skipped {
		t.Errorf("expected skipped state, got %s", rig.orch.State(42))
	}
	for name, want := range before {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(want, got) {
			t.Errorf("%s changed on second run", name)
		}
	}

	// A missing file forces reprocessing.
	if err := os.Remove(filepath.Join(dir, export.OBJ.Filename())); err != nil {
		t.Fatal(err)
	}
	rig.reset(t, scaling{}, Options{SkipExisting: true})
	if sum, err = rig.orch.Run(context.Background(), entries); err != nil {
		t.Fatal(err)
	}
	if sum.Succeeded != 1 {
		t.Errorf("expected reprocessing after file removal, got %s", sum)
	}
	if rec, _ := rig.store.Get(42); rec.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", rec.Attempts)
	}
}

func TestIdentityFallbackUnaligned(t *testing.T) {
	rig := newRig(t, xform.Identity{}, nil, Options{})
	rig.src.add(t, 5, 100000)
	entries := []worklist.Entry{{Neuron: 5, Template: template.BrainTemplateID}}
	sum, err := rig.orch.Run(context.Background(), entries)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Succeeded != 1 || sum.Unaligned != 1 {
		t.Fatalf("expected one unaligned success, got %s", sum)
	}
	dir := filepath.Join(rig.root, "JRC2018U", "BANC_5")
	md := readMetadata(t, dir)
	if !md.Unaligned || md.Stage2Applied || md.Units != string(morph.Nanometers) {
		t.Errorf("expected unaligned nanometer output, got %+v", md)
	}
	if diff := cmp.Diff([3]float64{622, 622, 622}, md.VoxelSize); diff != "" {
		t.Errorf("voxel size mismatch (-want +got):\n%s", diff)
	}
	f, err := os.Open(filepath.Join(dir, export.SWC.Filename()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	skel, _, err := swc.Decode(f, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got := skel.Nodes[0].Pos; got != (morph.Vector3d{100000, 100000, 50000}) {
		t.Errorf("expected native coordinates, got %s", got)
	}
	if rec, _ := rig.store.Get(5); !rec.Unaligned {
		t.Errorf("record should be unaligned: %+v", rec)
	}
}

func TestRegionMismatchFails(t *testing.T) {
	rig := newRig(t, scaling{}, nil, Options{})
	rig.src.add(t, 9, 500000)
	entries := []worklist.Entry{{Neuron: 9, Template: template.BrainTemplateID}}
	sum, err := rig.orch.Run(context.Background(), entries)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected failure, got %s", sum)
	}
	rec, _ := rig.store.Get(9)
	if rec.ErrorClass != state.ClassTransform {
		t.Errorf("expected transform class, got %+v", rec)
	}
}

func TestUnknownTemplateFails(t *testing.T) {
	rig := newRig(t, scaling{}, nil, Options{})
	rig.src.add(t, 11, 100000)
	entries := []worklist.Entry{{Neuron: 11, Template: "FAFB14"}}
	if _, err := rig.orch.Run(context.Background(), entries); err != nil {
		t.Fatal(err)
	}
	rec, _ := rig.store.Get(11)
	if rec.Outcome != state.Failed || rec.ErrorClass != state.ClassClassify {
		t.Errorf("expected classify failure, got %+v", rec)
	}
	if rig.src.numFetches() != 0 {
		t.Errorf("unknown template should fail before fetching")
	}
}

func TestFolderOutput(t *testing.T) {
	rig := newRig(t, scaling{}, nil, Options{Formats: []export.Format{export.SWC}})
	rig.src.add(t, 12, 500000)
	entries := []worklist.Entry{{Neuron: 12, Folder: worklist.VFBDataURL + "VFB/i/0020/0000/VFB_00200000"}}
	if _, err := rig.orch.Run(context.Background(), entries); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(rig.root, "VFB", "i", "0020", "0000", "VFB_00200000")
	md := readMetadata(t, dir)
	if md.TemplateID != template.NerveCordTemplateID {
		t.Errorf("expected nerve cord template from folder, got %s", md.TemplateID)
	}
}

func TestCancelLeavesPending(t *testing.T) {
	rig := newRig(t, scaling{}, nil, Options{Workers: 1, Formats: []export.Format{export.SWC}})
	for _, id := range []morph.NeuronID{1, 2, 3, 4} {
		rig.src.add(t, id, 100000)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.src.beforeSkel = func(id morph.NeuronID) {
		if id == 2 {
			cancel()
		}
	}
	entries, _ := worklist.FromIDs("1,2,3,4")
	sum, err := rig.orch.Run(ctx, entries)
	if err != nil {
		t.Fatalf("cancellation is not a store error: %v", err)
	}
	if sum.Succeeded != 1 || sum.Interrupted != 1 {
		t.Errorf("expected 1 succeeded and 1 interrupted, got %s", sum)
	}
	rec, found := rig.store.Get(2)
	if !found || rec.Outcome != state.Pending || rec.ErrorClass != state.ClassInterrupted {
		t.Errorf("expected pending interrupted record, got %+v", rec)
	}
	for _, id := range []morph.NeuronID{3, 4} {
		if _, found := rig.store.Get(id); found {
			t.Errorf("neuron %s should not have been started", id)
		}
	}
}

func TestDryRun(t *testing.T) {
	rig := newRig(t, scaling{}, nil, Options{DryRun: true})
	rig.src.add(t, 1, 100000)
	entries := []worklist.Entry{
		{Neuron: 1, Template: template.BrainTemplateID},
		{Neuron: 2},
		{Neuron: 3, Template: "nonsense"},
	}
	sum, err := rig.orch.Run(context.Background(), entries)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 1 {
		t.Errorf("expected unknown template to count as failed, got %s", sum)
	}
	if rig.src.numFetches() != 0 {
		t.Errorf("dry run should not fetch")
	}
	if entries, _ := os.ReadDir(rig.root); len(entries) != 0 {
		t.Errorf("dry run wrote %d entries to the output root", len(entries))
	}
	if sum := rig.store.Summary(); sum.Succeeded+sum.Failed+sum.Pending != 0 {
		t.Errorf("dry run recorded state: %s", sum)
	}
}

type brokenBackend struct {
	state.MemoryBackend
}

func (b *brokenBackend) Save(ctx context.Context, doc *state.Document, changed []string) error {
	return errors.New("disk full")
}

func TestStoreErrorStopsRun(t *testing.T) {
	rig := newRig(t, scaling{}, &brokenBackend{}, Options{Workers: 1, Formats: []export.Format{export.SWC}})
	for _, id := range []morph.NeuronID{1, 2, 3} {
		rig.src.add(t, id, 100000)
	}
	entries, _ := worklist.FromIDs("1,2,3")
	sum, err := rig.orch.Run(context.Background(), entries)
	if err == nil {
		t.Fatalf("expected store error")
	}
	if sum == nil || sum.Succeeded+sum.Failed > 2 {
		t.Errorf("run should stop after the failed save, got %v", sum)
	}
}

func TestNewOrchestratorChecks(t *testing.T) {
	store := state.NewStore(&state.MemoryBackend{}, "x")
	if _, err := NewOrchestrator(Options{Root: "out"}, Components{Catalog: template.DefaultCatalog(), Store: store}); err == nil {
		t.Errorf("expected error without formats")
	}
	if _, err := NewOrchestrator(Options{Root: "out", Formats: export.AllFormats}, Components{Catalog: template.DefaultCatalog(), Store: store}); err == nil {
		t.Errorf("expected error without source")
	}
	if _, err := NewOrchestrator(Options{Root: "out", Formats: export.AllFormats, DryRun: true}, Components{Catalog: template.DefaultCatalog(), Store: store}); err != nil {
		t.Errorf("dry run needs no pipeline: %v", err)
	}
}
