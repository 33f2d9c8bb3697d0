package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gonum.org/v1/gonum/stat"

	"github.com/janelia-flyem/neuronalign/format/nrrd"
	"github.com/janelia-flyem/neuronalign/format/obj"
	"github.com/janelia-flyem/neuronalign/format/swc"
	"github.com/janelia-flyem/neuronalign/morph"
	"github.com/janelia-flyem/neuronalign/xform"
)

// ErrNothingWritten is returned when every requested format failed.
var ErrNothingWritten = errors.New("no output format could be written")

// Config holds the [raster] settings.
type Config struct {
	MaxVoxels int  `toml:"max_voxels"`
	GzipLevel int  `toml:"gzip_level"`
	TubeSides int  `toml:"tube_sides"`
	RawVolume bool `toml:"raw_volume"`
}

// Exporter writes neuron geometry and provenance.  It is safe for concurrent use.
type Exporter struct {
	cfg    Config
	runID  string
	schema *jsonschema.Schema
}

// NewExporter returns an exporter whose metadata records the given run identifier.
func NewExporter(cfg Config, runID string) (*Exporter, error) {
	if cfg.MaxVoxels <= 0 {
		cfg.MaxVoxels = DefaultMaxVoxels
	}
	if cfg.GzipLevel == 0 {
		cfg.GzipLevel = 6
	}
	if cfg.TubeSides <= 0 {
		cfg.TubeSides = DefaultTubeSides
	}
	sch, err := compileMetadataSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling metadata schema: %w", err)
	}
	return &Exporter{cfg: cfg, runID: runID, schema: sch}, nil
}

// Job is one neuron to export.
type Job struct {
	Neuron        morph.NeuronID
	Geometry      *xform.TransformedGeometry
	Formats       []Format
	Dir           string
	BrainFraction float64
}

// Result reports what an export wrote.  Formats succeed or fail independently.
type Result struct {
	Written    []Format
	Files      map[Format]string
	Failed     map[Format]error
	Metadata   string
	MeshSource MeshSource
	Bytes      int64
}

// Paths returns every written file including the metadata document, sorted.
func (r *Result) Paths() []string {
	var paths []string
	for _, p := range r.Files {
		paths = append(paths, p)
	}
	if r.Metadata != "" {
		paths = append(paths, r.Metadata)
	}
	sort.Strings(paths)
	return paths
}

// FailedFormats returns the formats that could not be written, in write order.
func (r *Result) FailedFormats() []Format {
	var fs []Format
	for f := range r.Failed {
		fs = append(fs, f)
	}
	SortFormats(fs)
	return fs
}

// voxelSizeIn returns the template voxel size expressed in the geometry's units.
func voxelSizeIn(tg *xform.TransformedGeometry) morph.Vector3d {
	if tg.Units == morph.Nanometers {
		return tg.Template.VoxelSize.MultScalar(1000)
	}
	return tg.Template.VoxelSize
}

// Export writes the requested formats and then the metadata document.  A format that
// fails is recorded in Result.Failed without stopping the others.  An error is returned
// if the directory cannot be created, nothing could be written, the metadata fails, or
// the context is cancelled.
func (e *Exporter) Export(ctx context.Context, job Job) (*Result, error) {
	tg := job.Geometry
	if tg == nil || tg.Skeleton == nil {
		return nil, morph.ErrEmptySkeleton
	}
	if err := os.MkdirAll(job.Dir, 0755); err != nil {
		return nil, fmt.Errorf("can't create output directory: %w", err)
	}
	timedLog := morph.NewTimeLog()
	res := &Result{
		Files:      make(map[Format]string),
		Failed:     make(map[Format]error),
		MeshSource: MeshPrecomputed,
	}

	voxelSize := voxelSizeIn(tg)
	mesh := tg.Mesh
	needMesh := false
	for _, f := range job.Formats {
		if f == OBJ || f == NRRD {
			needMesh = true
		}
	}
	if needMesh && mesh == nil {
		minVoxel := voxelSize[0]
		for _, v := range voxelSize[1:] {
			if v < minVoxel {
				minVoxel = v
			}
		}
		mesh = TubeMesh(tg.Skeleton, e.cfg.TubeSides, 0.5*minVoxel)
		res.MeshSource = MeshSkeletonTube
		morph.Warningf("Neuron %s: no surface mesh, using skeleton tube for mesh and volume", job.Neuron)
	} else if mesh == nil {
		res.MeshSource = MeshNone
	}

	comments := e.comments(job)
	for _, f := range job.Formats {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var buf bytes.Buffer
		var err error
		switch f {
		case SWC:
			err = swc.Encode(&buf, tg.Skeleton, comments...)
		case OBJ:
			err = obj.Encode(&buf, mesh, comments...)
		case NRRD:
			err = e.encodeVolume(&buf, job, mesh, voxelSize, comments)
		default:
			err = fmt.Errorf("unknown format %q", f)
		}
		path := filepath.Join(job.Dir, f.Filename())
		if err == nil {
			err = morph.WriteFileAtomic(path, buf.Bytes(), 0644)
		}
		if err != nil {
			morph.Errorf("Neuron %s: %s export failed: %v", job.Neuron, f, err)
			res.Failed[f] = err
			continue
		}
		res.Written = append(res.Written, f)
		res.Files[f] = path
		res.Bytes += int64(buf.Len())
	}
	if len(res.Written) == 0 {
		return res, fmt.Errorf("%w (%d requested)", ErrNothingWritten, len(job.Formats))
	}

	md := e.metadata(job, res)
	data, err := validateJSON(e.schema, md)
	if err == nil {
		path := filepath.Join(job.Dir, MetadataFilename)
		if err = morph.WriteFileAtomic(path, data, 0644); err == nil {
			res.Metadata = path
			res.Bytes += int64(len(data))
		}
	}
	if err != nil {
		return res, fmt.Errorf("writing metadata: %w", err)
	}
	timedLog.Infof("Neuron %s: wrote %s (%s) to %s", job.Neuron, FormatsString(res.Written),
		humanize.Bytes(uint64(res.Bytes)), job.Dir)
	return res, nil
}

func (e *Exporter) comments(job Job) []string {
	tg := job.Geometry
	c := []string{
		"neuron " + job.Neuron.String(),
		fmt.Sprintf("template %s (%s) %s", tg.Template.Name, tg.Template.ShortForm, tg.Space()),
		fmt.Sprintf("generated by neuronalign %s run %s", morph.Version, e.runID),
	}
	if tg.Unaligned {
		c = append(c, "unaligned: native coordinates, registration unavailable")
	}
	return c
}

func (e *Exporter) encodeVolume(buf *bytes.Buffer, job Job, mesh *morph.Mesh, voxelSize morph.Vector3d, comments []string) error {
	tg := job.Geometry
	vol, err := Rasterize(mesh, voxelSize, e.cfg.MaxVoxels)
	if err != nil {
		return err
	}
	enc := nrrd.Gzip
	if e.cfg.RawVolume {
		enc = nrrd.Raw
	}
	h := nrrd.Header{
		Sizes:      vol.Size,
		VoxelSize:  vol.VoxelSize,
		Origin:     vol.Origin,
		SpaceUnits: tg.Units.Abbrev(),
		Encoding:   enc,
		Comments:   comments,
		KeyValues: map[string]string{
			"neuron_id":        job.Neuron.String(),
			"template":         tg.Template.Name,
			"coordinate_space": tg.Space(),
			"dominant_axis":    string(tg.Template.Dominant),
			"unaligned":        strconv.FormatBool(tg.Unaligned),
		},
	}
	morph.Debugf("Neuron %s: volume %d x %d x %d, %d occupied voxels", job.Neuron,
		vol.Size[0], vol.Size[1], vol.Size[2], vol.NumOccupied())
	return nrrd.Write(buf, h, vol.Data, e.cfg.GzipLevel)
}

func (e *Exporter) metadata(job Job, res *Result) *Metadata {
	tg := job.Geometry
	observed, ok := tg.Template.CheckDominantAxis(tg.Bounds())
	if !ok {
		morph.Warningf("Neuron %s: extent dominated by %s, template %s expects %s",
			job.Neuron, observed, tg.Template.Name, tg.Template.Dominant)
	}
	md := &Metadata{
		NeuronID:             job.Neuron.String(),
		TemplateID:           tg.Template.ID,
		TemplateName:         tg.Template.Name,
		TemplateShortForm:    tg.Template.ShortForm,
		CoordinateSpace:      tg.Space(),
		Region:               tg.Region.String(),
		BrainFraction:        job.BrainFraction,
		Unaligned:            tg.Unaligned,
		Units:                string(tg.Units),
		VoxelSize:            voxelSizeIn(tg),
		VoxelUnits:           string(tg.Units),
		Stage1Backend:        tg.Stage1,
		Stage1Error:          tg.Stage1Error,
		Stage2Bridge:         tg.Stage2,
		Stage2Applied:        tg.Stage2Applied,
		MeshSource:           res.MeshSource,
		NodeCount:            len(tg.Skeleton.Nodes),
		CableLength:          tg.Skeleton.CableLength(),
		Centroid:             Centroid(tg.Skeleton),
		DominantAxis:         string(tg.Template.Dominant),
		ObservedDominantAxis: string(observed),
		DominantAxisOK:       ok,
		Files:                make(map[string]string, len(res.Files)),
		BytesWritten:         res.Bytes,
		PipelineVersion:      morph.Version.String(),
		RunID:                e.runID,
		Timestamp:            time.Now().UTC(),
	}
	for f, path := range res.Files {
		md.Files[string(f)] = filepath.Base(path)
	}
	if len(res.Failed) > 0 {
		md.FormatsFailed = make(map[string]string, len(res.Failed))
		for f, err := range res.Failed {
			md.FormatsFailed[string(f)] = err.Error()
		}
	}
	return md
}

// Centroid returns the mean position of the skeleton nodes weighted by radius, a rough
// proxy for the center of neuron volume.
func Centroid(s *morph.Skeleton) morph.Vector3d {
	var c morph.Vector3d
	if s == nil || len(s.Nodes) == 0 {
		return c
	}
	weights := make([]float64, len(s.Nodes))
	coords := make([]float64, len(s.Nodes))
	for i, n := range s.Nodes {
		weights[i] = n.Radius
		if !(weights[i] > 0) {
			weights[i] = 1
		}
	}
	for axis := 0; axis < 3; axis++ {
		for i, n := range s.Nodes {
			coords[i] = n.Pos[axis]
		}
		c[axis] = stat.Mean(coords, weights)
	}
	return c
}
