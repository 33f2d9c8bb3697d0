package xform

import (
	"context"
	"errors"
	"fmt"

	"github.com/janelia-flyem/neuronalign/morph"
	"github.com/janelia-flyem/neuronalign/template"
)

// ErrRegionMismatch is returned when the target template belongs to a region other than
// the one the neuron was classified into.
var ErrRegionMismatch = errors.New("template does not match neuron region")

// ErrNonFinite is returned for input geometry with NaN or infinite coordinates.
var ErrNonFinite = errors.New("geometry has non-finite coordinates")

// nanometers per micrometer
const nmPerUm = 1000.0

// Geometry is the native morphology of one neuron.  The skeleton is required; the mesh
// may be nil.
type Geometry struct {
	Skeleton *morph.Skeleton
	Mesh     *morph.Mesh
}

// TransformedGeometry is the geometry of one neuron expressed in a template space.  All
// exported formats of a neuron are written from a single instance.
type TransformedGeometry struct {
	Geometry

	Template template.Spec
	Region   template.Region
	Units    morph.Units

	// Unaligned is true if stage 1 fell back to the identity mapping.  Coordinates are then
	// the native input coordinates.
	Unaligned     bool
	Stage1        string
	Stage1Error   string
	Stage2        string
	Stage2Applied bool
}

// Space returns the coordinate-space name of the target template.
func (tg *TransformedGeometry) Space() string {
	return tg.Template.Space
}

// Bounds returns the bounding box of skeleton and mesh together.
func (tg *TransformedGeometry) Bounds() morph.Bounds {
	var b morph.Bounds
	if tg.Skeleton != nil {
		b = tg.Skeleton.Bounds()
	}
	if tg.Mesh != nil {
		b = b.Union(tg.Mesh.Bounds())
	}
	return b
}

// Transformer runs the two-stage mapping.
type Transformer struct {
	reg     Registration
	bridges *BridgeSet
}

// NewTransformer returns a transformer using the given stage-1 backend and stage-2
// bridges.  A nil backend is the same as Identity.
func NewTransformer(reg Registration, bridges *BridgeSet) *Transformer {
	if reg == nil {
		reg = Identity{}
	}
	return &Transformer{reg: reg, bridges: bridges}
}

// Backend returns the name of the stage-1 backend.
func (t *Transformer) Backend() string {
	return t.reg.Name()
}

// Transform maps the geometry of a neuron classified into region onto the target
// template.  Stage-1 failures degrade to identity; a region/template mismatch, a missing
// bridge, a bridge failure or a cancelled context are errors.
func (t *Transformer) Transform(ctx context.Context, g Geometry, region template.Region, target template.Spec) (*TransformedGeometry, error) {
	if g.Skeleton == nil {
		return nil, morph.ErrEmptySkeleton
	}
	if target.Region != region {
		return nil, fmt.Errorf("%w: neuron %s is %s but template %s is %s",
			ErrRegionMismatch, g.Skeleton.Neuron, region, target.ID, target.Region)
	}
	bridge, err := t.bridges.For(region)
	if err != nil {
		return nil, err
	}

	pts := g.Skeleton.Positions()
	numSkel := len(pts)
	if g.Mesh != nil {
		pts = append(pts, g.Mesh.Vertices...)
	}
	for i, p := range pts {
		if !p.IsFinite() {
			return nil, fmt.Errorf("%w: neuron %s point %d is %s", ErrNonFinite, g.Skeleton.Neuron, i, p)
		}
	}

	tg := &TransformedGeometry{
		Template: target,
		Region:   region,
		Stage1:   t.reg.Name(),
		Stage2:   bridge.Name,
	}
	radiusScale := 1.0

	registered, err := t.reg.Register(ctx, region, pts)
	if err == nil && len(registered) != len(pts) {
		err = fmt.Errorf("backend %s returned %d points for %d", t.reg.Name(), len(registered), len(pts))
	}
	if err == nil {
		for _, p := range registered {
			if !p.IsFinite() {
				err = fmt.Errorf("backend %s returned non-finite point %s", t.reg.Name(), p)
				break
			}
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	var out []morph.Vector3d
	if err != nil {
		morph.Warningf("Neuron %s: stage-1 registration unavailable, using identity: %v", g.Skeleton.Neuron, err)
		tg.Unaligned = true
		tg.Stage1Error = err.Error()
		tg.Units = g.Skeleton.Units
		out = pts
	} else {
		if g.Skeleton.Units == morph.Nanometers {
			radiusScale = 1 / nmPerUm
		}
		if out, err = bridge.Apply(registered); err != nil {
			return nil, fmt.Errorf("stage-2 bridge %s: %w", bridge.Name, err)
		}
		radiusScale *= bridge.RadiusScale()
		tg.Units = morph.Micrometers
		tg.Stage2Applied = true
	}

	skel, err := g.Skeleton.WithPositions(out[:numSkel], tg.Units)
	if err != nil {
		return nil, err
	}
	tg.Skeleton = skel.WithRadiusScale(radiusScale)
	if g.Mesh != nil {
		if tg.Mesh, err = g.Mesh.WithVertices(out[numSkel:]); err != nil {
			return nil, err
		}
	}
	return tg, nil
}
