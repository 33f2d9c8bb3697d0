package xform

import (
	_ "embed"
	"errors"
	"fmt"
	"math"

	"github.com/BurntSushi/toml"
	"gonum.org/v1/gonum/mat"

	"github.com/janelia-flyem/neuronalign/morph"
	"github.com/janelia-flyem/neuronalign/template"
)

//go:embed bridges.toml
var defaultBridgesTOML string

// ErrNoBridge is returned when no stage-2 bridge is registered for a region.
var ErrNoBridge = errors.New("no template bridge for region")

// BridgeConfig describes an affine bridge as it appears in TOML.
type BridgeConfig struct {
	Name   string          `toml:"name"`
	Region template.Region `toml:"region"`
	From   string          `toml:"from"`
	To     string          `toml:"to"`
	Matrix [][]float64     `toml:"matrix"`
}

// Bridge is a stage-2 affine mapping between two template spaces of one region.
type Bridge struct {
	Name   string
	Region template.Region
	From   string
	To     string

	affine      *mat.Dense // 3x4
	radiusScale float64
}

// NewBridge validates a bridge configuration.  The matrix must be 3x4 with finite entries
// and an invertible linear part.
func NewBridge(c BridgeConfig) (*Bridge, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("bridge for region %s has no name", c.Region)
	}
	if len(c.Matrix) != 3 {
		return nil, fmt.Errorf("bridge %q: matrix needs 3 rows, got %d", c.Name, len(c.Matrix))
	}
	data := make([]float64, 0, 12)
	for i, row := range c.Matrix {
		if len(row) != 4 {
			return nil, fmt.Errorf("bridge %q: matrix row %d needs 4 columns, got %d", c.Name, i, len(row))
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("bridge %q: matrix has non-finite entry", c.Name)
			}
		}
		data = append(data, row...)
	}
	affine := mat.NewDense(3, 4, data)
	det := mat.Det(affine.Slice(0, 3, 0, 3))
	if math.Abs(det) < 1e-12 {
		return nil, fmt.Errorf("bridge %q: linear part is singular", c.Name)
	}
	return &Bridge{
		Name:        c.Name,
		Region:      c.Region,
		From:        c.From,
		To:          c.To,
		affine:      affine,
		radiusScale: math.Cbrt(math.Abs(det)),
	}, nil
}

// RadiusScale is the isotropic scale applied to node radii, the cube root of the volume
// change of the linear part.
func (b *Bridge) RadiusScale() float64 {
	return b.radiusScale
}

// Apply maps points through the bridge.  Non-finite results are errors.
func (b *Bridge) Apply(pts []morph.Vector3d) ([]morph.Vector3d, error) {
	if len(pts) == 0 {
		return nil, nil
	}
	h := mat.NewDense(4, len(pts), nil)
	for j, p := range pts {
		h.Set(0, j, p[0])
		h.Set(1, j, p[1])
		h.Set(2, j, p[2])
		h.Set(3, j, 1)
	}
	var r mat.Dense
	r.Mul(b.affine, h)

	out := make([]morph.Vector3d, len(pts))
	for j := range out {
		out[j] = morph.Vector3d{r.At(0, j), r.At(1, j), r.At(2, j)}
		if !out[j].IsFinite() {
			return nil, fmt.Errorf("bridge %q produced non-finite point from %s", b.Name, pts[j])
		}
	}
	return out, nil
}

func (b *Bridge) String() string {
	return fmt.Sprintf("%s (%s -> %s, %s)", b.Name, b.From, b.To, b.Region)
}

// BridgeSet holds one bridge per region.
type BridgeSet struct {
	byRegion map[template.Region]*Bridge
}

// NewBridgeSet builds a set from configurations.  A later configuration for the same
// region replaces an earlier one.
func NewBridgeSet(cfgs ...BridgeConfig) (*BridgeSet, error) {
	bs := &BridgeSet{byRegion: make(map[template.Region]*Bridge, len(cfgs))}
	for _, c := range cfgs {
		b, err := NewBridge(c)
		if err != nil {
			return nil, err
		}
		bs.byRegion[c.Region] = b
	}
	return bs, nil
}

// DefaultBridges returns the built-in bridges for both regions.
func DefaultBridges() (*BridgeSet, error) {
	var doc struct {
		Bridge []BridgeConfig `toml:"bridge"`
	}
	if _, err := toml.Decode(defaultBridgesTOML, &doc); err != nil {
		return nil, fmt.Errorf("decoding built-in bridges: %w", err)
	}
	return NewBridgeSet(doc.Bridge...)
}

// With returns a copy of the set with the given bridges added or replaced.
func (bs *BridgeSet) With(cfgs ...BridgeConfig) (*BridgeSet, error) {
	overrides, err := NewBridgeSet(cfgs...)
	if err != nil {
		return nil, err
	}
	for r, b := range bs.byRegion {
		if _, found := overrides.byRegion[r]; !found {
			overrides.byRegion[r] = b
		}
	}
	return overrides, nil
}

// For returns the bridge of a region.
func (bs *BridgeSet) For(r template.Region) (*Bridge, error) {
	if bs != nil {
		if b, found := bs.byRegion[r]; found {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w %s", ErrNoBridge, r)
}
