package template

import (
	"fmt"
	"sort"
	"strings"

	"github.com/janelia-flyem/neuronalign/morph"
)

// Region is the coarse anatomical region that selects a transform chain.
type Region uint8

const (
	Brain Region = iota
	NerveCord
)

func (r Region) String() string {
	switch r {
	case Brain:
		return "brain"
	case NerveCord:
		return "nerve-cord"
	default:
		return fmt.Sprintf("region(%d)", uint8(r))
	}
}

// ParseRegion accepts the region names used in configuration files.
func ParseRegion(s string) (Region, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "brain":
		return Brain, nil
	case "nerve-cord", "nervecord", "vnc":
		return NerveCord, nil
	default:
		return 0, fmt.Errorf("unknown region %q", s)
	}
}

// MarshalText lets regions be used as JSON and TOML values.
func (r Region) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Region) UnmarshalText(b []byte) error {
	v, err := ParseRegion(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// DominantAxis names the axis that should have the largest extent in a template space.
type DominantAxis string

const (
	Width  DominantAxis = "width"
	Height DominantAxis = "height"
	Depth  DominantAxis = "depth"
)

// Axis returns the spatial axis for the dominant-axis label.
func (d DominantAxis) Axis() morph.Axis {
	switch d {
	case Height:
		return morph.AxisY
	case Depth:
		return morph.AxisZ
	default:
		return morph.AxisX
	}
}

func dominantAxisOf(a morph.Axis) DominantAxis {
	switch a {
	case morph.AxisY:
		return Height
	case morph.AxisZ:
		return Depth
	default:
		return Width
	}
}

// Spec describes one target template space.
type Spec struct {
	ID        string         // catalog identifier
	Name      string         // template name, e.g., JRC2018U
	ShortForm string         // VFB short form of the template individual
	Space     string         // coordinate-space name written into metadata
	Region    Region         // region whose transform chain ends in this template
	VoxelSize morph.Vector3d // micrometers per voxel along x, y, z
	Dominant  DominantAxis
}

// Units of template-space coordinates.
func (s Spec) Units() morph.Units {
	return morph.Micrometers
}

// CheckDominantAxis reports whether the bounds are elongated along the expected axis.
// It returns the observed dominant axis as well.
func (s Spec) CheckDominantAxis(b morph.Bounds) (DominantAxis, bool) {
	observed := dominantAxisOf(b.DominantAxis())
	return observed, observed == s.Dominant
}

func (s Spec) String() string {
	return fmt.Sprintf("%s (%s, %s)", s.ID, s.Name, s.Space)
}

const (
	BrainTemplateID     = "brain-template-id"
	NerveCordTemplateID = "nerve-cord-template-id"
)

// DefaultSpecs are the unisex brain and nerve cord templates.
var DefaultSpecs = []Spec{
	{
		ID:        BrainTemplateID,
		Name:      "JRC2018U",
		ShortForm: "VFB_00101567",
		Space:     "brain unisex space",
		Region:    Brain,
		VoxelSize: morph.Vector3d{0.622, 0.622, 0.622},
		Dominant:  Width,
	},
	{
		ID:        NerveCordTemplateID,
		Name:      "JRCVNC2018U",
		ShortForm: "VFB_00200000",
		Space:     "nerve-cord unisex space",
		Region:    NerveCord,
		VoxelSize: morph.Vector3d{0.4, 0.4, 0.4},
		Dominant:  Height,
	},
}

// Catalog is an immutable lookup of template specs by identifier, name or short form.
type Catalog struct {
	specs    []Spec
	byKey    map[string]int
	byRegion map[Region]int
}

// NewCatalog builds a catalog.  Keys must be unambiguous and each region may have only
// one template.
func NewCatalog(specs ...Spec) (*Catalog, error) {
	c := &Catalog{
		byKey:    make(map[string]int),
		byRegion: make(map[Region]int),
	}
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("template spec without identifier: %+v", s)
		}
		for i, v := range s.VoxelSize {
			if v <= 0 {
				return nil, fmt.Errorf("template %q has non-positive voxel size along %s", s.ID, morph.Axis(i))
			}
		}
		n := len(c.specs)
		for _, key := range []string{s.ID, s.Name, s.ShortForm} {
			if key == "" {
				continue
			}
			if prev, found := c.byKey[key]; found && prev != n {
				return nil, fmt.Errorf("template key %q is used by both %q and %q", key, c.specs[prev].ID, s.ID)
			}
			c.byKey[key] = n
		}
		if prev, found := c.byRegion[s.Region]; found {
			return nil, fmt.Errorf("region %s already has template %q", s.Region, c.specs[prev].ID)
		}
		c.byRegion[s.Region] = n
		c.specs = append(c.specs, s)
	}
	return c, nil
}

// DefaultCatalog returns the catalog of DefaultSpecs.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultSpecs...)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup finds a template by catalog identifier, template name or VFB short form.
func (c *Catalog) Lookup(key string) (Spec, bool) {
	i, found := c.byKey[strings.TrimSpace(key)]
	if !found {
		return Spec{}, false
	}
	return c.specs[i], true
}

// ForRegion returns the template whose chain starts in the given region.
func (c *Catalog) ForRegion(r Region) (Spec, bool) {
	i, found := c.byRegion[r]
	if !found {
		return Spec{}, false
	}
	return c.specs[i], true
}

// Specs returns all templates sorted by identifier.
func (c *Catalog) Specs() []Spec {
	out := make([]Spec, len(c.specs))
	copy(out, c.specs)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
