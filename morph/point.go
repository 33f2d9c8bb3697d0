package morph

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Axis is one of the three spatial dimensions.
type Axis uint8

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	default:
		return fmt.Sprintf("axis(%d)", uint8(a))
	}
}

// Units of a coordinate value.
type Units string

const (
	Nanometers  Units = "nanometers"
	Micrometers Units = "micrometers"
)

// Abbrev returns the short unit label used in file headers.
func (u Units) Abbrev() string {
	switch u {
	case Nanometers:
		return "nm"
	case Micrometers:
		return "microns"
	default:
		return string(u)
	}
}

// Vector3d is a 3D vector of 64-bit floats, a recommended type for math operations.
type Vector3d [3]float64

func StringToVector3d(str, separator string) (Vector3d, error) {
	elems := strings.Split(str, separator)
	if len(elems) != 3 {
		return Vector3d{}, fmt.Errorf("can't convert string %q (length %d) to Vector3d", str, len(elems))
	}
	var v Vector3d
	var err error
	for i, elem := range elems {
		v[i], err = strconv.ParseFloat(strings.TrimSpace(elem), 64)
		if err != nil {
			return Vector3d{}, err
		}
	}
	return v, nil
}

// Distance returns the distance between two points a and b.
func (v Vector3d) Distance(x Vector3d) float64 {
	dx := x[0] - v[0]
	dy := x[1] - v[1]
	dz := x[2] - v[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (v Vector3d) Subtract(x Vector3d) Vector3d {
	return Vector3d{v[0] - x[0], v[1] - x[1], v[2] - x[2]}
}

func (v Vector3d) Add(x Vector3d) Vector3d {
	return Vector3d{v[0] + x[0], v[1] + x[1], v[2] + x[2]}
}

func (v Vector3d) MultScalar(x float64) Vector3d {
	return Vector3d{v[0] * x, v[1] * x, v[2] * x}
}

func (v Vector3d) DivideScalar(x float64) Vector3d {
	return Vector3d{v[0] / x, v[1] / x, v[2] / x}
}

func (v Vector3d) Dot(x Vector3d) float64 {
	return v[0]*x[0] + v[1]*x[1] + v[2]*x[2]
}

func (v Vector3d) Cross(x Vector3d) Vector3d {
	return Vector3d{
		v[1]*x[2] - v[2]*x[1],
		v[2]*x[0] - v[0]*x[2],
		v[0]*x[1] - v[1]*x[0],
	}
}

func (v Vector3d) Length() float64 {
	return math.Sqrt(v.Dot(v))
}

// Normalize returns the unit vector in the direction of v or the zero vector.
func (v Vector3d) Normalize() Vector3d {
	l := v.Length()
	if l == 0 {
		return Vector3d{}
	}
	return v.DivideScalar(l)
}

// IsFinite returns false if any component is NaN or infinite.
func (v Vector3d) IsFinite() bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func (v Vector3d) String() string {
	return fmt.Sprintf("(%f,%f,%f)", v[0], v[1], v[2])
}

// Bounds is an axis-aligned bounding box.  The zero value is empty.
type Bounds struct {
	Min   Vector3d
	Max   Vector3d
	valid bool
}

// NewBounds returns the bounds of the given points.
func NewBounds(pts []Vector3d) Bounds {
	var b Bounds
	for _, pt := range pts {
		b.Extend(pt)
	}
	return b
}

// Empty returns true if no point was ever added.
func (b Bounds) Empty() bool {
	return !b.valid
}

// Extend grows the bounds to include pt.
func (b *Bounds) Extend(pt Vector3d) {
	if !b.valid {
		b.Min, b.Max, b.valid = pt, pt, true
		return
	}
	for i := 0; i < 3; i++ {
		if pt[i] < b.Min[i] {
			b.Min[i] = pt[i]
		}
		if pt[i] > b.Max[i] {
			b.Max[i] = pt[i]
		}
	}
}

// Union returns bounds covering both b and o.
func (b Bounds) Union(o Bounds) Bounds {
	if o.Empty() {
		return b
	}
	if b.Empty() {
		return o
	}
	b.Extend(o.Min)
	b.Extend(o.Max)
	return b
}

// Size returns the extent along each axis.
func (b Bounds) Size() Vector3d {
	if b.Empty() {
		return Vector3d{}
	}
	return b.Max.Subtract(b.Min)
}

// DominantAxis returns the axis of largest extent, preferring the lower axis on ties.
func (b Bounds) DominantAxis() Axis {
	size := b.Size()
	dominant := AxisX
	for a := AxisY; a <= AxisZ; a++ {
		if size[a] > size[dominant] {
			dominant = a
		}
	}
	return dominant
}

func (b Bounds) String() string {
	if b.Empty() {
		return "(empty)"
	}
	return fmt.Sprintf("%s -> %s", b.Min, b.Max)
}
