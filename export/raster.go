package export

import (
	"errors"
	"fmt"
	"math"

	"github.com/janelia-flyem/neuronalign/morph"
)

// Occupied is the value of voxels inside or on the surface of the mesh.
const Occupied uint8 = 255

// DefaultMaxVoxels bounds raster allocation when no limit is configured.
const DefaultMaxVoxels = 512 * 1024 * 1024

// ErrRasterTooLarge is returned when the padded bounding box needs more voxels than allowed.
var ErrRasterTooLarge = errors.New("volume raster exceeds voxel limit")

// VolumeRaster is an occupancy grid.  Data is x fastest, then y, then z.  Origin is the
// center of voxel (0,0,0).
type VolumeRaster struct {
	Size      [3]int
	VoxelSize morph.Vector3d
	Origin    morph.Vector3d
	Data      []uint8
}

func (v *VolumeRaster) index(x, y, z int) int {
	return x + v.Size[0]*(y+v.Size[1]*z)
}

// At returns the value of a voxel.
func (v *VolumeRaster) At(x, y, z int) uint8 {
	return v.Data[v.index(x, y, z)]
}

// NumOccupied returns the count of occupied voxels.
func (v *VolumeRaster) NumOccupied() int {
	var n int
	for _, b := range v.Data {
		if b != 0 {
			n++
		}
	}
	return n
}

// Rasterize converts a mesh into a volume with the given voxel size.  The grid covers the
// mesh bounding box plus one voxel of padding on every side.  Triangle surfaces are
// voxelized, then the exterior is flood-filled from the border; every voxel the fill does
// not reach is occupied.  Meshes with holes let the fill leak inside, which leaves only
// the surface shell occupied.
func Rasterize(m *morph.Mesh, voxelSize morph.Vector3d, maxVoxels int) (*VolumeRaster, error) {
	if m == nil || len(m.Vertices) == 0 {
		return nil, morph.ErrEmptyMesh
	}
	for i, s := range voxelSize {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("bad voxel size %g on axis %d", s, i)
		}
	}
	if maxVoxels <= 0 {
		maxVoxels = DefaultMaxVoxels
	}
	for i, p := range m.Vertices {
		if !p.IsFinite() {
			return nil, fmt.Errorf("mesh vertex %d has non-finite position %s", i, p)
		}
	}
	b := m.Bounds()

	// Sizes are checked as floats so huge extents cannot wrap the int conversion.
	var span [3]float64
	total := 1.0
	for i := 0; i < 3; i++ {
		span[i] = math.Floor((b.Max[i]-b.Min[i])/voxelSize[i]) + 3
		total *= span[i]
	}
	if !(total <= float64(maxVoxels)) {
		return nil, fmt.Errorf("%w: %.0f x %.0f x %.0f voxels, limit %d", ErrRasterTooLarge,
			span[0], span[1], span[2], maxVoxels)
	}

	v := &VolumeRaster{VoxelSize: voxelSize}
	var corner morph.Vector3d
	for i := 0; i < 3; i++ {
		v.Size[i] = int(span[i])
		corner[i] = b.Min[i] - voxelSize[i]
		v.Origin[i] = corner[i] + 0.5*voxelSize[i]
	}
	v.Data = make([]uint8, v.Size[0]*v.Size[1]*v.Size[2])

	minVoxel := math.Min(voxelSize[0], math.Min(voxelSize[1], voxelSize[2]))
	toVoxel := func(p morph.Vector3d) (x, y, z int) {
		x = clampIndex(int((p[0]-corner[0])/voxelSize[0]), v.Size[0])
		y = clampIndex(int((p[1]-corner[1])/voxelSize[1]), v.Size[1])
		z = clampIndex(int((p[2]-corner[2])/voxelSize[2]), v.Size[2])
		return
	}

	const surface = 1
	for _, p := range m.Vertices {
		x, y, z := toVoxel(p)
		v.Data[v.index(x, y, z)] = surface
	}
	for _, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		longest := math.Max(a.Distance(b), math.Max(b.Distance(c), c.Distance(a)))
		steps := int(math.Ceil(2 * longest / minVoxel))
		if steps < 1 {
			steps = 1
		}
		inv := 1 / float64(steps)
		ab, ac := b.Subtract(a), c.Subtract(a)
		for i := 0; i <= steps; i++ {
			for j := 0; i+j <= steps; j++ {
				p := a.Add(ab.MultScalar(float64(i) * inv)).Add(ac.MultScalar(float64(j) * inv))
				x, y, z := toVoxel(p)
				v.Data[v.index(x, y, z)] = surface
			}
		}
	}

	floodExterior(v)
	for i, d := range v.Data {
		if d == exterior {
			v.Data[i] = 0
		} else {
			v.Data[i] = Occupied
		}
	}
	return v, nil
}

const exterior = 2

// floodExterior marks every voxel 6-connected to voxel (0,0,0) without crossing the
// surface.  The padding guarantees (0,0,0) is outside the mesh.
func floodExterior(v *VolumeRaster) {
	nx, ny, nz := v.Size[0], v.Size[1], v.Size[2]
	plane := nx * ny
	queue := []int{0}
	v.Data[0] = exterior
	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x := i % nx
		y := (i / nx) % ny
		z := i / plane
		visit := func(j int) {
			if v.Data[j] == 0 {
				v.Data[j] = exterior
				queue = append(queue, j)
			}
		}
		if x > 0 {
			visit(i - 1)
		}
		if x < nx-1 {
			visit(i + 1)
		}
		if y > 0 {
			visit(i - nx)
		}
		if y < ny-1 {
			visit(i + nx)
		}
		if z > 0 {
			visit(i - plane)
		}
		if z < nz-1 {
			visit(i + plane)
		}
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
