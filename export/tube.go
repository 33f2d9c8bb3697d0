package export

import (
	"math"

	"github.com/janelia-flyem/neuronalign/morph"
)

// DefaultTubeSides is the number of sides of each extruded segment.
const DefaultTubeSides = 8

// TubeMesh extrudes every parent-child segment of the skeleton into a capped frustum
// whose end radii are the node radii.  Radii below minRadius are raised to minRadius.
// Isolated nodes become octahedra.  The tubes overlap at branch points and are not
// merged into one manifold surface.
func TubeMesh(s *morph.Skeleton, sides int, minRadius float64) *morph.Mesh {
	if sides < 3 {
		sides = 3
	}
	idx := s.Index()
	hasChild := make(map[int64]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if !n.IsRoot() {
			hasChild[n.Parent] = true
		}
	}
	radius := func(r float64) float64 {
		if !(r >= minRadius) {
			return minRadius
		}
		return r
	}

	m := new(morph.Mesh)
	for _, n := range s.Nodes {
		if n.IsRoot() {
			if !hasChild[n.ID] {
				addOctahedron(m, n.Pos, radius(n.Radius))
			}
			continue
		}
		p := s.Nodes[idx[n.Parent]]
		addFrustum(m, p.Pos, n.Pos, radius(p.Radius), radius(n.Radius), sides)
	}
	return m
}

// perpendicular returns two unit vectors orthogonal to d and to each other.
func perpendicular(d morph.Vector3d) (u, w morph.Vector3d) {
	// cross with the axis least aligned with d
	ref := morph.Vector3d{1, 0, 0}
	ax, ay, az := math.Abs(d[0]), math.Abs(d[1]), math.Abs(d[2])
	if ay <= ax && ay <= az {
		ref = morph.Vector3d{0, 1, 0}
	} else if az <= ax && az <= ay {
		ref = morph.Vector3d{0, 0, 1}
	}
	u = d.Cross(ref).Normalize()
	w = d.Cross(u).Normalize()
	return
}

func addFrustum(m *morph.Mesh, a, b morph.Vector3d, ra, rb float64, sides int) {
	axis := b.Subtract(a)
	if axis.Length() == 0 {
		addOctahedron(m, a, math.Max(ra, rb))
		return
	}
	u, w := perpendicular(axis.Normalize())
	base := uint32(len(m.Vertices))
	for i := 0; i < sides; i++ {
		theta := 2 * math.Pi * float64(i) / float64(sides)
		dir := u.MultScalar(math.Cos(theta)).Add(w.MultScalar(math.Sin(theta)))
		m.Vertices = append(m.Vertices, a.Add(dir.MultScalar(ra)), b.Add(dir.MultScalar(rb)))
	}
	capA := uint32(len(m.Vertices))
	m.Vertices = append(m.Vertices, a, b)
	capB := capA + 1
	n := uint32(sides)
	for i := uint32(0); i < n; i++ {
		j := (i + 1) % n
		a0, b0 := base+2*i, base+2*i+1
		a1, b1 := base+2*j, base+2*j+1
		m.Faces = append(m.Faces,
			morph.Face{a0, a1, b0},
			morph.Face{b0, a1, b1},
			morph.Face{capA, a1, a0},
			morph.Face{capB, b0, b1},
		)
	}
}

func addOctahedron(m *morph.Mesh, c morph.Vector3d, r float64) {
	base := uint32(len(m.Vertices))
	m.Vertices = append(m.Vertices,
		c.Add(morph.Vector3d{r, 0, 0}), c.Add(morph.Vector3d{-r, 0, 0}),
		c.Add(morph.Vector3d{0, r, 0}), c.Add(morph.Vector3d{0, -r, 0}),
		c.Add(morph.Vector3d{0, 0, r}), c.Add(morph.Vector3d{0, 0, -r}),
	)
	for _, f := range [8]morph.Face{
		{0, 2, 4}, {2, 1, 4}, {1, 3, 4}, {3, 0, 4},
		{2, 0, 5}, {1, 2, 5}, {3, 1, 5}, {0, 3, 5},
	} {
		m.Faces = append(m.Faces, morph.Face{base + f[0], base + f[1], base + f[2]})
	}
}
