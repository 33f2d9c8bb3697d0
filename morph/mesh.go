package morph

import "fmt"

// Face is a triangle given as 0-based vertex indices.
type Face [3]uint32

// Mesh is a triangle soup.  No manifoldness is required.
type Mesh struct {
	Vertices []Vector3d
	Faces    []Face
}

// NewMesh returns a mesh after checking that every face index is within vertex bounds.
func NewMesh(vertices []Vector3d, faces []Face) (*Mesh, error) {
	m := &Mesh{Vertices: vertices, Faces: faces}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks face indices.
func (m *Mesh) Validate() error {
	if len(m.Vertices) == 0 {
		return ErrEmptyMesh
	}
	n := uint32(len(m.Vertices))
	for i, f := range m.Faces {
		for _, v := range f {
			if v >= n {
				return fmt.Errorf("face %d references vertex %d but mesh has %d vertices", i, v, n)
			}
		}
	}
	return nil
}

// WithVertices returns a copy of the mesh with new vertex positions.  Faces are shared.
func (m *Mesh) WithVertices(pts []Vector3d) (*Mesh, error) {
	if len(pts) != len(m.Vertices) {
		return nil, fmt.Errorf("got %d positions for mesh with %d vertices", len(pts), len(m.Vertices))
	}
	verts := make([]Vector3d, len(pts))
	copy(verts, pts)
	return &Mesh{Vertices: verts, Faces: m.Faces}, nil
}

// Bounds returns the bounding box of the vertices.
func (m *Mesh) Bounds() Bounds {
	return NewBounds(m.Vertices)
}

// MergeMeshes concatenates meshes, offsetting face indices.
func MergeMeshes(meshes ...*Mesh) *Mesh {
	merged := new(Mesh)
	for _, m := range meshes {
		if m == nil {
			continue
		}
		offset := uint32(len(merged.Vertices))
		merged.Vertices = append(merged.Vertices, m.Vertices...)
		for _, f := range m.Faces {
			merged.Faces = append(merged.Faces, Face{f[0] + offset, f[1] + offset, f[2] + offset})
		}
	}
	return merged
}
