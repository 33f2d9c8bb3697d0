package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path"

	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/janelia-flyem/neuronalign/morph"
)

// ErrNotFound is returned when the object for a neuron does not exist.
var ErrNotFound = errors.New("object not found")

// SkeletonSource fetches native skeletons.
type SkeletonSource interface {
	FetchSkeleton(ctx context.Context, id morph.NeuronID) (*morph.Skeleton, error)
}

// MeshSource fetches native surface meshes.  An absent mesh is ErrNotFound.
type MeshSource interface {
	FetchMesh(ctx context.Context, id morph.NeuronID) (*morph.Mesh, error)
}

// Source fetches both.
type Source interface {
	SkeletonSource
	MeshSource
}

// VertexAttribute describes per-vertex data following the edges of a skeleton object.
type VertexAttribute struct {
	ID            string `json:"id"`
	DataType      string `json:"data_type"`
	NumComponents int    `json:"num_components"`
}

// SkeletonInfo is the "info" document of a precomputed skeleton directory.
type SkeletonInfo struct {
	Type             string            `json:"@type"`
	Transform        []float64         `json:"transform,omitempty"`
	VertexAttributes []VertexAttribute `json:"vertex_attributes"`
	Sharding         json.RawMessage   `json:"sharding,omitempty"`
}

// Precomputed reads skeletons and meshes from neuroglancer precomputed buckets.  The mesh
// bucket may be nil, in which case every mesh is ErrNotFound.
type Precomputed struct {
	skeletons *blob.Bucket
	meshes    *blob.Bucket
	info      SkeletonInfo
}

// NewPrecomputed reads the skeleton info document.  A missing info means vertex positions
// are already in nanometers and there are no vertex attributes.
func NewPrecomputed(ctx context.Context, skeletons, meshes *blob.Bucket) (*Precomputed, error) {
	p := &Precomputed{skeletons: skeletons, meshes: meshes}
	data, err := readObject(ctx, skeletons, "info")
	switch {
	case errors.Is(err, ErrNotFound):
		morph.Warningf("No skeleton info document, assuming nanometer vertices without attributes")
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, &p.info); err != nil {
			return nil, fmt.Errorf("bad skeleton info: %w", err)
		}
		if len(p.info.Sharding) > 0 && string(p.info.Sharding) != "null" {
			return nil, fmt.Errorf("sharded precomputed skeletons are not supported")
		}
		if n := len(p.info.Transform); n != 0 && n != 12 {
			return nil, fmt.Errorf("skeleton info transform needs 12 values, got %d", n)
		}
	}
	return p, nil
}

// Close releases both buckets.
func (p *Precomputed) Close() error {
	err := p.skeletons.Close()
	if p.meshes != nil {
		if err2 := p.meshes.Close(); err == nil {
			err = err2
		}
	}
	return err
}

func readObject(ctx context.Context, bucket *blob.Bucket, key string) ([]byte, error) {
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return maybeGunzip(data)
}

func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("can't uncompress gzip data: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("can't read gzip data: %w", err)
	}
	return out, nil
}

// FetchSkeleton reads and decodes the skeleton object named by the neuron id.
func (p *Precomputed) FetchSkeleton(ctx context.Context, id morph.NeuronID) (*morph.Skeleton, error) {
	data, err := readObject(ctx, p.skeletons, id.String())
	if err != nil {
		return nil, err
	}
	return DecodeSkeleton(id, data, p.info)
}

// FetchMesh reads the legacy mesh manifest and concatenates its fragments.
func (p *Precomputed) FetchMesh(ctx context.Context, id morph.NeuronID) (*morph.Mesh, error) {
	if p.meshes == nil {
		return nil, fmt.Errorf("%w: no mesh bucket", ErrNotFound)
	}
	data, err := readObject(ctx, p.meshes, id.String()+":0")
	if err != nil {
		return nil, err
	}
	var manifest struct {
		Fragments []string `json:"fragments"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("bad mesh manifest for %s: %w", id, err)
	}
	if len(manifest.Fragments) == 0 {
		return nil, fmt.Errorf("%w: mesh manifest for %s lists no fragments", ErrNotFound, id)
	}
	parts := make([]*morph.Mesh, 0, len(manifest.Fragments))
	for _, frag := range manifest.Fragments {
		data, err := readObject(ctx, p.meshes, path.Clean(frag))
		if err != nil {
			return nil, fmt.Errorf("mesh fragment %s: %w", frag, err)
		}
		m, err := DecodeMeshFragment(data)
		if err != nil {
			return nil, fmt.Errorf("mesh fragment %s: %w", frag, err)
		}
		parts = append(parts, m)
	}
	merged := morph.MergeMeshes(parts...)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

func attributeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "uint32", "int32":
		return 4, nil
	case "uint16", "int16":
		return 2, nil
	case "uint8", "int8":
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported vertex attribute type %q", dataType)
	}
}

func attributeValue(dataType string, b []byte) float64 {
	switch dataType {
	case "float32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case "uint32":
		return float64(binary.LittleEndian.Uint32(b))
	case "int32":
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case "uint16":
		return float64(binary.LittleEndian.Uint16(b))
	case "int16":
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case "uint8":
		return float64(b[0])
	default:
		return float64(int8(b[0]))
	}
}

// DecodeSkeleton parses an unsharded precomputed skeleton object.  Edges are undirected;
// each connected component becomes a tree rooted at its lowest vertex index, with node id
// equal to vertex index + 1.  The "radius" attribute is used when present.
func DecodeSkeleton(id morph.NeuronID, data []byte, info SkeletonInfo) (*morph.Skeleton, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("skeleton %s: object too short (%d bytes)", id, len(data))
	}
	nv := int(binary.LittleEndian.Uint32(data[0:4]))
	ne := int(binary.LittleEndian.Uint32(data[4:8]))
	need := 8 + 12*nv + 8*ne
	if nv == 0 {
		return nil, morph.ErrEmptySkeleton
	}
	if len(data) < need {
		return nil, fmt.Errorf("skeleton %s: %d vertices and %d edges need %d bytes, got %d", id, nv, ne, need, len(data))
	}
	pos := make([]morph.Vector3d, nv)
	off := 8
	for i := range pos {
		for a := 0; a < 3; a++ {
			pos[i][a] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
			off += 4
		}
	}
	if len(info.Transform) == 12 {
		tr := info.Transform
		for i, p := range pos {
			for r := 0; r < 3; r++ {
				pos[i][r] = tr[4*r]*p[0] + tr[4*r+1]*p[1] + tr[4*r+2]*p[2] + tr[4*r+3]
			}
		}
	}

	for i, p := range pos {
		if !p.IsFinite() {
			return nil, fmt.Errorf("skeleton %s: vertex %d has non-finite position %s", id, i, p)
		}
	}

	adj := make([][]int, nv)
	for e := 0; e < ne; e++ {
		a := int(binary.LittleEndian.Uint32(data[off:]))
		b := int(binary.LittleEndian.Uint32(data[off+4:]))
		off += 8
		if a >= nv || b >= nv {
			return nil, fmt.Errorf("skeleton %s: edge %d (%d,%d) out of range for %d vertices", id, e, a, b, nv)
		}
		if a == b {
			continue
		}
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}

	radii := make([]float64, nv)
	for _, attr := range info.VertexAttributes {
		size, err := attributeSize(attr.DataType)
		if err != nil {
			return nil, err
		}
		comps := attr.NumComponents
		if comps == 0 {
			comps = 1
		}
		span := nv * comps * size
		if len(data) < off+span {
			return nil, fmt.Errorf("skeleton %s: truncated attribute %q", id, attr.ID)
		}
		if attr.ID == "radius" {
			for i := range radii {
				r := attributeValue(attr.DataType, data[off+i*comps*size:])
				if math.IsNaN(r) || math.IsInf(r, 0) {
					return nil, fmt.Errorf("skeleton %s: vertex %d has non-finite radius", id, i)
				}
				radii[i] = r
			}
		}
		off += span
	}

	// breadth-first from the lowest unvisited vertex of each component
	parent := make([]int, nv)
	visited := make([]bool, nv)
	nodes := make([]morph.Node, 0, nv)
	queue := make([]int, 0, nv)
	for root := 0; root < nv; root++ {
		if visited[root] {
			continue
		}
		visited[root] = true
		parent[root] = -1
		queue = append(queue[:0], root)
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			n := morph.Node{ID: int64(v + 1), Pos: pos[v], Radius: radii[v], Parent: morph.NoParent}
			if parent[v] >= 0 {
				n.Parent = int64(parent[v] + 1)
			}
			nodes = append(nodes, n)
			for _, w := range adj[v] {
				if !visited[w] {
					visited[w] = true
					parent[w] = v
					queue = append(queue, w)
				}
			}
		}
	}
	return morph.NewSkeleton(id, morph.Nanometers, nodes)
}

// EncodeSkeleton writes a skeleton as an unsharded precomputed object with a float32
// radius attribute.  Node ids are renumbered to vertex indices.
func EncodeSkeleton(s *morph.Skeleton) []byte {
	idx := s.Index()
	var edges [][2]uint32
	for i, n := range s.Nodes {
		if !n.IsRoot() {
			edges = append(edges, [2]uint32{uint32(i), uint32(idx[n.Parent])})
		}
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(len(s.Nodes)))
	binary.Write(buf, binary.LittleEndian, uint32(len(edges)))
	for _, n := range s.Nodes {
		for _, c := range n.Pos {
			binary.Write(buf, binary.LittleEndian, float32(c))
		}
	}
	for _, e := range edges {
		binary.Write(buf, binary.LittleEndian, e)
	}
	for _, n := range s.Nodes {
		binary.Write(buf, binary.LittleEndian, float32(n.Radius))
	}
	return buf.Bytes()
}

// RadiusInfo is the info document matching EncodeSkeleton output.
func RadiusInfo() SkeletonInfo {
	return SkeletonInfo{
		Type:             "neuroglancer_skeletons",
		VertexAttributes: []VertexAttribute{{ID: "radius", DataType: "float32", NumComponents: 1}},
	}
}

// DecodeMeshFragment parses a legacy precomputed mesh fragment: vertex count, float32
// positions, then uint32 triangle indices to the end of the object.
func DecodeMeshFragment(data []byte) (*morph.Mesh, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("mesh fragment too short (%d bytes)", len(data))
	}
	nv := int(binary.LittleEndian.Uint32(data[0:4]))
	vertEnd := 4 + 12*nv
	if len(data) < vertEnd {
		return nil, fmt.Errorf("mesh fragment with %d vertices truncated at %d bytes", nv, len(data))
	}
	rest := len(data) - vertEnd
	if rest%12 != 0 {
		return nil, fmt.Errorf("mesh fragment index data of %d bytes is not whole triangles", rest)
	}
	m := &morph.Mesh{
		Vertices: make([]morph.Vector3d, nv),
		Faces:    make([]morph.Face, rest/12),
	}
	off := 4
	for i := range m.Vertices {
		for a := 0; a < 3; a++ {
			m.Vertices[i][a] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
			off += 4
		}
		if !m.Vertices[i].IsFinite() {
			return nil, fmt.Errorf("mesh fragment vertex %d has non-finite position %s", i, m.Vertices[i])
		}
	}
	for i := range m.Faces {
		for k := 0; k < 3; k++ {
			m.Faces[i][k] = binary.LittleEndian.Uint32(data[off:])
			off += 4
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeMeshFragment writes a mesh as a legacy precomputed fragment.
func EncodeMeshFragment(m *morph.Mesh) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(len(m.Vertices)))
	for _, v := range m.Vertices {
		for _, c := range v {
			binary.Write(buf, binary.LittleEndian, float32(c))
		}
	}
	for _, f := range m.Faces {
		binary.Write(buf, binary.LittleEndian, f)
	}
	return buf.Bytes()
}
