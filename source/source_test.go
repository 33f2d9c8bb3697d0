package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/janelia-flyem/neuronalign/morph"
)

// testSkeleton lists nodes in the breadth-first order the decoder produces.
func testSkeleton(t *testing.T) *morph.Skeleton {
	nodes := []morph.Node{
		{ID: 1, Pos: morph.Vector3d{100, 200, 300}, Radius: 50, Parent: morph.NoParent},
		{ID: 2, Pos: morph.Vector3d{110, 210, 300}, Radius: 40, Parent: 1},
		{ID: 3, Pos: morph.Vector3d{100, 230, 310}, Radius: 20, Parent: 1},
		{ID: 4, Pos: morph.Vector3d{120, 220, 300}, Radius: 30, Parent: 2},
		{ID: 5, Pos: morph.Vector3d{900, 900, 900}, Radius: 10, Parent: morph.NoParent},
	}
	s, err := morph.NewSkeleton(7, morph.Nanometers, nodes)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func gzipBytes(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func putJSON(t *testing.T, b *blob.Bucket, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.WriteAll(context.Background(), key, data, nil); err != nil {
		t.Fatal(err)
	}
}

func TestSkeletonRoundTrip(t *testing.T) {
	ctx := context.Background()
	skels := memblob.OpenBucket(nil)
	putJSON(t, skels, "info", RadiusInfo())
	s := testSkeleton(t)
	if err := skels.WriteAll(ctx, "7", gzipBytes(t, EncodeSkeleton(s)), nil); err != nil {
		t.Fatal(err)
	}
	p, err := NewPrecomputed(ctx, skels, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	got, err := p.FetchSkeleton(ctx, 7)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if diff := cmp.Diff(s.Nodes, got.Nodes); diff != "" {
		t.Errorf("skeleton mismatch (-want +got):\n%s", diff)
	}
	if got.Units != morph.Nanometers {
		t.Errorf("expected nanometers, got %s", got.Units)
	}
	if _, err := p.FetchSkeleton(ctx, 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := p.FetchMesh(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected absent mesh without mesh bucket, got %v", err)
	}
}

func TestDecodeSkeletonTree(t *testing.T) {
	// vertex 2 is the hub; edges listed in arbitrary direction
	nodes := []morph.Node{
		{ID: 1, Pos: morph.Vector3d{0, 0, 0}, Parent: morph.NoParent},
		{ID: 2, Pos: morph.Vector3d{1, 0, 0}, Parent: 3},
		{ID: 3, Pos: morph.Vector3d{2, 0, 0}, Parent: 1},
		{ID: 4, Pos: morph.Vector3d{3, 0, 0}, Parent: 3},
	}
	s, err := morph.NewSkeleton(1, morph.Nanometers, nodes)
	if err != nil {
		t.Fatal(err)
	}
	info := SkeletonInfo{Transform: []float64{2, 0, 0, 10, 0, 2, 0, 0, 0, 0, 2, 0}}
	info.VertexAttributes = RadiusInfo().VertexAttributes
	got, err := DecodeSkeleton(1, EncodeSkeleton(s), info)
	if err != nil {
		t.Fatal(err)
	}
	if roots := got.Roots(); len(roots) != 1 || roots[0] != 1 {
		t.Errorf("expected single root at vertex 0, got %v", roots)
	}
	parents := map[int64]int64{}
	for _, n := range got.Nodes {
		parents[n.ID] = n.Parent
	}
	want := map[int64]int64{1: morph.NoParent, 3: 1, 2: 3, 4: 3}
	if diff := cmp.Diff(want, parents); diff != "" {
		t.Errorf("parents mismatch (-want +got):\n%s", diff)
	}
	if got.Nodes[0].Pos != (morph.Vector3d{10, 0, 0}) {
		t.Errorf("info transform not applied: %s", got.Nodes[0].Pos)
	}
}

func TestDecodeSkeletonErrors(t *testing.T) {
	good := EncodeSkeleton(testSkeleton(t))
	if _, err := DecodeSkeleton(1, good[:6], SkeletonInfo{}); err == nil {
		t.Errorf("expected short object error")
	}
	if _, err := DecodeSkeleton(1, good[:20], SkeletonInfo{}); err == nil {
		t.Errorf("expected truncated object error")
	}
	if _, err := DecodeSkeleton(1, good[:len(good)-4], RadiusInfo()); err == nil {
		t.Errorf("expected truncated attribute error")
	}
	bad := append([]byte(nil), good...)
	// first edge endpoint beyond vertex count
	bad[8+12*5] = 99
	if _, err := DecodeSkeleton(1, bad, SkeletonInfo{}); err == nil {
		t.Errorf("expected edge range error")
	}

	inf := testSkeleton(t)
	inf.Nodes[2].Pos[0] = math.Inf(1)
	if _, err := DecodeSkeleton(1, EncodeSkeleton(inf), RadiusInfo()); err == nil {
		t.Errorf("expected non-finite position error")
	}
	nan := testSkeleton(t)
	nan.Nodes[1].Radius = math.NaN()
	if _, err := DecodeSkeleton(1, EncodeSkeleton(nan), RadiusInfo()); err == nil {
		t.Errorf("expected non-finite radius error")
	}
}

func TestFetchMesh(t *testing.T) {
	ctx := context.Background()
	skels := memblob.OpenBucket(nil)
	meshes := memblob.OpenBucket(nil)
	a := &morph.Mesh{
		Vertices: []morph.Vector3d{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Faces:    []morph.Face{{0, 1, 2}},
	}
	b := &morph.Mesh{
		Vertices: []morph.Vector3d{{5, 5, 5}, {6, 5, 5}, {5, 6, 5}, {5, 5, 6}},
		Faces:    []morph.Face{{0, 1, 2}, {0, 1, 3}},
	}
	putJSON(t, meshes, "7:0", map[string][]string{"fragments": {"7:0:a", "7:0:b"}})
	if err := meshes.WriteAll(ctx, "7:0:a", EncodeMeshFragment(a), nil); err != nil {
		t.Fatal(err)
	}
	if err := meshes.WriteAll(ctx, "7:0:b", gzipBytes(t, EncodeMeshFragment(b)), nil); err != nil {
		t.Fatal(err)
	}
	putJSON(t, meshes, "8:0", map[string][]string{"fragments": {}})
	putJSON(t, meshes, "9:0", map[string][]string{"fragments": {"missing"}})

	p, err := NewPrecomputed(ctx, skels, meshes)
	if err != nil {
		t.Fatal(err)
	}
	m, err := p.FetchMesh(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(morph.MergeMeshes(a, b), m); diff != "" {
		t.Errorf("merged mesh mismatch (-want +got):\n%s", diff)
	}
	if _, err := p.FetchMesh(ctx, 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected empty manifest as not found, got %v", err)
	}
	if _, err := p.FetchMesh(ctx, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected missing fragment as not found, got %v", err)
	}
	if _, err := p.FetchMesh(ctx, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected missing manifest as not found, got %v", err)
	}
}

func TestDecodeMeshFragmentErrors(t *testing.T) {
	frag := EncodeMeshFragment(&morph.Mesh{
		Vertices: []morph.Vector3d{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Faces:    []morph.Face{{0, 1, 5}},
	})
	if _, err := DecodeMeshFragment(frag); err == nil {
		t.Errorf("expected out-of-range face error")
	}
	if _, err := DecodeMeshFragment(frag[:len(frag)-2]); err == nil {
		t.Errorf("expected partial triangle error")
	}
	if _, err := DecodeMeshFragment(frag[:10]); err == nil {
		t.Errorf("expected truncated vertices error")
	}
	nan := EncodeMeshFragment(&morph.Mesh{
		Vertices: []morph.Vector3d{{0, 0, 0}, {1, math.NaN(), 0}, {0, 1, 0}},
		Faces:    []morph.Face{{0, 1, 2}},
	})
	if _, err := DecodeMeshFragment(nan); err == nil {
		t.Errorf("expected non-finite vertex error")
	}
}

func TestNewPrecomputedInfo(t *testing.T) {
	ctx := context.Background()
	b := memblob.OpenBucket(nil)
	if _, err := NewPrecomputed(ctx, b, nil); err != nil {
		t.Errorf("missing info should be allowed: %v", err)
	}
	putJSON(t, b, "info", map[string]interface{}{"@type": "neuroglancer_skeletons", "sharding": map[string]string{"@type": "neuroglancer_uint64_sharded_v1"}})
	if _, err := NewPrecomputed(ctx, b, nil); err == nil {
		t.Errorf("expected sharded info to be rejected")
	}
	putJSON(t, b, "info", map[string]interface{}{"transform": []float64{1, 2, 3}})
	if _, err := NewPrecomputed(ctx, b, nil); err == nil {
		t.Errorf("expected bad transform to be rejected")
	}
}

func TestOpenBucket(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "info"), []byte(`{"@type":"neuroglancer_skeletons"}`), 0644); err != nil {
		t.Fatal(err)
	}
	for _, ref := range []string{dir, "file://" + filepath.ToSlash(dir)} {
		b, err := OpenBucket(ctx, ref)
		if err != nil {
			t.Fatalf("open %q: %v", ref, err)
		}
		if ok, err := b.Exists(ctx, "info"); err != nil || !ok {
			t.Errorf("expected info in %q: %v", ref, err)
		}
		b.Close()
	}
	b, err := OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatal(err)
	}
	b.Close()
	if _, err := OpenBucket(ctx, "ftp://example.org/x"); err == nil {
		t.Errorf("expected unsupported scheme error")
	}
}

type flakySource struct {
	failures int
	calls    int
	err      error
}

func (f *flakySource) FetchSkeleton(ctx context.Context, id morph.NeuronID) (*morph.Skeleton, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return morph.NewSkeleton(id, morph.Nanometers, []morph.Node{{ID: 1, Parent: morph.NoParent}})
}

func (f *flakySource) FetchMesh(ctx context.Context, id morph.NeuronID) (*morph.Mesh, error) {
	f.calls++
	return nil, ErrNotFound
}

func TestRetrying(t *testing.T) {
	ctx := context.Background()
	flaky := &flakySource{failures: 2, err: errors.New("503 backend error")}
	r := NewRetrying(flaky, 3, time.Millisecond)
	if _, err := r.FetchSkeleton(ctx, 1); err != nil {
		t.Errorf("expected success on third attempt: %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 calls, got %d", flaky.calls)
	}

	flaky = &flakySource{failures: 5, err: errors.New("timeout")}
	r = NewRetrying(flaky, 2, time.Millisecond)
	if _, err := r.FetchSkeleton(ctx, 1); err == nil || flaky.calls != 2 {
		t.Errorf("expected failure after 2 attempts, got %v after %d calls", err, flaky.calls)
	}

	flaky = &flakySource{}
	r = NewRetrying(flaky, 5, time.Millisecond)
	if _, err := r.FetchMesh(ctx, 1); !errors.Is(err, ErrNotFound) || flaky.calls != 1 {
		t.Errorf("not found must not be retried: %v after %d calls", err, flaky.calls)
	}
}
