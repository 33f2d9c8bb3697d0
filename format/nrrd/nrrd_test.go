package nrrd

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/janelia-flyem/neuronalign/morph"
)

func testVolume() (Header, []byte) {
	h := Header{
		Sizes:      [3]int{4, 3, 2},
		VoxelSize:  morph.Vector3d{0.622, 0.622, 0.622},
		Origin:     morph.Vector3d{100.5, 20, -3},
		SpaceUnits: "microns",
		Comments:   []string{"neuron 7"},
		KeyValues: map[string]string{
			"coordinate_space": "brain unisex space",
			"dominant_axis":    "width",
		},
	}
	data := make([]byte, h.NumVoxels())
	for i := range data {
		if i%3 == 0 {
			data[i] = 255
		}
	}
	return h, data
}

func TestRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{Raw, Gzip} {
		h, data := testVolume()
		h.Encoding = enc
		var buf bytes.Buffer
		if err := Write(&buf, h, data, 6); err != nil {
			t.Fatalf("%s: write: %v", enc, err)
		}
		got, gotData, err := Read(&buf)
		if err != nil {
			t.Fatalf("%s: read: %v", enc, err)
		}
		h.Space = Space
		if diff := cmp.Diff(h, got); diff != "" {
			t.Errorf("%s: header mismatch (-want +got):\n%s", enc, diff)
		}
		if !bytes.Equal(data, gotData) {
			t.Errorf("%s: payload mismatch", enc)
		}
	}
}

func TestHeaderText(t *testing.T) {
	h, data := testVolume()
	var buf bytes.Buffer
	if err := Write(&buf, h, data, 1); err != nil {
		t.Fatal(err)
	}
	text := buf.String()
	for _, want := range []string{
		"NRRD0004\n",
		"space: left-posterior-superior\n",
		"sizes: 4 3 2\n",
		"space directions: (0.622,0,0) (0,0.622,0) (0,0,0.622)\n",
		"space origin: (100.5,20,-3)\n",
		"space units: \"microns\" \"microns\" \"microns\"\n",
		"encoding: gzip\n",
		"coordinate_space:=brain unisex space\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("header missing %q", want)
		}
	}
}

func TestWriteSizeMismatch(t *testing.T) {
	h, data := testVolume()
	if err := Write(&bytes.Buffer{}, h, data[1:], 1); err == nil {
		t.Errorf("expected error on short payload")
	}
}

func TestReadHeaderErrors(t *testing.T) {
	bad := []string{
		"P6\n",
		"NRRD0004\ntype: float\n\n",
		"NRRD0004\ndimension: 2\n\n",
		"NRRD0004\nsizes: 1 2\n\n",
		"NRRD0004\nencoding: bzip2\n\n",
		"NRRD0004\nnonsense\n\n",
	}
	for _, s := range bad {
		if _, err := ReadHeader(bufio.NewReader(strings.NewReader(s))); err == nil {
			t.Errorf("expected error for header %q", s)
		}
	}
}
