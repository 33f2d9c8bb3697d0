// Package obj reads and writes triangle meshes in the Wavefront OBJ format.
package obj

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/janelia-flyem/neuronalign/morph"
)

// Precision is the number of decimals written for vertex coordinates.
const Precision = 4

// Encode writes comment lines, the vertex list and the face list.  OBJ indices are
// 1-based while morph.Face is 0-based.
func Encode(w io.Writer, m *morph.Mesh, comments ...string) error {
	bw := bufio.NewWriter(w)
	for _, c := range comments {
		for _, line := range strings.Split(c, "\n") {
			if _, err := fmt.Fprintf(bw, "# %s\n", line); err != nil {
				return err
			}
		}
	}
	buf := make([]byte, 0, 96)
	for _, v := range m.Vertices {
		buf = append(buf[:0], 'v')
		for _, c := range v {
			buf = append(buf, ' ')
			buf = strconv.AppendFloat(buf, c, 'f', Precision, 64)
		}
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	for _, f := range m.Faces {
		buf = append(buf[:0], 'f')
		for _, idx := range f {
			buf = append(buf, ' ')
			buf = strconv.AppendUint(buf, uint64(idx)+1, 10)
		}
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode parses vertices and faces.  Face tokens may carry texture/normal references
// ("1/2/3") and negative relative indices; polygons are fan-triangulated.  Other
// statements are ignored.
func Decode(r io.Reader) (*morph.Mesh, error) {
	m := new(morph.Mesh)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("obj line %d: vertex needs 3 coordinates", lineNum)
			}
			var v morph.Vector3d
			for i := 0; i < 3; i++ {
				c, err := strconv.ParseFloat(fields[1+i], 64)
				if err != nil {
					return nil, fmt.Errorf("obj line %d: %w", lineNum, err)
				}
				v[i] = c
			}
			if !v.IsFinite() {
				return nil, fmt.Errorf("obj line %d: non-finite vertex %s", lineNum, v)
			}
			m.Vertices = append(m.Vertices, v)
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("obj line %d: face needs at least 3 vertices", lineNum)
			}
			idx := make([]uint32, len(fields)-1)
			for i, tok := range fields[1:] {
				v, err := parseIndex(tok, len(m.Vertices))
				if err != nil {
					return nil, fmt.Errorf("obj line %d: %w", lineNum, err)
				}
				idx[i] = v
			}
			for i := 1; i+1 < len(idx); i++ {
				m.Faces = append(m.Faces, morph.Face{idx[0], idx[i], idx[i+1]})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseIndex(tok string, numVerts int) (uint32, error) {
	if slash := strings.IndexByte(tok, '/'); slash >= 0 {
		tok = tok[:slash]
	}
	i, err := strconv.Atoi(tok)
	if err != nil {
		return 0, err
	}
	switch {
	case i > 0 && i <= numVerts:
		return uint32(i - 1), nil
	case i < 0 && numVerts+i >= 0:
		return uint32(numVerts + i), nil
	default:
		return 0, fmt.Errorf("vertex index %d out of range for %d vertices", i, numVerts)
	}
}
