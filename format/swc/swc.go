// Package swc reads and writes skeletons in the SWC format.
package swc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/janelia-flyem/neuronalign/morph"
)

// Precision is the number of decimals written for coordinates and radii.  At 1e-4 of
// the coordinate unit, positions round-trip far below any template voxel size.
const Precision = 4

// Header carries the comment lines of an SWC file.
type Header struct {
	Units    morph.Units
	Comments []string
}

// Encode writes the skeleton, preceded by comment lines and a units declaration.
func Encode(w io.Writer, s *morph.Skeleton, comments ...string) error {
	bw := bufio.NewWriter(w)
	for _, c := range comments {
		for _, line := range strings.Split(c, "\n") {
			if _, err := fmt.Fprintf(bw, "# %s\n", line); err != nil {
				return err
			}
		}
	}
	units := s.Units
	if units == "" {
		units = morph.Micrometers
	}
	fmt.Fprintf(bw, "# units: %s\n", units)
	fmt.Fprintf(bw, "# id type x y z radius parent\n")

	buf := make([]byte, 0, 128)
	for _, n := range s.Nodes {
		buf = buf[:0]
		buf = strconv.AppendInt(buf, n.ID, 10)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, int64(n.Type), 10)
		for _, v := range n.Pos {
			buf = append(buf, ' ')
			buf = strconv.AppendFloat(buf, v, 'f', Precision, 64)
		}
		buf = append(buf, ' ')
		buf = strconv.AppendFloat(buf, n.Radius, 'f', Precision, 64)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, n.Parent, 10)
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode parses an SWC stream into a validated skeleton.  Any negative parent is read as
// the root sentinel.  Units default to micrometers when not declared.
func Decode(r io.Reader, id morph.NeuronID) (*morph.Skeleton, Header, error) {
	var hdr Header
	var nodes []morph.Node
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
			if strings.HasPrefix(comment, "units:") {
				hdr.Units = morph.Units(strings.TrimSpace(strings.TrimPrefix(comment, "units:")))
			} else {
				hdr.Comments = append(hdr.Comments, comment)
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			return nil, hdr, fmt.Errorf("swc line %d: expected 7 fields, got %d", lineNum, len(fields))
		}
		n, err := parseNode(fields)
		if err != nil {
			return nil, hdr, fmt.Errorf("swc line %d: %w", lineNum, err)
		}
		nodes = append(nodes, n)
	}
	if err := scanner.Err(); err != nil {
		return nil, hdr, err
	}
	if hdr.Units == "" {
		hdr.Units = morph.Micrometers
	}
	s, err := morph.NewSkeleton(id, hdr.Units, nodes)
	if err != nil {
		return nil, hdr, err
	}
	return s, hdr, nil
}

func parseNode(fields []string) (n morph.Node, err error) {
	if n.ID, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
		return
	}
	var typ int64
	if typ, err = strconv.ParseInt(fields[1], 10, 32); err != nil {
		return
	}
	n.Type = morph.NodeType(typ)
	for i := 0; i < 3; i++ {
		if n.Pos[i], err = strconv.ParseFloat(fields[2+i], 64); err != nil {
			return
		}
	}
	if n.Radius, err = strconv.ParseFloat(fields[5], 64); err != nil {
		return
	}
	if n.Parent, err = strconv.ParseInt(fields[6], 10, 64); err != nil {
		return
	}
	if n.Parent < 0 {
		n.Parent = morph.NoParent
	}
	return
}
