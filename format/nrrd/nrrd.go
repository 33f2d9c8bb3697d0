/*
Package nrrd writes and reads 3d uint8 volumes in the NRRD format (version 4) with
physical space metadata.  Only the subset needed for template-aligned neuron volumes is
supported: one scalar per voxel, x fastest, little endian, raw or gzip encoding.
*/
package nrrd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/neuronalign/morph"
)

const magic = "NRRD0004"

// Space is the anatomical orientation written for template volumes.
const Space = "left-posterior-superior"

// Encoding of the data payload.
type Encoding string

const (
	Raw  Encoding = "raw"
	Gzip Encoding = "gzip"
)

// Header is the parsed or to-be-written NRRD header.
type Header struct {
	Sizes      [3]int
	VoxelSize  morph.Vector3d
	Origin     morph.Vector3d
	Space      string
	SpaceUnits string
	Encoding   Encoding
	Comments   []string

	// KeyValues are free-form "key:=value" pairs.
	KeyValues map[string]string
}

// NumVoxels returns the payload length implied by the sizes.
func (h Header) NumVoxels() int {
	return h.Sizes[0] * h.Sizes[1] * h.Sizes[2]
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatVector(v morph.Vector3d) string {
	return "(" + formatFloat(v[0]) + "," + formatFloat(v[1]) + "," + formatFloat(v[2]) + ")"
}

// Write writes the header and the payload.  Gzip payloads use the given compression level.
func Write(w io.Writer, h Header, data []byte, level int) error {
	if len(data) != h.NumVoxels() {
		return fmt.Errorf("nrrd payload has %d bytes, header sizes require %d", len(data), h.NumVoxels())
	}
	if h.Space == "" {
		h.Space = Space
	}
	if h.Encoding == "" {
		h.Encoding = Gzip
	}
	var hdr bytes.Buffer
	hdr.WriteString(magic + "\n")
	for _, c := range h.Comments {
		fmt.Fprintf(&hdr, "# %s\n", c)
	}
	hdr.WriteString("type: uint8\n")
	hdr.WriteString("dimension: 3\n")
	fmt.Fprintf(&hdr, "space: %s\n", h.Space)
	fmt.Fprintf(&hdr, "sizes: %d %d %d\n", h.Sizes[0], h.Sizes[1], h.Sizes[2])
	var dirs [3]morph.Vector3d
	for i := range dirs {
		dirs[i][i] = h.VoxelSize[i]
	}
	fmt.Fprintf(&hdr, "space directions: %s %s %s\n", formatVector(dirs[0]), formatVector(dirs[1]), formatVector(dirs[2]))
	hdr.WriteString("kinds: domain domain domain\n")
	hdr.WriteString("endian: little\n")
	fmt.Fprintf(&hdr, "encoding: %s\n", h.Encoding)
	fmt.Fprintf(&hdr, "space origin: %s\n", formatVector(h.Origin))
	if h.SpaceUnits != "" {
		u := strconv.Quote(h.SpaceUnits)
		fmt.Fprintf(&hdr, "space units: %s %s %s\n", u, u, u)
	}
	keys := make([]string, 0, len(h.KeyValues))
	for k := range h.KeyValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&hdr, "%s:=%s\n", k, h.KeyValues[k])
	}
	hdr.WriteString("\n")
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return err
	}

	switch h.Encoding {
	case Raw:
		_, err := w.Write(data)
		return err
	case Gzip:
		zw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return err
		}
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	default:
		return fmt.Errorf("unsupported nrrd encoding %q", h.Encoding)
	}
}

// ReadHeader parses the header up to and including the blank separator line.
func ReadHeader(r *bufio.Reader) (Header, error) {
	h := Header{KeyValues: map[string]string{}}
	first, err := r.ReadString('\n')
	if err != nil {
		return h, fmt.Errorf("reading nrrd magic: %w", err)
	}
	if !strings.HasPrefix(first, "NRRD000") {
		return h, fmt.Errorf("not an nrrd file: %q", strings.TrimSpace(first))
	}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return h, fmt.Errorf("reading nrrd header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			h.Comments = append(h.Comments, strings.TrimSpace(line[1:]))
			continue
		}
		if i := strings.Index(line, ":="); i >= 0 {
			h.KeyValues[line[:i]] = line[i+2:]
			continue
		}
		i := strings.Index(line, ": ")
		if i < 0 {
			return h, fmt.Errorf("bad nrrd header line %q", line)
		}
		field, value := line[:i], strings.TrimSpace(line[i+2:])
		if err := h.setField(field, value); err != nil {
			return h, err
		}
	}
	return h, nil
}

func (h *Header) setField(field, value string) error {
	switch field {
	case "type":
		if value != "uint8" && value != "uchar" && value != "unsigned char" {
			return fmt.Errorf("unsupported nrrd type %q", value)
		}
	case "dimension":
		if value != "3" {
			return fmt.Errorf("unsupported nrrd dimension %s", value)
		}
	case "space":
		h.Space = value
	case "sizes":
		parts := strings.Fields(value)
		if len(parts) != 3 {
			return fmt.Errorf("bad nrrd sizes %q", value)
		}
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil {
				return fmt.Errorf("bad nrrd sizes %q: %w", value, err)
			}
			h.Sizes[i] = n
		}
	case "space directions":
		parts := strings.Fields(value)
		if len(parts) != 3 {
			return fmt.Errorf("bad nrrd space directions %q", value)
		}
		for i, p := range parts {
			v, err := parseVector(p)
			if err != nil {
				return err
			}
			if v[(i+1)%3] == 0 && v[(i+2)%3] == 0 {
				h.VoxelSize[i] = math.Abs(v[i])
			} else {
				h.VoxelSize[i] = v.Length()
			}
		}
	case "space origin":
		v, err := parseVector(value)
		if err != nil {
			return err
		}
		h.Origin = v
	case "space units":
		parts := strings.Fields(value)
		if len(parts) > 0 {
			u, err := strconv.Unquote(parts[0])
			if err != nil {
				return fmt.Errorf("bad nrrd space units %q: %w", value, err)
			}
			h.SpaceUnits = u
		}
	case "encoding":
		switch Encoding(value) {
		case Raw, Gzip:
			h.Encoding = Encoding(value)
		case "gz":
			h.Encoding = Gzip
		default:
			return fmt.Errorf("unsupported nrrd encoding %q", value)
		}
	case "endian":
		if value != "little" {
			return fmt.Errorf("unsupported nrrd endian %q", value)
		}
	}
	return nil
}

func parseVector(s string) (morph.Vector3d, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	return morph.StringToVector3d(s, ",")
}

// Read parses a complete NRRD stream and returns the header and decoded payload.
func Read(r io.Reader) (Header, []byte, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return h, nil, err
	}
	var payload io.Reader = br
	if h.Encoding == Gzip {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return h, nil, err
		}
		defer zr.Close()
		payload = zr
	}
	data := make([]byte, h.NumVoxels())
	if _, err := io.ReadFull(payload, data); err != nil {
		return h, nil, fmt.Errorf("reading nrrd payload: %w", err)
	}
	return h, data, nil
}
