package export

import (
	"fmt"
	"sort"
	"strings"
)

// Format is an output geometry format.
type Format string

const (
	SWC  Format = "swc"
	OBJ  Format = "obj"
	NRRD Format = "nrrd"
)

// AllFormats in the order they are written.
var AllFormats = []Format{SWC, OBJ, NRRD}

// Filename returns the file name used for the format inside a neuron directory.
func (f Format) Filename() string {
	switch f {
	case SWC:
		return "volume.swc"
	case OBJ:
		return "volume_man.obj"
	case NRRD:
		return "volume.nrrd"
	default:
		return ""
	}
}

// MetadataFilename is the provenance document written after the formats.
const MetadataFilename = "metadata.json"

func (f Format) order() int {
	for i, g := range AllFormats {
		if f == g {
			return i
		}
	}
	return len(AllFormats)
}

// ParseFormats parses a comma-separated format list such as "swc,obj,nrrd".  Aliases
// "skeleton", "mesh" and "volume" are accepted.  Duplicates are removed and the result is
// in write order.
func ParseFormats(s string) ([]Format, error) {
	seen := make(map[Format]bool)
	var formats []Format
	for _, tok := range strings.Split(s, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		var f Format
		switch tok {
		case "swc", "skeleton":
			f = SWC
		case "obj", "mesh":
			f = OBJ
		case "nrrd", "volume":
			f = NRRD
		case "all":
			for _, g := range AllFormats {
				if !seen[g] {
					seen[g] = true
					formats = append(formats, g)
				}
			}
			continue
		default:
			return nil, fmt.Errorf("unknown output format %q", tok)
		}
		if !seen[f] {
			seen[f] = true
			formats = append(formats, f)
		}
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("no output formats in %q", s)
	}
	SortFormats(formats)
	return formats, nil
}

// SortFormats sorts formats into write order.
func SortFormats(formats []Format) {
	sort.Slice(formats, func(i, j int) bool { return formats[i].order() < formats[j].order() })
}

// FormatsString joins formats with commas.
func FormatsString(formats []Format) string {
	s := make([]string, len(formats))
	for i, f := range formats {
		s[i] = string(f)
	}
	return strings.Join(s, ",")
}
