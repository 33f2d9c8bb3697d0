package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MeshSource tells where the surface used for the mesh and volume came from.
type MeshSource string

const (
	MeshPrecomputed  MeshSource = "precomputed"
	MeshSkeletonTube MeshSource = "skeleton-tube"
	MeshNone         MeshSource = "none"
)

// Metadata is the provenance document written as metadata.json next to the geometry.
type Metadata struct {
	NeuronID          string `json:"neuron_id"`
	TemplateID        string `json:"template_id"`
	TemplateName      string `json:"template_name"`
	TemplateShortForm string `json:"template_short_form,omitempty"`
	CoordinateSpace   string `json:"coordinate_space"`

	Region        string  `json:"region"`
	BrainFraction float64 `json:"brain_fraction"`

	Unaligned     bool       `json:"unaligned"`
	Units         string     `json:"units"`
	VoxelSize     [3]float64 `json:"voxel_size"`
	VoxelUnits    string     `json:"voxel_size_units"`
	Stage1Backend string     `json:"stage1_backend"`
	Stage1Error   string     `json:"stage1_error,omitempty"`
	Stage2Bridge  string     `json:"stage2_bridge"`
	Stage2Applied bool       `json:"stage2_applied"`
	MeshSource    MeshSource `json:"mesh_source"`

	NodeCount            int        `json:"node_count"`
	CableLength          float64    `json:"cable_length"`
	Centroid             [3]float64 `json:"centroid"`
	DominantAxis         string     `json:"dominant_axis"`
	ObservedDominantAxis string     `json:"observed_dominant_axis"`
	DominantAxisOK       bool       `json:"dominant_axis_ok"`

	Files         map[string]string `json:"files"`
	FormatsFailed map[string]string `json:"formats_failed,omitempty"`
	BytesWritten  int64             `json:"bytes_written"`

	PipelineVersion string    `json:"pipeline_version"`
	RunID           string    `json:"run_id"`
	Timestamp       time.Time `json:"timestamp"`
}

const metadataSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "neuron export provenance",
	"type": "object",
	"required": ["neuron_id", "template_id", "coordinate_space", "unaligned", "units",
		"voxel_size", "mesh_source", "files", "pipeline_version", "run_id", "timestamp"],
	"properties": {
		"neuron_id": {"type": "string", "pattern": "^[0-9]+$"},
		"template_id": {"type": "string", "minLength": 1},
		"template_name": {"type": "string"},
		"coordinate_space": {"type": "string", "minLength": 1},
		"region": {"enum": ["brain", "nerve-cord"]},
		"brain_fraction": {"type": "number", "minimum": 0, "maximum": 1},
		"unaligned": {"type": "boolean"},
		"units": {"enum": ["micrometers", "nanometers"]},
		"voxel_size": {
			"type": "array", "minItems": 3, "maxItems": 3,
			"items": {"type": "number", "exclusiveMinimum": 0}
		},
		"stage2_applied": {"type": "boolean"},
		"mesh_source": {"enum": ["precomputed", "skeleton-tube", "none"]},
		"node_count": {"type": "integer", "minimum": 1},
		"cable_length": {"type": "number", "minimum": 0},
		"files": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {"type": "string"}
		},
		"bytes_written": {"type": "integer", "minimum": 0},
		"pipeline_version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+"},
		"run_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string", "format": "date-time"}
	}
}`

func compileMetadataSchema() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("metadata.schema.json", metadataSchema)
}

// validateJSON checks the JSON encoding of v against the schema and returns the encoding.
func validateJSON(sch *jsonschema.Schema, v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("metadata fails schema: %w", err)
	}
	return append(data, '\n'), nil
}

// ReadMetadata decodes a metadata document.
func ReadMetadata(data []byte) (*Metadata, error) {
	md := new(Metadata)
	if err := json.Unmarshal(data, md); err != nil {
		return nil, err
	}
	return md, nil
}
