// Package worklist reads the neurons to process as (neuron, template, folder) entries.
package worklist

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/janelia-flyem/neuronalign/morph"
)

// VFBDataURL prefixes VFB folder URLs that map onto the output root.
const VFBDataURL = "http://www.virtualflybrain.org/data/"

// AutoTemplate asks for the template to be chosen from the neuron's classified region.
const AutoTemplate = "auto"

// Entry is one neuron to process.
type Entry struct {
	Neuron   morph.NeuronID
	Template string // catalog key, AutoTemplate or empty
	Folder   string // output folder relative to the root, VFB URL, absolute, or empty
	Line     int    // source line, 0 if not from a file
}

// TemplateHint returns the template key to try for the entry: its explicit template, or
// else the last element of its folder (VFB folders end in the template short form).
func (e Entry) TemplateHint() string {
	if e.Template != "" && e.Template != AutoTemplate {
		return e.Template
	}
	if e.Template == "" && e.Folder != "" {
		return path.Base(strings.TrimRight(filepath.ToSlash(e.Folder), "/"))
	}
	return ""
}

// ResolveFolder maps an entry folder to a directory.  VFB data URLs have their prefix
// stripped, and relative folders are joined to root.
func ResolveFolder(root, folder string) string {
	for _, prefix := range []string{VFBDataURL, "https://www.virtualflybrain.org/data/"} {
		if strings.HasPrefix(folder, prefix) {
			folder = strings.TrimPrefix(folder, prefix)
			return filepath.Join(root, filepath.FromSlash(folder))
		}
	}
	if filepath.IsAbs(folder) {
		return filepath.Clean(folder)
	}
	return filepath.Join(root, filepath.FromSlash(folder))
}

// ParseID parses a neuron id, allowing a dataset prefix such as "BANC_".
func ParseID(s string) (morph.NeuronID, error) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	return morph.ParseNeuronID(s)
}

// FromIDs builds entries with automatic template routing from a list of ids separated by
// commas or whitespace.
func FromIDs(ids string) ([]Entry, error) {
	fields := strings.FieldsFunc(ids, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	entries := make([]Entry, 0, len(fields))
	for _, f := range fields {
		id, err := ParseID(f)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Neuron: id, Template: AutoTemplate})
	}
	return Dedupe(entries), nil
}

// ReadFile reads a worklist file.  See Parse.
func ReadFile(filename string) ([]Entry, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("worklist %s: %w", filename, err)
	}
	return entries, nil
}

type jsonEntry struct {
	ID       json.RawMessage `json:"id"`
	Template string          `json:"template"`
	Folder   string          `json:"folder"`
}

// Parse reads entries, one per line, either as JSON objects
//
//	{"id": 720575941234567890, "template": "VFB_00101567", "folder": "http://..."}
//
// or as tab-separated "id [template [folder]]" fields.  Blank lines and lines starting with
// '#' are skipped, as is a TSV header whose first field is not an id.  Later duplicates of
// a neuron are dropped.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var e Entry
		if strings.HasPrefix(line, "{") {
			var je jsonEntry
			if err := json.Unmarshal([]byte(line), &je); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			id, err := ParseID(string(bytes.Trim(je.ID, `"`)))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			e = Entry{Neuron: id, Template: je.Template, Folder: je.Folder}
		} else {
			fields := strings.Split(line, "\t")
			id, err := ParseID(fields[0])
			if err != nil {
				if len(entries) == 0 {
					continue // header
				}
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			e = Entry{Neuron: id}
			if len(fields) > 1 {
				e.Template = strings.TrimSpace(fields[1])
			}
			if len(fields) > 2 {
				e.Folder = strings.TrimSpace(fields[2])
			}
		}
		e.Line = lineNum
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return Dedupe(entries), nil
}

// Dedupe keeps the first entry for each neuron, preserving order.  It reuses the
// backing array of entries.
func Dedupe(entries []Entry) []Entry {
	seen := make(map[morph.NeuronID]bool, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if seen[e.Neuron] {
			morph.Warningf("Dropping duplicate worklist entry for neuron %s (line %d)", e.Neuron, e.Line)
			continue
		}
		seen[e.Neuron] = true
		out = append(out, e)
	}
	return out
}

// Limit returns at most n entries; n <= 0 means all.
func Limit(entries []Entry, n int) []Entry {
	if n > 0 && n < len(entries) {
		return entries[:n]
	}
	return entries
}
