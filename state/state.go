package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/janelia-flyem/neuronalign/morph"
)

// DefaultFilename is the state document name relative to the output root.
const DefaultFilename = "processing_state.json"

// ErrCorrupt is returned when a stored document cannot be decoded or fails validation.
var ErrCorrupt = errors.New("corrupt state document")

// Outcome of the last attempt at a neuron.
type Outcome string

const (
	Pending   Outcome = "pending"
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
)

// ErrorClass groups per-neuron failures.
type ErrorClass string

const (
	ClassFetch       ErrorClass = "fetch"
	ClassClassify    ErrorClass = "classify"
	ClassTransform   ErrorClass = "transform"
	ClassExport      ErrorClass = "export"
	ClassInterrupted ErrorClass = "interrupted"
)

// Record is the processing state of one neuron.
type Record struct {
	ID            string     `json:"id"`
	Outcome       Outcome    `json:"outcome"`
	ErrorClass    ErrorClass `json:"error_class,omitempty"`
	Error         string     `json:"error,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	Template      string     `json:"template,omitempty"`
	Unaligned     bool       `json:"unaligned,omitempty"`
	Formats       []string   `json:"formats,omitempty"`
	FormatsFailed []string   `json:"formats_failed,omitempty"`
	Files         []string   `json:"files,omitempty"`
	Attempts      int        `json:"attempts"`
}

func (r *Record) clone() *Record {
	c := *r
	c.Formats = append([]string(nil), r.Formats...)
	c.FormatsFailed = append([]string(nil), r.FormatsFailed...)
	c.Files = append([]string(nil), r.Files...)
	return &c
}

// Document is the whole persisted state.
type Document struct {
	Version string             `json:"version"`
	RunID   string             `json:"run_id"`
	LastRun time.Time          `json:"last_run"`
	Records map[string]*Record `json:"records"`
}

func newDocument() *Document {
	return &Document{
		Version: morph.Version.String(),
		Records: make(map[string]*Record),
	}
}

func (d *Document) clone() *Document {
	c := &Document{Version: d.Version, RunID: d.RunID, LastRun: d.LastRun}
	c.Records = make(map[string]*Record, len(d.Records))
	for id, r := range d.Records {
		c.Records[id] = r.clone()
	}
	return c
}

// Backend persists documents.  Load returns nil, nil if nothing was stored yet.  Save
// receives the full document and the ids of records changed since the last save.
type Backend interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document, changed []string) error
	Close() error
}

// Summary counts records by outcome.
type Summary struct {
	Succeeded int
	Failed    int
	Pending   int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d succeeded, %d failed, %d pending", s.Succeeded, s.Failed, s.Pending)
}

// Store is the processing state shared by all workers of a run.
type Store struct {
	backend Backend
	runID   string

	mu    sync.Mutex
	doc   *Document
	dirty map[string]bool
}

// NewStore returns a store for the given run.  Load must be called before use.
func NewStore(backend Backend, runID string) *Store {
	return &Store{backend: backend, runID: runID, dirty: make(map[string]bool)}
}

// Load reads the stored document, or starts an empty one, and stamps it with this run.
func (s *Store) Load(ctx context.Context) error {
	doc, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = newDocument()
	} else if !morph.CompatibleVersion(doc.Version) {
		return fmt.Errorf("%w: written by version %q, this is %s", ErrCorrupt, doc.Version, morph.Version)
	}
	if doc.Records == nil {
		doc.Records = make(map[string]*Record)
	}
	for id, r := range doc.Records {
		if r == nil || r.ID != id {
			return fmt.Errorf("%w: record key %q does not match its id", ErrCorrupt, id)
		}
	}
	prev := doc.LastRun
	doc.Version = morph.Version.String()
	doc.RunID = s.runID
	doc.LastRun = time.Now().UTC()

	s.mu.Lock()
	s.doc = doc
	s.dirty = make(map[string]bool)
	s.mu.Unlock()
	if !prev.IsZero() {
		morph.Infof("Loaded state with %d records, last run %s", len(doc.Records), prev.Format(time.RFC3339))
	}
	return nil
}

// Get returns a copy of the record of a neuron.
func (s *Store) Get(id morph.NeuronID) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.doc.Records[id.String()]
	if !found {
		return Record{}, false
	}
	return *r.clone(), true
}

// IsDone returns true if the neuron succeeded before with every requested format, and all
// files recorded for it still exist.
func (s *Store) IsDone(id morph.NeuronID, formats []string) bool {
	s.mu.Lock()
	r, found := s.doc.Records[id.String()]
	if found {
		r = r.clone()
	}
	s.mu.Unlock()
	if !found || r.Outcome != Succeeded {
		return false
	}
	written := make(map[string]bool, len(r.Formats))
	for _, f := range r.Formats {
		written[f] = true
	}
	for _, f := range formats {
		if !written[f] {
			return false
		}
	}
	if len(r.Files) == 0 {
		return false
	}
	for _, path := range r.Files {
		if !morph.FileExists(path) {
			return false
		}
	}
	return true
}

// Record sets the record of a neuron after an attempt.  Unless given, the attempt count is
// one more than in any previous record and the timestamp is now.  The record is
// persisted on the next Persist.
func (s *Store) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Attempts == 0 {
		rec.Attempts = 1
		if prev, found := s.doc.Records[rec.ID]; found {
			rec.Attempts = prev.Attempts + 1
		}
	}
	s.doc.Records[rec.ID] = rec.clone()
	s.dirty[rec.ID] = true
}

// Persist saves the document.  Concurrent callers are serialized.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		changed = append(changed, id)
	}
	sort.Strings(changed)
	if err := s.backend.Save(ctx, s.doc, changed); err != nil {
		return fmt.Errorf("persisting state: %w", err)
	}
	s.dirty = make(map[string]bool)
	return nil
}

// Summary counts records by outcome.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum Summary
	for _, r := range s.doc.Records {
		switch r.Outcome {
		case Succeeded:
			sum.Succeeded++
		case Failed:
			sum.Failed++
		default:
			sum.Pending++
		}
	}
	return sum
}

// Failures returns the failed records sorted by id.
func (s *Store) Failures() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.doc.Records {
		if r.Outcome == Failed {
			out = append(out, *r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
