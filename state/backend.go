package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/janelia-flyem/neuronalign/morph"
)

// MemoryBackend keeps a copy of the last saved document.
type MemoryBackend struct {
	mu    sync.Mutex
	doc   *Document
	saves int
}

func (m *MemoryBackend) Load(ctx context.Context) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil, nil
	}
	return m.doc.clone(), nil
}

func (m *MemoryBackend) Save(ctx context.Context, doc *Document, changed []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc.clone()
	m.saves++
	return nil
}

// Saves returns the number of saves so far.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryBackend) Close() error { return nil }

const documentSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "neuron processing state",
	"type": "object",
	"required": ["version", "records"],
	"properties": {
		"version": {"type": "string"},
		"run_id": {"type": "string"},
		"last_run": {"type": "string"},
		"records": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["id", "outcome", "timestamp"],
				"properties": {
					"id": {"type": "string", "pattern": "^[0-9]+$"},
					"outcome": {"enum": ["pending", "succeeded", "failed"]},
					"error_class": {"enum": ["fetch", "classify", "transform", "export", "interrupted"]},
					"error": {"type": "string"},
					"timestamp": {"type": "string"},
					"formats": {"type": "array", "items": {"type": "string"}},
					"formats_failed": {"type": "array", "items": {"type": "string"}},
					"files": {"type": "array", "items": {"type": "string"}},
					"attempts": {"type": "integer", "minimum": 0}
				}
			}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func documentValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("state.schema.json", documentSchema)
	})
	return schema, schemaErr
}

// decodeDocument validates and decodes a JSON state document.
func decodeDocument(data []byte) (*Document, error) {
	sch, err := documentValidator()
	if err != nil {
		return nil, err
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := sch.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	doc := new(Document)
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return doc, nil
}

// FileBackend stores the document as one JSON file that is replaced atomically.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend for the given file, creating its directory.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &FileBackend{path: path}, nil
}

func (f *FileBackend) Load(ctx context.Context) (*Document, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("state file %s: %w", f.path, err)
	}
	return doc, nil
}

func (f *FileBackend) Save(ctx context.Context, doc *Document, changed []string) error {
	return morph.WriteJSONFile(f.path, doc)
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) String() string {
	return "state file @ " + f.path
}

const (
	metaKey      = "meta"
	recordPrefix = "record/"
)

// BadgerBackend stores the document header under one key and each record under its own
// key, so a save writes only the changed records.
type BadgerBackend struct {
	directory string
	db        *badger.DB
}

// NewBadgerBackend opens or creates a Badger database at path.  An empty path opens an
// in-memory database.
func NewBadgerBackend(path string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil).WithNumVersionsToKeep(1)
	if path == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("can't make directory at %s: %w", path, err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	morph.Debugf("Opened badger state @ %q", path)
	return &BadgerBackend{directory: path, db: db}, nil
}

func (b *BadgerBackend) Load(ctx context.Context) (*Document, error) {
	var doc *Document
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		doc = new(Document)
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, doc)
		}); err != nil {
			return fmt.Errorf("%w: header: %v", ErrCorrupt, err)
		}
		doc.Records = make(map[string]*Record)

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r := new(Record)
			if err := json.Unmarshal(val, r); err != nil {
				return fmt.Errorf("%w: record %s: %v", ErrCorrupt, it.Item().Key(), err)
			}
			doc.Records[strings.TrimPrefix(string(it.Item().Key()), recordPrefix)] = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	// validate the assembled document the same way as a file
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return decodeDocument(data)
}

func (b *BadgerBackend) Save(ctx context.Context, doc *Document, changed []string) error {
	header := Document{Version: doc.Version, RunID: doc.RunID, LastRun: doc.LastRun}
	return b.db.Update(func(txn *badger.Txn) error {
		val, err := json.Marshal(header)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(metaKey), val); err != nil {
			return err
		}
		for _, id := range changed {
			r, found := doc.Records[id]
			if !found {
				continue
			}
			val, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(recordPrefix+id), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *BadgerBackend) String() string {
	return fmt.Sprintf("badger state @ %s", b.directory)
}

// OpenBackend returns the backend named by kind ("file", "badger" or "memory").  For
// file, path is the document; for badger, the database directory.
func OpenBackend(kind, path string) (Backend, error) {
	switch kind {
	case "", "file":
		return NewFileBackend(path)
	case "badger":
		return NewBadgerBackend(path)
	case "memory":
		return &MemoryBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", kind)
	}
}
