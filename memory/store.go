package memory

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/amphibian-ai/amphibian/types"
)

// Persisted file layout under the store root.
const (
	graphFile      = "memory/graph.json"
	provenanceFile = "memory/cooccurrence_provenance.json"
)

// Store persists the graph and the tracker's provenance as JSON under a
// caller-provided root. Writes are crash-safe: temp file, fsync, rename.
// Absent files load as empty; corrupt files load as empty with a warning.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(root string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		root:   root,
		logger: logger.With(zap.String("component", "memory_store")),
	}
}

// SaveGraph writes the graph to memory/graph.json.
func (s *Store) SaveGraph(g *Graph) error {
	data, err := g.Serialize()
	if err != nil {
		return err
	}
	return s.writeAtomic(graphFile, data)
}

// LoadGraph loads memory/graph.json into g. A missing file leaves g empty;
// a corrupt file is logged and also leaves g empty, so a damaged disk never
// blocks startup.
func (s *Store) LoadGraph(g *Graph) error {
	data, err := os.ReadFile(filepath.Join(s.root, graphFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return types.NewError(types.ErrIntegrity, "read memory graph").WithCause(err)
	}
	if err := g.Deserialize(data); err != nil {
		s.logger.Warn("memory graph corrupt, starting empty", zap.Error(err))
		return nil
	}
	return nil
}

// SaveProvenance writes the tracker's provenance to
// memory/cooccurrence_provenance.json.
func (s *Store) SaveProvenance(t *Tracker) error {
	data, err := t.SerializeProvenance()
	if err != nil {
		return err
	}
	return s.writeAtomic(provenanceFile, data)
}

// LoadProvenance restores the tracker's provenance. Same tolerance rules
// as LoadGraph.
func (s *Store) LoadProvenance(t *Tracker) error {
	data, err := os.ReadFile(filepath.Join(s.root, provenanceFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return types.NewError(types.ErrIntegrity, "read provenance").WithCause(err)
	}
	if err := t.RestoreProvenance(data); err != nil {
		s.logger.Warn("provenance corrupt, starting empty", zap.Error(err))
		return nil
	}
	return nil
}

// writeAtomic writes data to rel under the root via a sibling temp file,
// fsync, and rename, so readers never observe a torn file.
func (s *Store) writeAtomic(rel string, data []byte) error {
	path := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return types.NewError(types.ErrIntegrity, "create state directory").WithCause(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return types.NewError(types.ErrIntegrity, "create temp file").WithCause(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return types.NewError(types.ErrIntegrity, "write temp file").WithCause(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return types.NewError(types.ErrIntegrity, "sync temp file").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return types.NewError(types.ErrIntegrity, "close temp file").WithCause(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return types.NewError(types.ErrIntegrity, "rename temp file").WithCause(err)
	}
	return nil
}

// WriteFileAtomic exposes the crash-safe writer for sibling packages that
// persist under the same root (identity state uses it).
func WriteFileAtomic(root, rel string, data []byte) error {
	return (&Store{root: root, logger: zap.NewNop()}).writeAtomic(rel, data)
}
