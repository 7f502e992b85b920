package persist

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// rename is swapped out in tests to simulate a crash before the final step.
var rename = os.Rename

// FileStore keeps the protocol state in a single JSON file.
type FileStore struct {
	Path  string
	Codec *Codec
}

// NewFileStore creates a store for path using the current document version.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path, Codec: NewCodec()}
}

// Save writes snap to a temporary file in the target directory, syncs it
// and renames it over the target. On failure the temporary file is removed
// and the previous state file is left as it was.
func (s *FileStore) Save(ctx context.Context, snap domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.Codec.Marshal(snap)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Kind: KindFile, Field: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return &Error{Kind: KindFile, Field: dir, Err: err}
	}
	tmpPath := tmp.Name()

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return &Error{Kind: KindFile, Field: s.Path, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	if err := rename(tmpPath, s.Path); err != nil {
		_ = os.Remove(tmpPath)
		return &Error{Kind: KindFile, Field: s.Path, Err: err}
	}
	return nil
}

// Load reads and validates the state file. A missing file is a file error
// wrapping fs.ErrNotExist.
func (s *FileStore) Load() (Document, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Document{}, &Error{Kind: KindFile, Field: s.Path, Err: err}
	}
	return s.Codec.Unmarshal(data)
}

// Exists reports whether a state file is present.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.Path)
	return !errors.Is(err, fs.ErrNotExist)
}
