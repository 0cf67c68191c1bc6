package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goliatone/go-scene/format"
	"github.com/goliatone/go-scene/layer"
)

// FileStore keeps layer content as YAML documents below a root directory.
// A layer identifier maps to the file at root/identifier; scheme-qualified
// identifiers map to root/scheme/rest. ETags derive from the file's
// modification time and size.
type FileStore struct {
	root string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: filepath.Clean(dir)}
}

// Root returns the store's root directory.
func (s *FileStore) Root() string { return s.root }

// Path returns the file that holds ref.
func (s *FileStore) Path(ref Ref) (string, error) {
	key, err := ref.Identifier()
	if err != nil {
		return "", err
	}
	key = strings.Replace(key, "://", "/", 1)
	key = strings.TrimPrefix(key, "/")
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Identifier maps a file below the root back to its layer identifier.
func (s *FileStore) Identifier(file string) (string, bool) {
	rel, err := filepath.Rel(s.root, file)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (s *FileStore) Load(_ context.Context, ref Ref) (layer.Data, Meta, bool, error) {
	file, err := s.Path(ref)
	if err != nil {
		return layer.Data{}, Meta{}, false, err
	}
	raw, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return layer.Data{}, Meta{}, false, nil
	}
	if err != nil {
		return layer.Data{}, Meta{}, false, fmt.Errorf("%w: %v", layer.ErrIO, err)
	}
	info, err := os.Stat(file)
	if err != nil {
		return layer.Data{}, Meta{}, false, fmt.Errorf("%w: %v", layer.ErrIO, err)
	}
	data, err := format.UnmarshalSource(file, raw)
	if err != nil {
		return layer.Data{}, Meta{}, false, err
	}
	return data, fileMeta(info), true, nil
}

// Save writes data atomically: the document goes to a temporary file in the
// target directory that is then renamed over the destination.
func (s *FileStore) Save(_ context.Context, ref Ref, data layer.Data, meta Meta) (Meta, error) {
	file, err := s.Path(ref)
	if err != nil {
		return Meta{}, err
	}
	raw, err := format.Marshal(data)
	if err != nil {
		return Meta{}, err
	}
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Meta{}, fmt.Errorf("%w: %v", layer.ErrIO, err)
	}
	tmp, err := os.CreateTemp(dir, ".scene-*.tmp")
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %v", layer.ErrIO, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return Meta{}, fmt.Errorf("%w: %v", layer.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return Meta{}, fmt.Errorf("%w: %v", layer.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), file); err != nil {
		return Meta{}, fmt.Errorf("%w: %v", layer.ErrIO, err)
	}
	info, err := os.Stat(file)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %v", layer.ErrIO, err)
	}
	saved := mergeMeta(cloneMeta(meta), fileMeta(info))
	if saved.SnapshotID == "" {
		saved.SnapshotID = newSnapshotID()
	}
	return saved, nil
}

func fileMeta(info fs.FileInfo) Meta {
	return Meta{
		ETag:      fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size()),
		UpdatedAt: info.ModTime().UTC(),
	}
}
